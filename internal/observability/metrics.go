package observability

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Metrics holds the process-local counters exposed on /metrics in Prometheus
// text format. Lost updates under concurrency are acceptable for none of
// these; each primitive carries its own lock.
type Metrics struct {
	llmRequests    *CounterVec
	llmTokens      *CounterVec
	llmCost        *CounterVec
	cacheHits      *CounterVec
	cacheMisses    *CounterVec
	searchLatency  *HistogramVec
	contextQuality *HistogramVec
	contextBuilds  *Counter
	contextErrors  *Counter
	moodSelected   *CounterVec
	budgetForced   *Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		llmRequests:    NewCounterVec("calliope_llm_requests_total", "Provider calls by model and operation", []string{"model", "operation", "status"}),
		llmTokens:      NewCounterVec("calliope_llm_tokens_total", "Token usage by model and kind", []string{"model", "kind"}),
		llmCost:        NewCounterVec("calliope_llm_cost_usd_total", "Estimated spend by model", []string{"model"}),
		cacheHits:      NewCounterVec("calliope_cache_hits_total", "Cache hits by tier", []string{"tier"}),
		cacheMisses:    NewCounterVec("calliope_cache_misses_total", "Cache misses by tier", []string{"tier"}),
		searchLatency:  NewHistogramVec("calliope_search_seconds", "Hybrid search latency", []string{"mode"}, nil),
		contextQuality: NewHistogramVec("calliope_context_quality", "Quality score of assembled context windows", nil, []float64{0.1, 0.25, 0.5, 0.75, 0.9, 1}),
		contextBuilds:  NewCounter("calliope_context_builds_total", "Context windows assembled"),
		contextErrors:  NewCounter("calliope_context_build_errors_total", "Context fetches that degraded to empty sections"),
		moodSelected:   NewCounterVec("calliope_mood_selected_total", "Mood selections", []string{"mood"}),
		budgetForced:   NewCounter("calliope_budget_forced_cheap_total", "Model selections forced to cheapest tier by budget"),
	}
}

func (m *Metrics) LLMRequest(model, operation, status string) {
	m.llmRequests.Inc(model, operation, status)
}
func (m *Metrics) LLMTokens(model string, prompt, completion int) {
	m.llmTokens.Add(float64(prompt), model, "prompt")
	m.llmTokens.Add(float64(completion), model, "completion")
}
func (m *Metrics) LLMCost(model string, usd float64)    { m.llmCost.Add(usd, model) }
func (m *Metrics) CacheHit(tier string)                 { m.cacheHits.Inc(tier) }
func (m *Metrics) CacheMiss(tier string)                { m.cacheMisses.Inc(tier) }
func (m *Metrics) SearchLatency(mode string, s float64) { m.searchLatency.Observe(s, mode) }
func (m *Metrics) ContextQuality(score float64)         { m.contextQuality.Observe(score) }
func (m *Metrics) ContextBuild()                        { m.contextBuilds.Inc() }
func (m *Metrics) ContextError()                        { m.contextErrors.Inc() }
func (m *Metrics) MoodSelected(mood string)             { m.moodSelected.Inc(mood) }
func (m *Metrics) BudgetForcedCheap()                   { m.budgetForced.Inc() }

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	writers := []interface{ WritePrometheus(io.Writer) error }{
		m.llmRequests, m.llmTokens, m.llmCost,
		m.cacheHits, m.cacheMisses,
		m.searchLatency, m.contextQuality,
		m.contextBuilds, m.contextErrors,
		m.moodSelected, m.budgetForced,
	}
	for _, wr := range writers {
		if err := wr.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

type Counter struct {
	name string
	help string
	mu   sync.RWMutex
	val  float64
}

func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help}
}

func (c *Counter) Inc() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.val++
	c.mu.Unlock()
}

func (c *Counter) Add(v float64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.val += v
	c.mu.Unlock()
}

func (c *Counter) Value() float64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.val
}

func (c *Counter) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s counter\n", c.name); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, err := fmt.Fprintf(w, "%s %f\n", c.name, c.val)
	return err
}

type CounterVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewCounterVec(name, help string, labels []string) *CounterVec {
	return &CounterVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (c *CounterVec) Inc(values ...string) {
	c.Add(1, values...)
}

func (c *CounterVec) Add(v float64, values ...string) {
	if c == nil {
		return
	}
	lbl := labelString(c.labelNames, values)
	c.mu.Lock()
	c.values[lbl] += v
	c.mu.Unlock()
}

func (c *CounterVec) Value(values ...string) float64 {
	if c == nil {
		return 0
	}
	lbl := labelString(c.labelNames, values)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[lbl]
}

func (c *CounterVec) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s counter\n", c.name); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.values {
		if _, err := fmt.Fprintf(w, "%s%s %f\n", c.name, k, v); err != nil {
			return err
		}
	}
	return nil
}

type HistogramVec struct {
	name       string
	help       string
	labelNames []string
	buckets    []float64
	mu         sync.RWMutex
	values     map[string]*histogram
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	total   uint64
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) *HistogramVec {
	if len(buckets) == 0 {
		buckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
	}
	return &HistogramVec{name: name, help: help, labelNames: labels, buckets: buckets, values: map[string]*histogram{}}
}

func (h *HistogramVec) Observe(v float64, values ...string) {
	if h == nil {
		return
	}
	lbl := labelString(h.labelNames, values)
	h.mu.Lock()
	defer h.mu.Unlock()
	hist, ok := h.values[lbl]
	if !ok {
		hist = &histogram{
			buckets: h.buckets,
			counts:  make([]uint64, len(h.buckets)+1),
		}
		h.values[lbl] = hist
	}
	hist.sum += v
	hist.total++
	for i, b := range hist.buckets {
		if v <= b {
			hist.counts[i]++
		}
	}
	hist.counts[len(hist.counts)-1]++
}

func (h *HistogramVec) WritePrometheus(w io.Writer) error {
	if h == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", h.name, h.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s histogram\n", h.name); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for k, v := range h.values {
		for i, b := range v.buckets {
			if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, fmt.Sprintf("%g", b)), v.counts[i]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, "+Inf"), v.counts[len(v.counts)-1]); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_sum%s %f\n", h.name, k, v.sum); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_count%s %d\n", h.name, k, v.total); err != nil {
			return err
		}
	}
	return nil
}

func labelString(names []string, values []string) string {
	if len(names) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("{")
	for i, name := range names {
		if i > 0 {
			b.WriteString(",")
		}
		val := "unknown"
		if i < len(values) {
			val = values[i]
		}
		b.WriteString(name)
		b.WriteString("=\"")
		b.WriteString(escapeLabel(val))
		b.WriteString("\"")
	}
	b.WriteString("}")
	return b.String()
}

func escapeLabel(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	v = strings.ReplaceAll(v, "\n", "\\n")
	return v
}

func withLe(labels string, le string) string {
	le = escapeLabel(le)
	if labels == "" || labels == "{}" {
		return "{le=\"" + le + "\"}"
	}
	if strings.HasSuffix(labels, "}") {
		return strings.TrimSuffix(labels, "}") + ",le=\"" + le + "\"}"
	}
	return "{le=\"" + le + "\"}"
}
