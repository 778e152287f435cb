package services

import (
	"context"
	"sync"
	"time"

	"github.com/calliopebot/calliope/internal/data/repos"
	types "github.com/calliopebot/calliope/internal/domain"
	"github.com/calliopebot/calliope/internal/observability"
	"github.com/calliopebot/calliope/internal/platform/envutil"
	"github.com/calliopebot/calliope/internal/platform/logger"
)

const (
	hourlyRetention = 48 * time.Hour
	dailyRetention  = 30 * 24 * time.Hour
)

// modelCosts is USD per 1k tokens, prompt/completion. Unknown models cost
// zero and are still counted by token.
var modelCosts = map[string]struct{ prompt, completion float64 }{
	"gpt-4o-mini":            {0.00015, 0.0006},
	"gpt-4o":                 {0.0025, 0.01},
	"o1":                     {0.015, 0.06},
	"text-embedding-3-small": {0.00002, 0},
}

// CostFor estimates the spend for one call.
func CostFor(model string, usage types.TokenUsage) float64 {
	c, ok := modelCosts[model]
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)/1000*c.prompt + float64(usage.CompletionTokens)/1000*c.completion
}

type UsageSnapshot struct {
	TrailingHourCost float64            `json:"trailing_hour_cost_usd"`
	DayCost          float64            `json:"day_cost_usd"`
	ByModel          map[string]float64 `json:"by_model_usd"`
	ByOperation      map[string]int64   `json:"by_operation_tokens"`
	Hourly           map[string]float64 `json:"hourly_usd"`
	Daily            map[string]float64 `json:"daily_usd"`
}

// UsageTracker accounts for provider spend. Rollups are process-local with
// bounded retention; every call is also appended to the durable usage table
// best-effort.
type UsageTracker interface {
	Track(ctx context.Context, model, operation string, usage types.TokenUsage)
	TrailingHourCost() float64
	DayCost() float64
	Snapshot() UsageSnapshot
}

type usageEvent struct {
	at   time.Time
	cost float64
}

type usageTracker struct {
	log     *logger.Logger
	repo    repos.UsageRepo
	metrics *observability.Metrics

	dailyBudget float64
	now         func() time.Time

	mu          sync.Mutex
	events      []usageEvent // trailing-hour window, pruned on write and read
	hourly      map[string]float64
	daily       map[string]float64
	byModel     map[string]float64
	byOperation map[string]int64
	alerted     map[string]bool // "<day>:80" / "<day>:100"
}

func NewUsageTracker(log *logger.Logger, repo repos.UsageRepo, metrics *observability.Metrics) UsageTracker {
	return &usageTracker{
		log:         log.With("service", "UsageTracker"),
		repo:        repo,
		metrics:     metrics,
		dailyBudget: envutil.Float("USAGE_DAILY_BUDGET_USD", 10),
		now:         time.Now,
		hourly:      map[string]float64{},
		daily:       map[string]float64{},
		byModel:     map[string]float64{},
		byOperation: map[string]int64{},
		alerted:     map[string]bool{},
	}
}

func (t *usageTracker) Track(ctx context.Context, model, operation string, usage types.TokenUsage) {
	cost := CostFor(model, usage)
	now := t.now().UTC()
	hourKey := now.Format("2006-01-02T15")
	dayKey := now.Format("2006-01-02")

	t.mu.Lock()
	t.events = append(t.events, usageEvent{at: now, cost: cost})
	t.pruneLocked(now)
	t.hourly[hourKey] += cost
	t.daily[dayKey] += cost
	t.byModel[model] += cost
	t.byOperation[operation] += int64(usage.Total())
	dayCost := t.daily[dayKey]
	budget := t.dailyBudget
	var alert string
	if budget > 0 {
		if dayCost >= budget && !t.alerted[dayKey+":100"] {
			t.alerted[dayKey+":100"] = true
			alert = "100"
		} else if dayCost >= 0.8*budget && !t.alerted[dayKey+":80"] {
			t.alerted[dayKey+":80"] = true
			alert = "80"
		}
	}
	t.mu.Unlock()

	t.metrics.LLMTokens(model, usage.PromptTokens, usage.CompletionTokens)
	t.metrics.LLMCost(model, cost)

	switch alert {
	case "80":
		t.log.Warn("daily spend at 80% of budget", "day", dayKey, "spend_usd", dayCost, "budget_usd", budget)
	case "100":
		t.log.Error("daily spend budget exhausted", "day", dayKey, "spend_usd", dayCost, "budget_usd", budget)
	}

	if t.repo != nil {
		rec := &types.UsageRecord{
			Model:            model,
			Operation:        operation,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			CostUSD:          cost,
		}
		if _, err := t.repo.Create(ctx, []*types.UsageRecord{rec}); err != nil {
			t.log.Warn("usage record write failed", "error", err.Error())
		}
	}
}

// pruneLocked drops expired trailing-hour events and rollup buckets.
func (t *usageTracker) pruneLocked(now time.Time) {
	cut := now.Add(-1 * time.Hour)
	i := 0
	for ; i < len(t.events); i++ {
		if t.events[i].at.After(cut) {
			break
		}
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
	for k := range t.hourly {
		if at, err := time.Parse("2006-01-02T15", k); err == nil && now.Sub(at) > hourlyRetention {
			delete(t.hourly, k)
		}
	}
	for k := range t.daily {
		if at, err := time.Parse("2006-01-02", k); err == nil && now.Sub(at) > dailyRetention {
			delete(t.daily, k)
			delete(t.alerted, k+":80")
			delete(t.alerted, k+":100")
		}
	}
}

func (t *usageTracker) TrailingHourCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.now().UTC())
	total := 0.0
	for _, e := range t.events {
		total += e.cost
	}
	return total
}

func (t *usageTracker) DayCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.daily[t.now().UTC().Format("2006-01-02")]
}

func (t *usageTracker) Snapshot() UsageSnapshot {
	trailing := t.TrailingHourCost()
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := UsageSnapshot{
		TrailingHourCost: trailing,
		DayCost:          t.daily[t.now().UTC().Format("2006-01-02")],
		ByModel:          map[string]float64{},
		ByOperation:      map[string]int64{},
		Hourly:           map[string]float64{},
		Daily:            map[string]float64{},
	}
	for k, v := range t.byModel {
		snap.ByModel[k] = v
	}
	for k, v := range t.byOperation {
		snap.ByOperation[k] = v
	}
	for k, v := range t.hourly {
		snap.Hourly[k] = v
	}
	for k, v := range t.daily {
		snap.Daily[k] = v
	}
	return snap
}
