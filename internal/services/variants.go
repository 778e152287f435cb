package services

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	types "github.com/calliopebot/calliope/internal/domain"
	"github.com/calliopebot/calliope/internal/platform/logger"
)

// WinnerReport is the outcome of evaluating a prompt test.
type WinnerReport struct {
	VariantID  string  `json:"variant_id"`
	Score      float64 `json:"score"`
	RunnerUp   string  `json:"runner_up,omitempty"`
	Confidence float64 `json:"confidence"`
	Decisive   bool    `json:"decisive"`
}

// PromptTestService runs deterministic prompt A/B tests. Assignment is a
// pure function of (test id, user id): the same user always sees the same
// variant for the life of a test.
type PromptTestService interface {
	RegisterTest(test types.PromptTest) error
	// AssignVariant buckets the user and counts an impression.
	AssignVariant(testID, userID string) (types.PromptVariant, error)
	RecordEngagement(testID, variantID string)
	RecordQuality(testID, variantID string, score float64)
	RecordError(testID, variantID string)
	RecordConversion(testID, variantID string)
	RecordLatency(testID, variantID string, ms int64)
	RecordTokens(testID, variantID string, tokens int64)
	// Winner evaluates the test; Decisive is false until every variant has
	// MinSample impressions.
	Winner(testID string) (WinnerReport, error)
	Metrics(testID string) (map[string]types.VariantMetrics, error)
}

type promptTest struct {
	def     types.PromptTest
	metrics map[string]*types.VariantMetrics
}

type promptTestService struct {
	log *logger.Logger

	mu    sync.RWMutex
	tests map[string]*promptTest
}

func NewPromptTestService(log *logger.Logger) PromptTestService {
	return &promptTestService{
		log:   log.With("service", "PromptTestService"),
		tests: map[string]*promptTest{},
	}
}

func (s *promptTestService) RegisterTest(test types.PromptTest) error {
	if strings.TrimSpace(test.ID) == "" {
		return fmt.Errorf("missing test id")
	}
	if len(test.Variants) < 2 {
		return fmt.Errorf("test %q needs at least two variants", test.ID)
	}
	total := 0
	seen := map[string]bool{}
	for _, v := range test.Variants {
		if strings.TrimSpace(v.ID) == "" {
			return fmt.Errorf("test %q has a variant with no id", test.ID)
		}
		if seen[v.ID] {
			return fmt.Errorf("test %q repeats variant %q", test.ID, v.ID)
		}
		seen[v.ID] = true
		if v.Allocation <= 0 {
			return fmt.Errorf("test %q variant %q has non-positive allocation", test.ID, v.ID)
		}
		total += v.Allocation
	}
	if total != 100 {
		return fmt.Errorf("test %q allocations sum to %d, want 100", test.ID, total)
	}
	if test.MinSample <= 0 {
		test.MinSample = 100
	}

	pt := &promptTest{def: test, metrics: map[string]*types.VariantMetrics{}}
	for _, v := range test.Variants {
		pt.metrics[v.ID] = &types.VariantMetrics{}
	}

	s.mu.Lock()
	s.tests[test.ID] = pt
	s.mu.Unlock()
	s.log.Info("prompt test registered", "test_id", test.ID, "variants", len(test.Variants))
	return nil
}

// bucketFor maps (test, user) onto [0, 100).
func bucketFor(testID, userID string) int {
	return int(xxhash.Sum64String(testID+":"+userID) % 100)
}

func (s *promptTestService) AssignVariant(testID, userID string) (types.PromptVariant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pt, ok := s.tests[testID]
	if !ok {
		return types.PromptVariant{}, fmt.Errorf("unknown test %q", testID)
	}

	bucket := bucketFor(testID, userID)
	cum := 0
	for _, v := range pt.def.Variants {
		cum += v.Allocation
		if bucket < cum {
			pt.metrics[v.ID].Impressions++
			return v, nil
		}
	}
	// Unreachable when allocations sum to 100.
	last := pt.def.Variants[len(pt.def.Variants)-1]
	pt.metrics[last.ID].Impressions++
	return last, nil
}

func (s *promptTestService) withMetrics(testID, variantID string, fn func(*types.VariantMetrics)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pt, ok := s.tests[testID]
	if !ok {
		return
	}
	m, ok := pt.metrics[variantID]
	if !ok {
		return
	}
	fn(m)
}

func (s *promptTestService) RecordEngagement(testID, variantID string) {
	s.withMetrics(testID, variantID, func(m *types.VariantMetrics) { m.Engagements++ })
}

func (s *promptTestService) RecordQuality(testID, variantID string, score float64) {
	s.withMetrics(testID, variantID, func(m *types.VariantMetrics) {
		m.QualitySum += clamp01(score)
		m.QualityCount++
	})
}

func (s *promptTestService) RecordError(testID, variantID string) {
	s.withMetrics(testID, variantID, func(m *types.VariantMetrics) { m.Errors++ })
}

func (s *promptTestService) RecordConversion(testID, variantID string) {
	s.withMetrics(testID, variantID, func(m *types.VariantMetrics) { m.Conversions++ })
}

func (s *promptTestService) RecordLatency(testID, variantID string, ms int64) {
	s.withMetrics(testID, variantID, func(m *types.VariantMetrics) { m.ResponseTimeMs += ms })
}

func (s *promptTestService) RecordTokens(testID, variantID string, tokens int64) {
	s.withMetrics(testID, variantID, func(m *types.VariantMetrics) { m.Tokens += tokens })
}

// variantScore blends engagement rate, mean quality and error rate.
func variantScore(m *types.VariantMetrics) float64 {
	if m.Impressions == 0 {
		return 0
	}
	eng := float64(m.Engagements) / float64(m.Impressions)
	qual := 0.0
	if m.QualityCount > 0 {
		qual = m.QualitySum / float64(m.QualityCount)
	}
	errRate := float64(m.Errors) / float64(m.Impressions)
	return eng*0.4 + qual*0.4 - errRate*0.2
}

func (s *promptTestService) Winner(testID string) (WinnerReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pt, ok := s.tests[testID]
	if !ok {
		return WinnerReport{}, fmt.Errorf("unknown test %q", testID)
	}

	type ranked struct {
		id string
		m  *types.VariantMetrics
	}
	all := make([]ranked, 0, len(pt.def.Variants))
	sampled := true
	for _, v := range pt.def.Variants {
		m := pt.metrics[v.ID]
		if m.Impressions < int64(pt.def.MinSample) {
			sampled = false
		}
		all = append(all, ranked{id: v.ID, m: m})
	}
	best, second := all[0], all[1]
	if variantScore(second.m) > variantScore(best.m) {
		best, second = second, best
	}
	for _, r := range all[2:] {
		sc := variantScore(r.m)
		if sc > variantScore(best.m) {
			second = best
			best = r
		} else if sc > variantScore(second.m) {
			second = r
		}
	}

	report := WinnerReport{
		VariantID: best.id,
		Score:     variantScore(best.m),
		RunnerUp:  second.id,
	}
	if !sampled {
		return report, nil
	}
	report.Confidence = engagementConfidence(best.m, second.m)
	report.Decisive = report.Confidence >= 0.95
	return report, nil
}

// engagementConfidence is a two-sided two-proportion z-test on engagement
// rates, returned as a confidence level in [0, 1].
func engagementConfidence(a, b *types.VariantMetrics) float64 {
	n1, n2 := float64(a.Impressions), float64(b.Impressions)
	if n1 == 0 || n2 == 0 {
		return 0
	}
	p1 := float64(a.Engagements) / n1
	p2 := float64(b.Engagements) / n2
	pooled := (float64(a.Engagements) + float64(b.Engagements)) / (n1 + n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if se == 0 {
		return 0
	}
	z := math.Abs(p1-p2) / se
	// 2*Phi(|z|) - 1 via erf.
	return math.Erf(z / math.Sqrt2)
}

func (s *promptTestService) Metrics(testID string) (map[string]types.VariantMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pt, ok := s.tests[testID]
	if !ok {
		return nil, fmt.Errorf("unknown test %q", testID)
	}
	out := make(map[string]types.VariantMetrics, len(pt.metrics))
	for id, m := range pt.metrics {
		out[id] = *m
	}
	return out, nil
}
