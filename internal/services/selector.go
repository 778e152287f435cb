package services

import (
	"strings"

	types "github.com/calliopebot/calliope/internal/domain"
	"github.com/calliopebot/calliope/internal/observability"
	"github.com/calliopebot/calliope/internal/platform/envutil"
	"github.com/calliopebot/calliope/internal/platform/logger"
)

type modelTier struct {
	name  string
	model string
}

type SelectionSignals struct {
	RequiresSearch     bool
	ConversationLength int
	ThreadDepth        int
}

type Selection struct {
	Model         string  `json:"model"`
	Tier          string  `json:"tier"`
	Reasoning     string  `json:"reasoning"`
	EstimatedCost float64 `json:"estimated_cost_usd"`
}

// ModelSelector picks the cheapest model adequate for a request, escalating
// on complexity signals, and forces the cheapest tier when the trailing-hour
// spend exceeds the configured budget.
type ModelSelector interface {
	Select(query string, signals SelectionSignals) Selection
}

type modelSelector struct {
	log     *logger.Logger
	usage   UsageTracker
	metrics *observability.Metrics

	tiers        []modelTier // cheapest first
	hourlyBudget float64
}

func NewModelSelector(log *logger.Logger, usage UsageTracker, metrics *observability.Metrics) ModelSelector {
	return &modelSelector{
		log:     log.With("service", "ModelSelector"),
		usage:   usage,
		metrics: metrics,
		tiers: []modelTier{
			{name: "cheap", model: envutil.String("MODEL_CHEAP", "gpt-4o-mini")},
			{name: "standard", model: envutil.String("MODEL_STANDARD", "gpt-4o")},
			{name: "premium", model: envutil.String("MODEL_PREMIUM", "o1")},
		},
		hourlyBudget: envutil.Float("USAGE_HOURLY_BUDGET_USD", 1),
	}
}

var technicalMarkers = []string{
	"```", "error", "stack trace", "algorithm", "architecture", "regex",
	"concurrency", "deadlock", "race condition", "benchmark", "complexity",
}

// complexityScore grades the request 0..5 from query shape and conversation
// signals.
func complexityScore(query string, signals SelectionSignals) int {
	q := strings.ToLower(query)
	score := 0
	if len(query) > 280 {
		score++
	}
	for _, m := range technicalMarkers {
		if strings.Contains(q, m) {
			score++
			break
		}
	}
	if strings.Count(q, "?") > 1 {
		score++
	}
	if signals.RequiresSearch {
		score++
	}
	if signals.ConversationLength > 20 || signals.ThreadDepth > 5 {
		score++
	}
	return score
}

func (s *modelSelector) Select(query string, signals SelectionSignals) Selection {
	if s.hourlyBudget > 0 && s.usage.TrailingHourCost() >= s.hourlyBudget {
		s.metrics.BudgetForcedCheap()
		t := s.tiers[0]
		s.log.Warn("hourly budget exceeded, forcing cheapest model",
			"model", t.model, "trailing_hour_usd", s.usage.TrailingHourCost(), "budget_usd", s.hourlyBudget)
		return Selection{
			Model:         t.model,
			Tier:          t.name,
			Reasoning:     "hourly budget exceeded",
			EstimatedCost: estimateCallCost(t.model, query),
		}
	}

	score := complexityScore(query, signals)
	var t modelTier
	var why string
	switch {
	case score >= 4:
		t = s.tiers[2]
		why = "high complexity"
	case score >= 2:
		t = s.tiers[1]
		why = "moderate complexity"
	default:
		t = s.tiers[0]
		why = "simple request"
	}
	return Selection{
		Model:         t.model,
		Tier:          t.name,
		Reasoning:     why,
		EstimatedCost: estimateCallCost(t.model, query),
	}
}

// estimateCallCost approximates one call's spend from the query length plus
// typical context and completion sizes.
func estimateCallCost(model, query string) float64 {
	promptTokens := estimateTokens(query) + defaultContextBudget/2
	return CostFor(model, types.TokenUsage{PromptTokens: promptTokens, CompletionTokens: 256})
}
