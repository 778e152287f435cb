package services

import (
	"context"
	"testing"
	"time"

	types "github.com/calliopebot/calliope/internal/domain"
	"github.com/calliopebot/calliope/internal/observability"
	"github.com/calliopebot/calliope/internal/platform/logger"
)

func newTestTracker(repo *fakeUsageRepo) *usageTracker {
	tr := NewUsageTracker(logger.NewNop(), repo, observability.NewMetrics()).(*usageTracker)
	base := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }
	return tr
}

func TestCostFor(t *testing.T) {
	got := CostFor("gpt-4o", types.TokenUsage{PromptTokens: 1000, CompletionTokens: 1000})
	want := 0.0025 + 0.01
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("cost = %f, want %f", got, want)
	}
	if CostFor("some-unknown-model", types.TokenUsage{PromptTokens: 1000}) != 0 {
		t.Fatalf("unknown models should cost zero")
	}
}

func TestTrackRollsUpAndPersists(t *testing.T) {
	repo := &fakeUsageRepo{}
	tr := newTestTracker(repo)
	ctx := context.Background()

	tr.Track(ctx, "gpt-4o", "respond", types.TokenUsage{PromptTokens: 2000, CompletionTokens: 500})
	tr.Track(ctx, "gpt-4o-mini", "respond", types.TokenUsage{PromptTokens: 1000, CompletionTokens: 100})
	tr.Track(ctx, "text-embedding-3-small", "backfill", types.TokenUsage{PromptTokens: 4000})

	snap := tr.Snapshot()
	if snap.ByModel["gpt-4o"] <= 0 || snap.ByModel["gpt-4o-mini"] <= 0 {
		t.Fatalf("per-model rollups missing: %+v", snap.ByModel)
	}
	if snap.ByOperation["respond"] != 3600 {
		t.Fatalf("respond tokens = %d, want 3600", snap.ByOperation["respond"])
	}
	if snap.ByOperation["backfill"] != 4000 {
		t.Fatalf("backfill tokens = %d, want 4000", snap.ByOperation["backfill"])
	}
	if len(snap.Hourly) != 1 || len(snap.Daily) != 1 {
		t.Fatalf("expected single hour and day buckets, got %d/%d", len(snap.Hourly), len(snap.Daily))
	}
	if len(repo.created) != 3 {
		t.Fatalf("expected 3 durable records, got %d", len(repo.created))
	}
}

func TestTrailingHourWindowPrunes(t *testing.T) {
	tr := newTestTracker(&fakeUsageRepo{})
	base := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	now := base
	tr.now = func() time.Time { return now }

	tr.Track(context.Background(), "gpt-4o", "respond", types.TokenUsage{PromptTokens: 10000, CompletionTokens: 1000})
	if tr.TrailingHourCost() <= 0 {
		t.Fatalf("fresh spend missing from trailing window")
	}

	now = base.Add(2 * time.Hour)
	if got := tr.TrailingHourCost(); got != 0 {
		t.Fatalf("stale spend should age out of the trailing window, got %f", got)
	}
	if tr.DayCost() <= 0 {
		t.Fatalf("daily rollup should survive the trailing window")
	}
}

func TestRollupRetention(t *testing.T) {
	tr := newTestTracker(&fakeUsageRepo{})
	base := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	now := base
	tr.now = func() time.Time { return now }

	tr.Track(context.Background(), "gpt-4o", "respond", types.TokenUsage{PromptTokens: 1000})

	now = base.Add(3 * 24 * time.Hour)
	tr.Track(context.Background(), "gpt-4o", "respond", types.TokenUsage{PromptTokens: 1000})

	snap := tr.Snapshot()
	if len(snap.Hourly) != 1 {
		t.Fatalf("hourly buckets past retention should be dropped, got %d", len(snap.Hourly))
	}
	if len(snap.Daily) != 2 {
		t.Fatalf("daily buckets inside retention should survive, got %d", len(snap.Daily))
	}
}

func TestDailyBudgetAlertsFireOnce(t *testing.T) {
	tr := newTestTracker(&fakeUsageRepo{})
	tr.dailyBudget = 0.01

	// ~ $0.0125 per call.
	for i := 0; i < 3; i++ {
		tr.Track(context.Background(), "gpt-4o", "respond", types.TokenUsage{PromptTokens: 1000, CompletionTokens: 1000})
	}

	day := tr.now().UTC().Format("2006-01-02")
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.alerted[day+":100"] {
		t.Fatalf("100%% budget alert should have fired")
	}
}
