package services

import (
	"context"
	"fmt"
	"strings"
	"testing"

	types "github.com/calliopebot/calliope/internal/domain"
	"github.com/calliopebot/calliope/internal/observability"
	"github.com/calliopebot/calliope/internal/platform/logger"
)

type fakeSearch struct {
	searchCalls int
	results     []types.ScoredMessage
	searchErr   error
	thread      []*types.Message
	related     []*types.Message
}

func (f *fakeSearch) Search(ctx context.Context, query string, opts SearchOptions) ([]types.ScoredMessage, error) {
	f.searchCalls++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.results, nil
}

func (f *fakeSearch) ThreadContext(ctx context.Context, channelID, threadID string) ([]*types.Message, []*types.Message, error) {
	return f.thread, f.related, nil
}

func (f *fakeSearch) QueryEmbedding(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func newTestAssembler(search SearchService, msgs *fakeMessageRepo, sums *fakeSummaryRepo, profs *fakeProfileRepo) ContextService {
	log := logger.NewNop()
	return NewContextService(log, search, msgs, sums, profs, observability.NewMetrics())
}

func TestBuildContextRespectsTokenBudget(t *testing.T) {
	long := strings.Repeat("every deploy breaks something different and we argue about it ", 20)
	var recent []*types.Message
	for i := 0; i < 20; i++ {
		recent = append(recent, testMsg(fmt.Sprintf("user-%d", i%4), long, float64(i)))
	}
	msgs := &fakeMessageRepo{
		recentFn: func(ctx context.Context, channelID string, hours, limit int) ([]*types.Message, error) {
			return recent, nil
		},
	}
	sums := &fakeSummaryRepo{
		listFn: func(ctx context.Context, channelID string, limit int) ([]*types.ConversationSummary, error) {
			return []*types.ConversationSummary{{ChannelID: channelID, Summary: long}}, nil
		},
	}
	svc := newTestAssembler(&fakeSearch{}, msgs, sums, &fakeProfileRepo{})

	win := svc.BuildContext(context.Background(), "chan-1", "", ContextOptions{MaxTokens: 300})
	if win.TokenEstimate > 300 {
		t.Fatalf("formatted window over budget: %d > 300", win.TokenEstimate)
	}
	if len(win.RecentMessages) == 0 {
		t.Fatalf("recent section must survive budget pressure")
	}
	if !strings.Contains(win.Formatted, "Recent conversation:") {
		t.Fatalf("formatted output missing recent section")
	}
	// Summaries are lower priority than the guaranteed recent section and
	// should be the ones squeezed out.
	if len(win.Summaries) != 0 {
		t.Fatalf("oversized summary should have been dropped")
	}
}

func TestBuildContextKeepsNewestUnderBudget(t *testing.T) {
	oldest := testMsg("ana", strings.Repeat("old news ", 30), 20)
	newest := testMsg("ben", "fresh update", 0)
	msgs := &fakeMessageRepo{
		recentFn: func(ctx context.Context, channelID string, hours, limit int) ([]*types.Message, error) {
			return []*types.Message{oldest, newest}, nil
		},
	}
	svc := newTestAssembler(&fakeSearch{}, msgs, &fakeSummaryRepo{}, &fakeProfileRepo{})

	win := svc.BuildContext(context.Background(), "chan-1", "", ContextOptions{MaxTokens: 40})
	if len(win.RecentMessages) != 1 {
		t.Fatalf("expected only the newest message to fit, got %d", len(win.RecentMessages))
	}
	if win.RecentMessages[0].ID != newest.ID {
		t.Fatalf("truncation dropped the wrong end of the recent section")
	}
}

func TestBuildContextDedupsRelevantAgainstRecent(t *testing.T) {
	shared := testMsg("ana", "the message in both sets", 1)
	other := testMsg("ben", "only retrieved semantically", 30)
	msgs := &fakeMessageRepo{
		recentFn: func(ctx context.Context, channelID string, hours, limit int) ([]*types.Message, error) {
			return []*types.Message{shared}, nil
		},
	}
	search := &fakeSearch{results: []types.ScoredMessage{
		{Msg: shared, CombinedScore: 0.9},
		{Msg: other, CombinedScore: 0.8},
	}}
	svc := newTestAssembler(search, msgs, &fakeSummaryRepo{}, &fakeProfileRepo{})

	win := svc.BuildContext(context.Background(), "chan-1", "both sets", ContextOptions{})
	if len(win.RelevantMessages) != 1 {
		t.Fatalf("expected overlap to be dropped, got %d relevant", len(win.RelevantMessages))
	}
	if win.RelevantMessages[0].Msg.ID != other.ID {
		t.Fatalf("wrong message survived dedup")
	}
}

func TestBuildContextIncludesRelatedThreadMessages(t *testing.T) {
	inRecent := testMsg("ana", "seen in the recent section already", 1)
	outside := testMsg("cal", "older discussion of the same topic", 80)
	msgs := &fakeMessageRepo{
		recentFn: func(ctx context.Context, channelID string, hours, limit int) ([]*types.Message, error) {
			return []*types.Message{inRecent}, nil
		},
	}
	search := &fakeSearch{
		thread:  []*types.Message{testMsg("ana", "thread opener", 2), testMsg("ben", "thread reply", 1)},
		related: []*types.Message{inRecent, outside},
	}
	svc := newTestAssembler(search, msgs, &fakeSummaryRepo{}, &fakeProfileRepo{})

	win := svc.BuildContext(context.Background(), "chan-1", "", ContextOptions{ThreadID: "t-1"})
	if len(win.ThreadRelated) != 1 || win.ThreadRelated[0].ID != outside.ID {
		t.Fatalf("expected only the unseen related message, got %d", len(win.ThreadRelated))
	}
	if !strings.Contains(win.Formatted, "Related to this thread:") {
		t.Fatalf("formatted output missing the related-thread section")
	}
	// 1 recent + 2 thread + 1 related.
	if win.MessageCount != 4 {
		t.Fatalf("message count should include related hits, got %d", win.MessageCount)
	}
}

func TestBuildContextDegradesFailedSections(t *testing.T) {
	msgs := &fakeMessageRepo{
		recentFn: func(ctx context.Context, channelID string, hours, limit int) ([]*types.Message, error) {
			return []*types.Message{testMsg("ana", "still here", 1)}, nil
		},
	}
	sums := &fakeSummaryRepo{
		listFn: func(ctx context.Context, channelID string, limit int) ([]*types.ConversationSummary, error) {
			return nil, fmt.Errorf("summary store down")
		},
	}
	search := &fakeSearch{searchErr: fmt.Errorf("search down")}
	svc := newTestAssembler(search, msgs, sums, &fakeProfileRepo{})

	win := svc.BuildContext(context.Background(), "chan-1", "what broke", ContextOptions{})
	if win == nil {
		t.Fatalf("assembly must not fail outright")
	}
	if len(win.RecentMessages) != 1 {
		t.Fatalf("healthy section lost alongside the failed ones")
	}
	if len(win.RelevantMessages) != 0 || len(win.Summaries) != 0 {
		t.Fatalf("failed sections should be empty")
	}
	if win.QualityScore <= 0 {
		t.Fatalf("window with recent coverage should still score above zero")
	}
}

func TestBuildContextCachesResults(t *testing.T) {
	calls := 0
	msgs := &fakeMessageRepo{
		recentFn: func(ctx context.Context, channelID string, hours, limit int) ([]*types.Message, error) {
			calls++
			return []*types.Message{testMsg("ana", "cached", 1)}, nil
		},
	}
	svc := newTestAssembler(&fakeSearch{}, msgs, &fakeSummaryRepo{}, &fakeProfileRepo{})

	first := svc.BuildContext(context.Background(), "chan-1", "", ContextOptions{})
	second := svc.BuildContext(context.Background(), "chan-1", "", ContextOptions{})
	if calls != 1 {
		t.Fatalf("expected one repo call for repeated identical builds, got %d", calls)
	}
	if first != second {
		t.Fatalf("expected the cached window instance back")
	}

	// A different query is a different cache entry.
	svc.BuildContext(context.Background(), "chan-1", "something else entirely", ContextOptions{})
	if calls != 2 {
		t.Fatalf("distinct query should rebuild, calls=%d", calls)
	}
}

func TestQualityScoreRenormalizesOverPresentSignals(t *testing.T) {
	opts := ContextOptions{RecentLimit: 10}

	recentOnly := types.EmptyContextWindow("c", "", "")
	for i := 0; i < 5; i++ {
		recentOnly.RecentMessages = append(recentOnly.RecentMessages, testMsg("ana", "m", 1))
	}
	if got := qualityScore(recentOnly, opts); got != 0.5 {
		t.Fatalf("recent-only window should score its coverage, got %f", got)
	}

	withHits := types.EmptyContextWindow("c", "q", "")
	withHits.RecentMessages = recentOnly.RecentMessages
	withHits.RelevantMessages = []types.ScoredMessage{
		{Msg: testMsg("ana", "r1", 1), CombinedScore: 0.8},
		{Msg: testMsg("ben", "r2", 1), CombinedScore: 0.6},
	}
	got := qualityScore(withHits, opts)
	// (0.3*0.5 + 0.4*0.7 + 0.1*1.0) / 0.8
	want := (0.3*0.5 + 0.4*0.7 + 0.1*1.0) / 0.8
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("quality score = %f, want %f", got, want)
	}
}
