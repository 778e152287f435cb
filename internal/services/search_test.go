package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/calliopebot/calliope/internal/data/repos"
	types "github.com/calliopebot/calliope/internal/domain"
	"github.com/calliopebot/calliope/internal/observability"
	pkgerr "github.com/calliopebot/calliope/internal/pkg/errors"
	"github.com/calliopebot/calliope/internal/platform/logger"
	"github.com/calliopebot/calliope/internal/platform/vectorcache"
)

func testMsg(sender, content string, ageHours float64) *types.Message {
	return &types.Message{
		ID:        uuid.New(),
		ChannelID: "chan-1",
		SenderID:  sender,
		Content:   content,
		CreatedAt: time.Now().UTC().Add(-time.Duration(ageHours * float64(time.Hour))),
	}
}

func newTestSearch(repo *fakeMessageRepo, provider *fakeProvider) SearchService {
	log := logger.NewNop()
	cache := vectorcache.New(log, nil, vectorcache.Options{})
	return NewSearchService(log, repo, provider, cache, observability.NewMetrics())
}

func TestSearchOrdersByCombinedScore(t *testing.T) {
	high := testMsg("ana", "deploy pipeline details", 1)
	mid := testMsg("ben", "pipeline question", 1)
	low := testMsg("cal", "unrelated chatter", 1)

	repo := &fakeMessageRepo{
		vectorFn: func(ctx context.Context, emb []float32, channelID string, limit int, threshold float64, recentHours int) ([]repos.VectorHit, error) {
			return []repos.VectorHit{
				{Msg: high, Score: 0.95},
				{Msg: mid, Score: 0.6},
				{Msg: low, Score: 0.5},
			}, nil
		},
		keywordFn: func(ctx context.Context, query, channelID string, limit int) ([]repos.LexicalHit, error) {
			return []repos.LexicalHit{
				{Msg: high, Rank: 0.8},
				{Msg: mid, Rank: 0.4},
			}, nil
		},
	}
	svc := newTestSearch(repo, &fakeProvider{})

	out, err := svc.Search(context.Background(), "deploy pipeline", SearchOptions{ChannelID: "chan-1", Limit: 3})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 results, got %d", len(out))
	}
	if out[0].Msg.ID != high.ID {
		t.Fatalf("expected %q first, got %q", high.Content, out[0].Msg.Content)
	}
	for i := 1; i < len(out); i++ {
		if out[i].CombinedScore > out[i-1].CombinedScore {
			t.Fatalf("results not sorted at %d: %f > %f", i, out[i].CombinedScore, out[i-1].CombinedScore)
		}
	}
	if out[0].SemanticScore != 0.95 {
		t.Fatalf("semantic score lost: %f", out[0].SemanticScore)
	}
	if out[0].KeywordScore != 1.0 {
		t.Fatalf("keyword rank not normalized against best: %f", out[0].KeywordScore)
	}
}

func TestSearchAppliesRecencyWeight(t *testing.T) {
	fresh := testMsg("ana", "same relevance fresh", 0)
	stale := testMsg("ben", "same relevance stale", 240)

	repo := &fakeMessageRepo{
		vectorFn: func(ctx context.Context, emb []float32, channelID string, limit int, threshold float64, recentHours int) ([]repos.VectorHit, error) {
			return []repos.VectorHit{
				{Msg: stale, Score: 0.8},
				{Msg: fresh, Score: 0.8},
			}, nil
		},
	}
	svc := newTestSearch(repo, &fakeProvider{})

	out, err := svc.Search(context.Background(), "same relevance", SearchOptions{ChannelID: "chan-1", Limit: 2})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out))
	}
	if out[0].Msg.ID != fresh.ID {
		t.Fatalf("fresh message should outrank stale one at equal similarity")
	}
	if out[0].RecencyWeight <= out[1].RecencyWeight {
		t.Fatalf("recency weights inverted: %f <= %f", out[0].RecencyWeight, out[1].RecencyWeight)
	}
}

func TestAdaptiveThresholdFallsBackOnSparseChannel(t *testing.T) {
	var gotThreshold float64
	repo := &fakeMessageRepo{
		sampleFn: func(ctx context.Context, channelID string, n int) ([][]float32, error) {
			// Too little history to estimate a distribution.
			return [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}, nil
		},
		vectorFn: func(ctx context.Context, emb []float32, channelID string, limit int, threshold float64, recentHours int) ([]repos.VectorHit, error) {
			gotThreshold = threshold
			return []repos.VectorHit{}, nil
		},
	}
	svc := newTestSearch(repo, &fakeProvider{})

	_, err := svc.Search(context.Background(), "anything interesting", SearchOptions{
		ChannelID:         "chan-1",
		Limit:             5,
		AdaptiveThreshold: true,
	})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if gotThreshold != fallbackThreshold {
		t.Fatalf("sparse channel should use fallback threshold %f, got %f", fallbackThreshold, gotThreshold)
	}
}

func TestQueryEmbeddingUsesCache(t *testing.T) {
	provider := &fakeProvider{}
	svc := newTestSearch(&fakeMessageRepo{}, provider)

	for i := 0; i < 3; i++ {
		if _, err := svc.QueryEmbedding(context.Background(), "what happened to the deploy"); err != nil {
			t.Fatalf("embedding call %d failed: %v", i, err)
		}
	}
	if provider.embedCalls != 1 {
		t.Fatalf("expected a single provider embed call, got %d", provider.embedCalls)
	}
}

func TestSearchKeywordOnlyWhenProviderDown(t *testing.T) {
	hit := testMsg("ana", "release notes draft", 2)
	provider := &fakeProvider{
		embedFn: func(ctx context.Context, inputs []string) ([][]float32, types.TokenUsage, error) {
			return nil, types.TokenUsage{}, fmt.Errorf("provider down")
		},
	}
	repo := &fakeMessageRepo{
		keywordFn: func(ctx context.Context, query, channelID string, limit int) ([]repos.LexicalHit, error) {
			return []repos.LexicalHit{{Msg: hit, Rank: 0.5}}, nil
		},
	}
	svc := newTestSearch(repo, provider)

	out, err := svc.Search(context.Background(), "release notes", SearchOptions{ChannelID: "chan-1", Limit: 5})
	if err != nil {
		t.Fatalf("search should degrade, not fail: %v", err)
	}
	if len(out) != 1 || out[0].Msg.ID != hit.ID {
		t.Fatalf("expected keyword-only hit, got %d results", len(out))
	}
	if out[0].SemanticScore != 0 {
		t.Fatalf("no semantic score expected, got %f", out[0].SemanticScore)
	}
}

func TestDiversityRerankSpreadsSenders(t *testing.T) {
	scored := []types.ScoredMessage{
		{Msg: testMsg("ana", "a1", 1), CombinedScore: 0.9},
		{Msg: testMsg("ana", "a2", 1), CombinedScore: 0.85},
		{Msg: testMsg("ana", "a3", 1), CombinedScore: 0.8},
		{Msg: testMsg("ben", "b1", 1), CombinedScore: 0.7},
	}

	out := diversityRerank(scored, 3, 0.3)
	if len(out) != 3 {
		t.Fatalf("expected 3 picks, got %d", len(out))
	}
	if out[0].Msg.SenderID != "ana" {
		t.Fatalf("top hit should survive rerank")
	}
	// ben's 0.7 beats ana's penalized 0.85*0.7=0.595.
	if out[1].Msg.SenderID != "ben" {
		t.Fatalf("second pick should switch senders, got %s", out[1].Msg.SenderID)
	}
}

func TestSearchScoresNonIncreasingAfterRerank(t *testing.T) {
	repo := &fakeMessageRepo{
		vectorFn: func(ctx context.Context, emb []float32, channelID string, limit int, threshold float64, recentHours int) ([]repos.VectorHit, error) {
			return []repos.VectorHit{
				{Msg: testMsg("ana", "first take", 1), Score: 0.95},
				{Msg: testMsg("ana", "second take", 1), Score: 0.90},
				{Msg: testMsg("ben", "other voice", 1), Score: 0.70},
			}, nil
		},
	}
	svc := newTestSearch(repo, &fakeProvider{})

	out, err := svc.Search(context.Background(), "take", SearchOptions{ChannelID: "chan-1", Limit: 3})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 results, got %d", len(out))
	}
	// The diversity pass reorders picks; their reported scores must still
	// reflect that order.
	for i := 1; i < len(out); i++ {
		if out[i].CombinedScore > out[i-1].CombinedScore {
			t.Fatalf("combined scores not non-increasing at %d: %f > %f",
				i, out[i].CombinedScore, out[i-1].CombinedScore)
		}
	}
	if out[1].Msg.SenderID != "ben" {
		t.Fatalf("expected the sender switch at position 1, got %s", out[1].Msg.SenderID)
	}
}

func TestDiversityRerankDiscountsRepeatSenders(t *testing.T) {
	scored := []types.ScoredMessage{
		{Msg: testMsg("ana", "a1", 1), CombinedScore: 0.9},
		{Msg: testMsg("ana", "a2", 1), CombinedScore: 0.8},
	}
	out := diversityRerank(scored, 2, 0.3)
	if out[0].CombinedScore != 0.9 {
		t.Fatalf("first pick should keep its score, got %f", out[0].CombinedScore)
	}
	// Second ana pick carries one prior pick's penalty: 0.8 - 0.3*1*0.8.
	want := 0.8 - 0.3*0.8
	if diff := out[1].CombinedScore - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("repeat-sender score = %f, want %f", out[1].CombinedScore, want)
	}
}

func TestThreadContextExcludesThreadMessages(t *testing.T) {
	threadMsgs := []*types.Message{
		testMsg("ana", "thread start about caching", 3),
		testMsg("ben", "cache invalidation is hard", 2),
	}
	threadMsgs[0].ThreadID = "t-1"
	threadMsgs[1].ThreadID = "t-1"
	outside := testMsg("cal", "old caching war story", 100)

	repo := &fakeMessageRepo{
		threadFn: func(ctx context.Context, channelID, threadID string) ([]*types.Message, error) {
			return threadMsgs, nil
		},
		keywordFn: func(ctx context.Context, query, channelID string, limit int) ([]repos.LexicalHit, error) {
			return []repos.LexicalHit{
				{Msg: threadMsgs[1], Rank: 0.9},
				{Msg: outside, Rank: 0.5},
			}, nil
		},
	}
	svc := newTestSearch(repo, &fakeProvider{})

	thread, related, err := svc.ThreadContext(context.Background(), "chan-1", "t-1")
	if err != nil {
		t.Fatalf("thread context failed: %v", err)
	}
	if len(thread) != 2 {
		t.Fatalf("expected 2 thread messages, got %d", len(thread))
	}
	if len(related) != 1 || related[0].ID != outside.ID {
		t.Fatalf("related should hold only the out-of-thread hit, got %d", len(related))
	}
}

func TestThreadContextMarksStoreFailure(t *testing.T) {
	repo := &fakeMessageRepo{
		threadFn: func(ctx context.Context, channelID, threadID string) ([]*types.Message, error) {
			return nil, fmt.Errorf("connection reset")
		},
	}
	svc := newTestSearch(repo, &fakeProvider{})

	_, _, err := svc.ThreadContext(context.Background(), "chan-1", "t-1")
	if err == nil {
		t.Fatalf("expected an error from a failing store")
	}
	if !errors.Is(err, pkgerr.ErrStoreQueryFailed) {
		t.Fatalf("error should carry the store sentinel, got %v", err)
	}
}
