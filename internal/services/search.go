package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/calliopebot/calliope/internal/data/repos"
	types "github.com/calliopebot/calliope/internal/domain"
	"github.com/calliopebot/calliope/internal/observability"
	pkgerr "github.com/calliopebot/calliope/internal/pkg/errors"
	"github.com/calliopebot/calliope/internal/pkg/vecmath"
	"github.com/calliopebot/calliope/internal/platform/logger"
	"github.com/calliopebot/calliope/internal/platform/openai"
	"github.com/calliopebot/calliope/internal/platform/vectorcache"
)

const (
	defaultSemanticWeight  = 0.7
	defaultDiversityWeight = 0.3
	fallbackThreshold      = 0.5
	thresholdSampleSize    = 100
	recencyHalfLifeHours   = 24.0
)

type SearchOptions struct {
	ChannelID string
	Limit     int
	// SemanticWeight blends semantic and keyword scores; 0 means default.
	SemanticWeight float64
	// RecentHours bounds the semantic candidate window; 0 means unbounded.
	RecentHours int
	// DiversityWeight penalizes repeated senders during rerank; 0 means default.
	DiversityWeight float64
	// AdaptiveThreshold derives the similarity cutoff from the channel's
	// score distribution instead of the fixed fallback.
	AdaptiveThreshold bool
}

// SearchService ranks stored messages against a free-text query by blending
// semantic similarity, keyword relevance and recency, then reranking for
// sender diversity.
type SearchService interface {
	Search(ctx context.Context, query string, opts SearchOptions) ([]types.ScoredMessage, error)
	// ThreadContext returns a thread's messages plus a handful of related
	// messages from outside the thread.
	ThreadContext(ctx context.Context, channelID, threadID string) ([]*types.Message, []*types.Message, error)
	// QueryEmbedding resolves the embedding for a text through the cache.
	QueryEmbedding(ctx context.Context, text string) ([]float32, error)
}

type searchService struct {
	log      *logger.Logger
	messages repos.MessageRepo
	provider openai.Client
	cache    vectorcache.VectorCache
	metrics  *observability.Metrics
}

func NewSearchService(
	log *logger.Logger,
	messages repos.MessageRepo,
	provider openai.Client,
	cache vectorcache.VectorCache,
	metrics *observability.Metrics,
) SearchService {
	return &searchService{
		log:      log.With("service", "SearchService"),
		messages: messages,
		provider: provider,
		cache:    cache,
		metrics:  metrics,
	}
}

// EmbeddingCacheKey derives the cache key for a text's embedding.
func EmbeddingCacheKey(text string) string {
	return fmt.Sprintf("emb:%016x", xxhash.Sum64String(strings.TrimSpace(text)))
}

func (s *searchService) QueryEmbedding(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("missing query text")
	}
	key := EmbeddingCacheKey(text)
	if vec, ok := s.cache.Get(ctx, key); ok {
		s.metrics.CacheHit("embedding")
		return vec, nil
	}
	s.metrics.CacheMiss("embedding")

	vecs, _, err := s.provider.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("provider returned no embedding")
	}
	s.cache.Set(ctx, key, vecs[0])
	return vecs[0], nil
}

func (s *searchService) Search(ctx context.Context, query string, opts SearchOptions) ([]types.ScoredMessage, error) {
	started := time.Now()
	query = strings.TrimSpace(query)
	if query == "" {
		return []types.ScoredMessage{}, nil
	}
	if opts.Limit <= 0 || opts.Limit > 50 {
		opts.Limit = 10
	}
	if opts.SemanticWeight <= 0 || opts.SemanticWeight > 1 {
		opts.SemanticWeight = defaultSemanticWeight
	}
	if opts.DiversityWeight <= 0 || opts.DiversityWeight > 1 {
		opts.DiversityWeight = defaultDiversityWeight
	}

	qEmb, err := s.QueryEmbedding(ctx, query)
	if err != nil {
		// Keyword-only degradation keeps search alive when the provider is
		// down.
		s.log.Warn("query embedding unavailable, keyword-only search", "error", err.Error())
		qEmb = nil
	}

	threshold := fallbackThreshold
	if qEmb != nil && opts.AdaptiveThreshold {
		threshold = s.adaptiveThreshold(ctx, opts.ChannelID, qEmb, opts.Limit)
	}

	candidateLimit := opts.Limit * 3
	var vecHits []repos.VectorHit
	if qEmb != nil {
		vecHits, err = s.messages.VectorSimilar(ctx, qEmb, opts.ChannelID, candidateLimit, threshold, opts.RecentHours)
		if err != nil {
			s.log.Warn("vector similarity query failed", "error", err.Error())
			vecHits = nil
		}
	}
	kwHits, err := s.messages.KeywordRelevant(ctx, query, opts.ChannelID, candidateLimit)
	if err != nil {
		s.log.Warn("keyword relevance query failed", "error", err.Error())
		kwHits = nil
	}
	if len(vecHits) == 0 && len(kwHits) == 0 {
		s.metrics.SearchLatency("hybrid", time.Since(started).Seconds())
		return []types.ScoredMessage{}, nil
	}

	scored := combineHits(vecHits, kwHits, opts.SemanticWeight, time.Now().UTC())
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].CombinedScore > scored[j].CombinedScore })
	scored = diversityRerank(scored, opts.Limit, opts.DiversityWeight)

	s.metrics.SearchLatency("hybrid", time.Since(started).Seconds())
	return scored, nil
}

// adaptiveThreshold estimates the similarity cutoff that should admit roughly
// `target` results by sampling stored embeddings and scoring them against the
// query. Channels with too little history fall back to the fixed cutoff.
func (s *searchService) adaptiveThreshold(ctx context.Context, channelID string, qEmb []float32, target int) float64 {
	sample, err := s.messages.SampleEmbeddings(ctx, channelID, thresholdSampleSize)
	if err != nil {
		s.log.Warn("embedding sample failed, using fallback threshold", "error", err.Error())
		return fallbackThreshold
	}
	if len(sample) < target || len(sample) < 10 {
		return fallbackThreshold
	}

	sims := make([]float64, 0, len(sample))
	for _, vec := range sample {
		if len(vec) != len(qEmb) {
			continue
		}
		sims = append(sims, vecmath.Cosine(qEmb, vec))
	}
	if len(sims) < target {
		return fallbackThreshold
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(sims)))

	// Cutoff at the score of the target-th best sample, scaled to the full
	// channel population.
	idx := target - 1
	if idx >= len(sims) {
		idx = len(sims) - 1
	}
	cutoff := sims[idx]
	if cutoff < 0.2 {
		cutoff = 0.2
	}
	if cutoff > 0.9 {
		cutoff = 0.9
	}
	return cutoff
}

// combineHits merges the semantic and keyword result sets by message id and
// blends them with recency-weighted scoring. Keyword ranks are raw ts_rank
// values, normalized against the best rank in the set.
func combineHits(vecHits []repos.VectorHit, kwHits []repos.LexicalHit, semanticWeight float64, now time.Time) []types.ScoredMessage {
	maxRank := 0.0
	for _, h := range kwHits {
		if h.Rank > maxRank {
			maxRank = h.Rank
		}
	}

	byID := make(map[string]*types.ScoredMessage, len(vecHits)+len(kwHits))
	order := make([]string, 0, len(vecHits)+len(kwHits))

	add := func(m *types.Message) *types.ScoredMessage {
		id := m.ID.String()
		if sm, ok := byID[id]; ok {
			return sm
		}
		sm := &types.ScoredMessage{Msg: m}
		byID[id] = sm
		order = append(order, id)
		return sm
	}
	for _, h := range vecHits {
		add(h.Msg).SemanticScore = h.Score
	}
	for _, h := range kwHits {
		sm := add(h.Msg)
		if maxRank > 0 {
			sm.KeywordScore = h.Rank / maxRank
		}
	}

	out := make([]types.ScoredMessage, 0, len(order))
	for _, id := range order {
		sm := byID[id]
		ageHours := now.Sub(sm.Msg.CreatedAt).Hours()
		if ageHours < 0 {
			ageHours = 0
		}
		sm.RecencyWeight = 0.5 + 0.5*math.Exp(-ageHours/recencyHalfLifeHours)
		base := semanticWeight*sm.SemanticScore + (1-semanticWeight)*sm.KeywordScore
		sm.CombinedScore = base * sm.RecencyWeight
		out = append(out, *sm)
	}
	return out
}

// diversityRerank greedily selects up to limit messages, discounting each
// candidate's score by how many messages from the same sender were already
// picked. The discounted score is written back into CombinedScore, so the
// returned slice stays non-increasing. Input must be sorted by CombinedScore
// descending.
func diversityRerank(scored []types.ScoredMessage, limit int, diversityWeight float64) []types.ScoredMessage {
	if len(scored) <= 1 {
		return scored
	}
	picked := make([]types.ScoredMessage, 0, limit)
	senderCount := map[string]int{}
	remaining := make([]types.ScoredMessage, len(scored))
	copy(remaining, scored)

	for len(picked) < limit && len(remaining) > 0 {
		bestIdx := 0
		bestScore := math.Inf(-1)
		for i, sm := range remaining {
			adjusted := sm.CombinedScore - diversityWeight*float64(senderCount[sm.Msg.SenderID])*sm.CombinedScore
			if adjusted > bestScore {
				bestScore = adjusted
				bestIdx = i
			}
		}
		sm := remaining[bestIdx]
		sm.CombinedScore = bestScore
		picked = append(picked, sm)
		senderCount[sm.Msg.SenderID]++
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return picked
}

const relatedThreadLimit = 5

func (s *searchService) ThreadContext(ctx context.Context, channelID, threadID string) ([]*types.Message, []*types.Message, error) {
	thread, err := s.messages.MessagesByThread(ctx, channelID, threadID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", pkgerr.ErrStoreQueryFailed, err)
	}
	if len(thread) == 0 {
		return []*types.Message{}, []*types.Message{}, nil
	}

	// Seed a relevance query from the tail of the thread.
	tail := thread
	if len(tail) > 3 {
		tail = tail[len(tail)-3:]
	}
	parts := make([]string, 0, len(tail))
	for _, m := range tail {
		parts = append(parts, m.Content)
	}
	seed := trimToChars(strings.Join(parts, " "), 400)

	inThread := make(map[string]bool, len(thread))
	for _, m := range thread {
		inThread[m.ID.String()] = true
	}

	hits, err := s.messages.KeywordRelevant(ctx, seed, channelID, relatedThreadLimit*3)
	if err != nil {
		s.log.Warn("related thread lookup failed", "error", err.Error())
		return thread, []*types.Message{}, nil
	}
	related := make([]*types.Message, 0, relatedThreadLimit)
	for _, h := range hits {
		if inThread[h.Msg.ID.String()] {
			continue
		}
		related = append(related, h.Msg)
		if len(related) == relatedThreadLimit {
			break
		}
	}
	return thread, related, nil
}
