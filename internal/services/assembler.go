package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/calliopebot/calliope/internal/data/repos"
	types "github.com/calliopebot/calliope/internal/domain"
	"github.com/calliopebot/calliope/internal/observability"
	"github.com/calliopebot/calliope/internal/platform/logger"
)

const (
	defaultContextBudget = 2000
	defaultRecentHours   = 24
	defaultRecentLimit   = 20
	defaultRelevantLimit = 10
	contextCacheSize     = 512
	contextCacheTTL      = 2 * time.Minute
	sectionOverhead      = 8
)

type ContextOptions struct {
	ThreadID string
	// RecentHours / RecentLimit bound the always-included recent section.
	RecentHours int
	RecentLimit int
	// RelevantLimit bounds semantic retrieval; ignored when Query is empty.
	RelevantLimit int
	// MaxTokens is the budget for the formatted window; 0 means default.
	MaxTokens int

	SkipSummaries bool
	SkipProfiles  bool
}

// ContextService assembles the token-budgeted context window handed to the
// generator. Every fetch failure degrades to an empty section; assembly
// itself never fails.
type ContextService interface {
	BuildContext(ctx context.Context, channelID, query string, opts ContextOptions) *types.ContextWindow
}

type contextService struct {
	log       *logger.Logger
	search    SearchService
	messages  repos.MessageRepo
	summaries repos.SummaryRepo
	profiles  repos.ProfileRepo
	metrics   *observability.Metrics

	results *expirable.LRU[string, *types.ContextWindow]
}

func NewContextService(
	log *logger.Logger,
	search SearchService,
	messages repos.MessageRepo,
	summaries repos.SummaryRepo,
	profiles repos.ProfileRepo,
	metrics *observability.Metrics,
) ContextService {
	return &contextService{
		log:       log.With("service", "ContextService"),
		search:    search,
		messages:  messages,
		summaries: summaries,
		profiles:  profiles,
		metrics:   metrics,
		results:   expirable.NewLRU[string, *types.ContextWindow](contextCacheSize, nil, contextCacheTTL),
	}
}

func contextCacheKey(channelID, query, threadID string) string {
	if query == "" {
		query = "recent"
	}
	if threadID == "" {
		threadID = "main"
	}
	return fmt.Sprintf("ctx:%016x", xxhash.Sum64String(channelID+"|"+query+"|"+threadID))
}

func (s *contextService) BuildContext(ctx context.Context, channelID, query string, opts ContextOptions) (win *types.ContextWindow) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("context assembly panicked", "channel_id", channelID, "panic", fmt.Sprintf("%v", r))
			s.metrics.ContextError()
			win = types.EmptyContextWindow(channelID, query, opts.ThreadID)
		}
	}()

	query = strings.TrimSpace(query)
	if opts.RecentHours <= 0 {
		opts.RecentHours = defaultRecentHours
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = defaultRecentLimit
	}
	if opts.RelevantLimit <= 0 {
		opts.RelevantLimit = defaultRelevantLimit
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultContextBudget
	}

	key := contextCacheKey(channelID, query, opts.ThreadID)
	if cached, ok := s.results.Get(key); ok {
		s.metrics.CacheHit("context")
		return cached
	}
	s.metrics.CacheMiss("context")

	ctx, span := observability.Tracer("context").Start(ctx, "context.build",
		trace.WithAttributes(
			attribute.String("channel.id", channelID),
			attribute.Bool("query.present", query != ""),
		))
	defer span.End()

	win = s.assemble(ctx, channelID, query, opts)
	span.SetAttributes(
		attribute.Int("context.token_estimate", win.TokenEstimate),
		attribute.Int("context.message_count", win.MessageCount),
	)
	s.results.Add(key, win)
	s.metrics.ContextBuild()
	s.metrics.ContextQuality(win.QualityScore)
	return win
}

func (s *contextService) assemble(ctx context.Context, channelID, query string, opts ContextOptions) *types.ContextWindow {
	win := types.EmptyContextWindow(channelID, query, opts.ThreadID)

	var (
		recent        []*types.Message
		relevant      []types.ScoredMessage
		thread        []*types.Message
		threadRelated []*types.Message
		summaries     []*types.ConversationSummary
		profiles      []*types.UserProfile
	)

	// Each fetch swallows its own error so a failed section never cancels
	// the siblings.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		recent, err = s.messages.RecentMessages(gctx, channelID, opts.RecentHours, opts.RecentLimit)
		if err != nil {
			s.degrade("recent", channelID, err)
		}
		return nil
	})
	if query != "" {
		g.Go(func() error {
			var err error
			relevant, err = s.search.Search(gctx, query, SearchOptions{
				ChannelID:         channelID,
				Limit:             opts.RelevantLimit,
				AdaptiveThreshold: true,
			})
			if err != nil {
				s.degrade("relevant", channelID, err)
			}
			return nil
		})
	}
	if opts.ThreadID != "" {
		g.Go(func() error {
			var err error
			thread, threadRelated, err = s.search.ThreadContext(gctx, channelID, opts.ThreadID)
			if err != nil {
				s.degrade("thread", channelID, err)
			}
			return nil
		})
	}
	if !opts.SkipSummaries {
		g.Go(func() error {
			var err error
			summaries, err = s.summaries.ListRecent(gctx, channelID, 3)
			if err != nil {
				s.degrade("summaries", channelID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if !opts.SkipProfiles {
		ids := activeSenderIDs(recent, relevant)
		if len(ids) > 0 {
			var err error
			profiles, err = s.profiles.ListByUserIDs(ctx, ids)
			if err != nil {
				s.degrade("profiles", channelID, err)
			}
		}
	}

	// Relevant hits already present in the recent section carry no new
	// information; dedup by id. Related-thread hits dedup against both.
	relevant = dropOverlap(relevant, recent)
	threadRelated = dropKnownMessages(threadRelated, recent, relevant)

	win.RecentMessages = recent
	win.RelevantMessages = relevant
	win.ThreadMessages = thread
	win.ThreadRelated = threadRelated
	win.Summaries = summaries
	win.Profiles = map[string]*types.UserProfile{}
	for _, p := range profiles {
		win.Profiles[p.UserID] = p
	}

	s.format(win, opts)
	win.MessageCount = len(win.RecentMessages) + len(win.RelevantMessages) + len(win.ThreadMessages) + len(win.ThreadRelated)
	win.QualityScore = qualityScore(win, opts)
	return win
}

func (s *contextService) degrade(section, channelID string, err error) {
	s.log.Warn("context section degraded to empty", "section", section, "channel_id", channelID, "error", err.Error())
	s.metrics.ContextError()
}

func activeSenderIDs(recent []*types.Message, relevant []types.ScoredMessage) []string {
	seen := map[string]bool{}
	out := make([]string, 0, 8)
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	for _, m := range recent {
		add(m.SenderID)
	}
	for _, sm := range relevant {
		add(sm.Msg.SenderID)
	}
	sort.Strings(out)
	if len(out) > 10 {
		out = out[:10]
	}
	return out
}

func dropOverlap(relevant []types.ScoredMessage, recent []*types.Message) []types.ScoredMessage {
	if len(relevant) == 0 || len(recent) == 0 {
		return relevant
	}
	inRecent := make(map[string]bool, len(recent))
	for _, m := range recent {
		inRecent[m.ID.String()] = true
	}
	out := relevant[:0]
	for _, sm := range relevant {
		if !inRecent[sm.Msg.ID.String()] {
			out = append(out, sm)
		}
	}
	return out
}

// dropKnownMessages removes related-thread hits already present in the recent
// or relevant sections.
func dropKnownMessages(related []*types.Message, recent []*types.Message, relevant []types.ScoredMessage) []*types.Message {
	if len(related) == 0 {
		return related
	}
	seen := make(map[string]bool, len(recent)+len(relevant))
	for _, m := range recent {
		seen[m.ID.String()] = true
	}
	for _, sm := range relevant {
		seen[sm.Msg.ID.String()] = true
	}
	out := related[:0]
	for _, m := range related {
		if !seen[m.ID.String()] {
			out = append(out, m)
		}
	}
	return out
}

// format renders the window's sections into Formatted under the token budget.
// The recent section is guaranteed: it is rendered first against the full
// budget, then the other sections fill what remains in priority order
// (summaries, profiles, thread, relevant, related-thread).
func (s *contextService) format(win *types.ContextWindow, opts ContextOptions) {
	budget := opts.MaxTokens

	recentSec, recentKept := renderRecent(win.RecentMessages, budget-sectionOverhead)
	win.RecentMessages = recentKept
	remaining := budget - estimateTokens(recentSec) - sectionOverhead

	var parts []string

	if sec := renderSummaries(win.Summaries); sec != "" {
		if cost := estimateTokens(sec) + sectionOverhead; cost <= remaining {
			parts = append(parts, sec)
			remaining -= cost
		} else {
			win.Summaries = nil
		}
	}
	if sec := renderProfiles(win.Profiles); sec != "" {
		if cost := estimateTokens(sec) + sectionOverhead; cost <= remaining {
			parts = append(parts, sec)
			remaining -= cost
		} else {
			win.Profiles = map[string]*types.UserProfile{}
		}
	}
	if sec, kept := renderThread("Current thread:", win.ThreadMessages, remaining-sectionOverhead); sec != "" {
		parts = append(parts, sec)
		remaining -= estimateTokens(sec) + sectionOverhead
		win.ThreadMessages = kept
	} else {
		win.ThreadMessages = nil
	}
	if sec, kept := renderRelevant(win.RelevantMessages, remaining-sectionOverhead); sec != "" {
		parts = append(parts, sec)
		remaining -= estimateTokens(sec) + sectionOverhead
		win.RelevantMessages = kept
	} else {
		win.RelevantMessages = []types.ScoredMessage{}
	}
	if sec, kept := renderThread("Related to this thread:", win.ThreadRelated, remaining-sectionOverhead); sec != "" {
		parts = append(parts, sec)
		remaining -= estimateTokens(sec) + sectionOverhead
		win.ThreadRelated = kept
	} else {
		win.ThreadRelated = nil
	}

	if recentSec != "" {
		parts = append(parts, recentSec)
	}
	win.Formatted = strings.Join(parts, "\n\n")
	win.TokenEstimate = estimateTokens(win.Formatted)
}

// renderRecent keeps the newest messages that fit, rendered chronologically.
func renderRecent(msgs []*types.Message, budget int) (string, []*types.Message) {
	if len(msgs) == 0 || budget <= 0 {
		return "", msgs
	}
	kept := make([]*types.Message, 0, len(msgs))
	used := estimateTokens("Recent conversation:")
	for i := len(msgs) - 1; i >= 0; i-- {
		line := messageLine(msgs[i])
		cost := estimateTokens(line)
		if used+cost > budget {
			break
		}
		used += cost
		kept = append(kept, msgs[i])
	}
	if len(kept) == 0 {
		return "", []*types.Message{}
	}
	// kept is newest-first; render oldest-first.
	var b strings.Builder
	b.WriteString("Recent conversation:")
	for i := len(kept) - 1; i >= 0; i-- {
		b.WriteString("\n")
		b.WriteString(messageLine(kept[i]))
	}
	ordered := make([]*types.Message, 0, len(kept))
	for i := len(kept) - 1; i >= 0; i-- {
		ordered = append(ordered, kept[i])
	}
	return b.String(), ordered
}

// renderRelevant drops the least relevant hits first when over budget.
func renderRelevant(scored []types.ScoredMessage, budget int) (string, []types.ScoredMessage) {
	if len(scored) == 0 || budget <= 0 {
		return "", nil
	}
	kept := make([]types.ScoredMessage, 0, len(scored))
	used := estimateTokens("Related earlier messages:")
	for _, sm := range scored {
		line := messageLine(sm.Msg)
		cost := estimateTokens(line)
		if used+cost > budget {
			break
		}
		used += cost
		kept = append(kept, sm)
	}
	if len(kept) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("Related earlier messages:")
	for _, sm := range kept {
		b.WriteString("\n")
		b.WriteString(messageLine(sm.Msg))
	}
	return b.String(), kept
}

// renderThread keeps the newest messages that fit, rendered chronologically
// under the given header. Shared by the thread and related-thread sections.
func renderThread(header string, msgs []*types.Message, budget int) (string, []*types.Message) {
	if len(msgs) == 0 || budget <= 0 {
		return "", nil
	}
	kept := make([]*types.Message, 0, len(msgs))
	used := estimateTokens(header)
	for i := len(msgs) - 1; i >= 0; i-- {
		line := messageLine(msgs[i])
		cost := estimateTokens(line)
		if used+cost > budget {
			break
		}
		used += cost
		kept = append(kept, msgs[i])
	}
	if len(kept) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString(header)
	for i := len(kept) - 1; i >= 0; i-- {
		b.WriteString("\n")
		b.WriteString(messageLine(kept[i]))
	}
	ordered := make([]*types.Message, 0, len(kept))
	for i := len(kept) - 1; i >= 0; i-- {
		ordered = append(ordered, kept[i])
	}
	return b.String(), ordered
}

func renderSummaries(summaries []*types.ConversationSummary) string {
	if len(summaries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Earlier conversation summaries:")
	for _, s := range summaries {
		b.WriteString("\n- ")
		b.WriteString(trimToChars(s.Summary, 400))
	}
	return b.String()
}

func renderProfiles(profiles map[string]*types.UserProfile) string {
	if len(profiles) == 0 {
		return ""
	}
	ids := make([]string, 0, len(profiles))
	for id := range profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	b.WriteString("Participants:")
	for _, id := range ids {
		p := profiles[id]
		if strings.TrimSpace(p.Personality) == "" {
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(id)
		b.WriteString(": ")
		b.WriteString(trimToChars(p.Personality, 200))
	}
	if b.Len() == len("Participants:") {
		return ""
	}
	return b.String()
}

func messageLine(m *types.Message) string {
	return fmt.Sprintf("[%s] %s: %s", m.CreatedAt.UTC().Format("01-02 15:04"), m.SenderID, trimToChars(m.Content, 300))
}

// qualityScore grades the assembled window in [0, 1], renormalizing the
// weights over the signals actually present: recency coverage (0.3), mean
// relevance of retrieved hits (0.4), sender diversity among hits (0.1), and
// flat credit for thread context (0.1) and profiles (0.1).
func qualityScore(win *types.ContextWindow, opts ContextOptions) float64 {
	sum := 0.0
	wsum := 0.0

	cov := float64(len(win.RecentMessages)) / float64(opts.RecentLimit)
	sum += 0.3 * clamp01(cov)
	wsum += 0.3

	if len(win.RelevantMessages) > 0 {
		mean := 0.0
		senders := map[string]bool{}
		for _, sm := range win.RelevantMessages {
			mean += sm.CombinedScore
			senders[sm.Msg.SenderID] = true
		}
		mean /= float64(len(win.RelevantMessages))
		sum += 0.4 * clamp01(mean)
		wsum += 0.4
		sum += 0.1 * clamp01(float64(len(senders))/float64(len(win.RelevantMessages)))
		wsum += 0.1
	}
	if len(win.ThreadMessages) > 0 {
		sum += 0.1
		wsum += 0.1
	}
	if len(win.Profiles) > 0 {
		sum += 0.1
		wsum += 0.1
	}
	if wsum == 0 {
		return 0
	}
	return clamp01(sum / wsum)
}
