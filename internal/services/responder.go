package services

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/calliopebot/calliope/internal/data/repos"
	types "github.com/calliopebot/calliope/internal/domain"
	"github.com/calliopebot/calliope/internal/observability"
	pkgerr "github.com/calliopebot/calliope/internal/pkg/errors"
	"github.com/calliopebot/calliope/internal/platform/logger"
	"github.com/calliopebot/calliope/internal/platform/openai"
)

const (
	baseTemperature    = 0.7
	baseMaxTokens      = 512
	profileSampleRate  = 0.02
	fallbackReply      = "I'm having trouble pulling my thoughts together right now, give me a minute and try again."
	systemPromptTestID = "system_prompt"
)

var defaultSystemPrompt = strings.TrimSpace(`
You are Calliope, a long-running member of this chat. Use the provided
conversation context naturally; never mention that you were given it.
Keep replies conversational and grounded in what was actually said.
`)

type InboundMessage struct {
	ChannelID string `json:"channel_id"`
	SenderID  string `json:"sender_id"`
	ThreadID  string `json:"thread_id,omitempty"`
	Text      string `json:"text"`
}

type Reply struct {
	Text           string           `json:"text"`
	Mood           types.Mood       `json:"mood"`
	Model          string           `json:"model"`
	Tier           string           `json:"tier"`
	ContextQuality float64          `json:"context_quality"`
	Usage          types.TokenUsage `json:"usage"`
	Degraded       bool             `json:"degraded"`
}

// ResponderService is the end-to-end pipeline: persist the inbound message,
// assemble context, derive a mood, pick a model, complete, post-process and
// account for the spend. Provider failure degrades to a canned reply rather
// than an error.
type ResponderService interface {
	Respond(ctx context.Context, msg InboundMessage) (*Reply, error)
}

type responderService struct {
	log      *logger.Logger
	messages repos.MessageRepo
	profiles repos.ProfileRepo
	assemble ContextService
	moods    MoodService
	selector ModelSelector
	usage    UsageTracker
	variants PromptTestService
	provider openai.Client
	metrics  *observability.Metrics

	// ctxDefaults carries the configured assembly bounds; per-request state
	// (thread id) is merged in at call time.
	ctxDefaults ContextOptions

	mu  sync.Mutex
	rng *rand.Rand
}

func NewResponderService(
	log *logger.Logger,
	messages repos.MessageRepo,
	profiles repos.ProfileRepo,
	assemble ContextService,
	moods MoodService,
	selector ModelSelector,
	usage UsageTracker,
	variants PromptTestService,
	provider openai.Client,
	metrics *observability.Metrics,
	ctxDefaults ContextOptions,
) ResponderService {
	return &responderService{
		log:         log.With("service", "ResponderService"),
		messages:    messages,
		profiles:    profiles,
		assemble:    assemble,
		moods:       moods,
		selector:    selector,
		usage:       usage,
		variants:    variants,
		provider:    provider,
		metrics:     metrics,
		ctxDefaults: ctxDefaults,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// shouldRetrieve decides whether the message warrants semantic retrieval.
// Short reactions and interjections skip the search round trip.
func shouldRetrieve(text string) bool {
	t := strings.TrimSpace(strings.ToLower(text))
	if len([]rune(t)) < 12 {
		return false
	}
	if strings.Contains(t, "?") {
		return true
	}
	for _, kw := range []string{"remember", "what did", "when did", "who said", "how do", "why", "explain"} {
		if strings.Contains(t, kw) {
			return true
		}
	}
	return len([]rune(t)) > 80
}

func (s *responderService) Respond(ctx context.Context, msg InboundMessage) (*Reply, error) {
	if strings.TrimSpace(msg.ChannelID) == "" || strings.TrimSpace(msg.Text) == "" {
		return nil, pkgerr.ErrInvalidArgument
	}

	row := &types.Message{
		ChannelID: msg.ChannelID,
		SenderID:  msg.SenderID,
		ThreadID:  msg.ThreadID,
		Content:   msg.Text,
	}
	if _, err := s.messages.Create(ctx, []*types.Message{row}); err != nil {
		s.log.Warn("inbound message persist failed", "channel_id", msg.ChannelID, "error", err.Error())
	}

	retrieve := shouldRetrieve(msg.Text)
	query := ""
	if retrieve {
		query = msg.Text
	}
	ctxOpts := s.ctxDefaults
	ctxOpts.ThreadID = msg.ThreadID
	win := s.assemble.BuildContext(ctx, msg.ChannelID, query, ctxOpts)

	recentTexts := make([]string, 0, len(win.RecentMessages))
	for _, m := range win.RecentMessages {
		recentTexts = append(recentTexts, m.Content)
	}
	mood := s.moods.DeriveMood(recentTexts, msg.Text)
	temp, maxTokens := s.moods.ApplyToParams(mood, baseTemperature, baseMaxTokens)

	sel := s.selector.Select(msg.Text, SelectionSignals{
		RequiresSearch:     retrieve,
		ConversationLength: len(win.RecentMessages),
		ThreadDepth:        len(win.ThreadMessages),
	})

	system, variantID := s.systemPrompt(msg.SenderID)
	chat := []openai.ChatMessage{{Role: "system", Content: system}}
	if win.Formatted != "" {
		chat = append(chat, openai.ChatMessage{Role: "system", Content: win.Formatted})
	}
	chat = append(chat, openai.ChatMessage{Role: "user", Content: msg.Text})

	started := time.Now()
	text, tokenUsage, err := s.provider.Complete(ctx, chat, openai.CompletionOptions{
		Model:       sel.Model,
		Temperature: temp,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		s.metrics.LLMRequest(sel.Model, "respond", "error")
		if variantID != "" {
			s.variants.RecordError(systemPromptTestID, variantID)
		}
		s.log.Error("completion failed, degrading to canned reply",
			"channel_id", msg.ChannelID, "model", sel.Model, "error", err.Error())
		return &Reply{
			Text:           fallbackReply,
			Mood:           mood,
			Model:          sel.Model,
			Tier:           sel.Tier,
			ContextQuality: win.QualityScore,
			Degraded:       true,
		}, nil
	}
	s.metrics.LLMRequest(sel.Model, "respond", "ok")
	s.usage.Track(ctx, sel.Model, "respond", tokenUsage)

	s.mu.Lock()
	text = s.moods.PostProcess(text, mood, s.rng)
	sample := s.rng.Float64() < profileSampleRate
	s.mu.Unlock()

	if variantID != "" {
		s.variants.RecordQuality(systemPromptTestID, variantID, win.QualityScore)
		s.variants.RecordLatency(systemPromptTestID, variantID, time.Since(started).Milliseconds())
		s.variants.RecordTokens(systemPromptTestID, variantID, int64(tokenUsage.Total()))
	}

	if sample && msg.SenderID != "" {
		s.refreshProfile(ctx, msg.SenderID)
	}

	return &Reply{
		Text:           text,
		Mood:           mood,
		Model:          sel.Model,
		Tier:           sel.Tier,
		ContextQuality: win.QualityScore,
		Usage:          tokenUsage,
	}, nil
}

// systemPrompt resolves the system prompt through the A/B service when a
// system_prompt test is registered, falling back to the default.
func (s *responderService) systemPrompt(userID string) (string, string) {
	if s.variants == nil || userID == "" {
		return defaultSystemPrompt, ""
	}
	v, err := s.variants.AssignVariant(systemPromptTestID, userID)
	if err != nil || strings.TrimSpace(v.Prompt) == "" {
		return defaultSystemPrompt, ""
	}
	return v.Prompt, v.ID
}

// refreshProfile bumps the sender's message count and touches the profile
// row. A fuller personality rewrite happens offline; this keeps the row warm
// and the count honest.
func (s *responderService) refreshProfile(ctx context.Context, userID string) {
	p, err := s.profiles.Get(ctx, userID)
	if err != nil {
		if err != pkgerr.ErrNotFound {
			s.log.Warn("profile read failed during refresh", "error", err.Error())
			return
		}
		p = &types.UserProfile{UserID: userID}
	}
	p.MessageCount++
	if err := s.profiles.Upsert(ctx, p); err != nil {
		s.log.Warn("profile refresh failed", "error", err.Error())
	}
}
