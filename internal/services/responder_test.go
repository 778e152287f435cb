package services

import (
	"context"
	"fmt"
	"testing"

	types "github.com/calliopebot/calliope/internal/domain"
	"github.com/calliopebot/calliope/internal/observability"
	"github.com/calliopebot/calliope/internal/platform/logger"
)

func newTestResponder(msgs *fakeMessageRepo, provider *fakeProvider, usage UsageTracker) ResponderService {
	log := logger.NewNop()
	metrics := observability.NewMetrics()
	assemble := newTestAssembler(&fakeSearch{}, msgs, &fakeSummaryRepo{}, &fakeProfileRepo{})
	return NewResponderService(
		log,
		msgs,
		&fakeProfileRepo{},
		assemble,
		NewMoodService(log, metrics),
		newTestSelector(usage),
		usage,
		NewPromptTestService(log),
		provider,
		metrics,
		ContextOptions{},
	)
}

func TestRespondHappyPath(t *testing.T) {
	persisted := 0
	msgs := &fakeMessageRepo{
		createFn: func(ctx context.Context, rows []*types.Message) ([]*types.Message, error) {
			persisted += len(rows)
			return rows, nil
		},
		recentFn: func(ctx context.Context, channelID string, hours, limit int) ([]*types.Message, error) {
			return []*types.Message{testMsg("ana", "we shipped the release", 1)}, nil
		},
	}
	provider := &fakeProvider{
		completeText:  "congrats on the release",
		completeUsage: types.TokenUsage{PromptTokens: 120, CompletionTokens: 30},
	}
	usage := &usageStub{}

	reply, err := newTestResponder(msgs, provider, usage).Respond(context.Background(), InboundMessage{
		ChannelID: "chan-1",
		SenderID:  "ben",
		Text:      "hey, did the release go out?",
	})
	if err != nil {
		t.Fatalf("respond failed: %v", err)
	}
	if reply.Degraded {
		t.Fatalf("healthy pipeline should not degrade")
	}
	if reply.Text == "" || reply.Model == "" {
		t.Fatalf("incomplete reply: %+v", reply)
	}
	if persisted != 1 {
		t.Fatalf("inbound message not persisted, got %d rows", persisted)
	}
	if len(usage.tracked) != 1 || usage.tracked[0] != reply.Model+"/respond" {
		t.Fatalf("usage not tracked: %v", usage.tracked)
	}
	if reply.Usage.Total() != 150 {
		t.Fatalf("token usage lost: %+v", reply.Usage)
	}
}

func TestRespondDegradesOnProviderFailure(t *testing.T) {
	provider := &fakeProvider{completeErr: fmt.Errorf("provider exploded")}
	usage := &usageStub{}

	reply, err := newTestResponder(&fakeMessageRepo{}, provider, usage).Respond(context.Background(), InboundMessage{
		ChannelID: "chan-1",
		SenderID:  "ben",
		Text:      "can you summarize what happened today?",
	})
	if err != nil {
		t.Fatalf("provider failure must degrade, not error: %v", err)
	}
	if !reply.Degraded {
		t.Fatalf("expected degraded reply")
	}
	if reply.Text != fallbackReply {
		t.Fatalf("expected the canned reply, got %q", reply.Text)
	}
	if len(usage.tracked) != 0 {
		t.Fatalf("failed calls should not be billed: %v", usage.tracked)
	}
}

// captureContext records the options the responder hands to assembly.
type captureContext struct {
	opts ContextOptions
}

func (c *captureContext) BuildContext(ctx context.Context, channelID, query string, opts ContextOptions) *types.ContextWindow {
	c.opts = opts
	return types.EmptyContextWindow(channelID, query, opts.ThreadID)
}

func TestRespondUsesConfiguredContextBounds(t *testing.T) {
	log := logger.NewNop()
	metrics := observability.NewMetrics()
	capture := &captureContext{}
	usage := &usageStub{}
	svc := NewResponderService(
		log,
		&fakeMessageRepo{},
		&fakeProfileRepo{},
		capture,
		NewMoodService(log, metrics),
		newTestSelector(usage),
		usage,
		NewPromptTestService(log),
		&fakeProvider{},
		metrics,
		ContextOptions{MaxTokens: 1000, RecentHours: 6, RecentLimit: 5, RelevantLimit: 3},
	)

	if _, err := svc.Respond(context.Background(), InboundMessage{
		ChannelID: "chan-1",
		SenderID:  "ben",
		ThreadID:  "t-9",
		Text:      "what happened with the migration?",
	}); err != nil {
		t.Fatalf("respond failed: %v", err)
	}

	got := capture.opts
	if got.MaxTokens != 1000 || got.RecentHours != 6 || got.RecentLimit != 5 || got.RelevantLimit != 3 {
		t.Fatalf("configured assembly bounds not applied: %+v", got)
	}
	if got.ThreadID != "t-9" {
		t.Fatalf("thread id lost in merge: %q", got.ThreadID)
	}
}

func TestRespondRejectsEmptyInput(t *testing.T) {
	svc := newTestResponder(&fakeMessageRepo{}, &fakeProvider{}, &usageStub{})
	if _, err := svc.Respond(context.Background(), InboundMessage{ChannelID: "chan-1"}); err == nil {
		t.Fatalf("empty text should be rejected")
	}
	if _, err := svc.Respond(context.Background(), InboundMessage{Text: "hello"}); err == nil {
		t.Fatalf("missing channel should be rejected")
	}
}

func TestShouldRetrieve(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"lol", false},
		{"nice", false},
		{"what did we decide about the cache last week?", true},
		{"why is the worker slow", true},
		{"remember that outage from march, the one with the dns loop and the flapping health checks", true},
	}
	for _, tc := range cases {
		if got := shouldRetrieve(tc.text); got != tc.want {
			t.Fatalf("shouldRetrieve(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}
