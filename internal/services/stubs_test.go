package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/calliopebot/calliope/internal/data/repos"
	types "github.com/calliopebot/calliope/internal/domain"
	"github.com/calliopebot/calliope/internal/platform/openai"
)

// fakeMessageRepo dispatches to optional function fields; unset methods
// return empty results.
type fakeMessageRepo struct {
	createFn      func(ctx context.Context, rows []*types.Message) ([]*types.Message, error)
	recentFn      func(ctx context.Context, channelID string, hours, limit int) ([]*types.Message, error)
	threadFn      func(ctx context.Context, channelID, threadID string) ([]*types.Message, error)
	countFn       func(ctx context.Context, channelID string) (int64, error)
	vectorFn      func(ctx context.Context, emb []float32, channelID string, limit int, threshold float64, recentHours int) ([]repos.VectorHit, error)
	keywordFn     func(ctx context.Context, query, channelID string, limit int) ([]repos.LexicalHit, error)
	sampleFn      func(ctx context.Context, channelID string, n int) ([][]float32, error)
	attachFn      func(ctx context.Context, id uuid.UUID, vec []float32) error
	listMissingFn func(ctx context.Context, limit int) ([]*types.Message, error)
}

func (f *fakeMessageRepo) Create(ctx context.Context, rows []*types.Message) ([]*types.Message, error) {
	if f.createFn != nil {
		return f.createFn(ctx, rows)
	}
	return rows, nil
}

func (f *fakeMessageRepo) RecentMessages(ctx context.Context, channelID string, hours, limit int) ([]*types.Message, error) {
	if f.recentFn != nil {
		return f.recentFn(ctx, channelID, hours, limit)
	}
	return []*types.Message{}, nil
}

func (f *fakeMessageRepo) MessagesByThread(ctx context.Context, channelID, threadID string) ([]*types.Message, error) {
	if f.threadFn != nil {
		return f.threadFn(ctx, channelID, threadID)
	}
	return []*types.Message{}, nil
}

func (f *fakeMessageRepo) CountByChannel(ctx context.Context, channelID string) (int64, error) {
	if f.countFn != nil {
		return f.countFn(ctx, channelID)
	}
	return 0, nil
}

func (f *fakeMessageRepo) VectorSimilar(ctx context.Context, emb []float32, channelID string, limit int, threshold float64, recentHours int) ([]repos.VectorHit, error) {
	if f.vectorFn != nil {
		return f.vectorFn(ctx, emb, channelID, limit, threshold, recentHours)
	}
	return []repos.VectorHit{}, nil
}

func (f *fakeMessageRepo) KeywordRelevant(ctx context.Context, query, channelID string, limit int) ([]repos.LexicalHit, error) {
	if f.keywordFn != nil {
		return f.keywordFn(ctx, query, channelID, limit)
	}
	return []repos.LexicalHit{}, nil
}

func (f *fakeMessageRepo) SampleEmbeddings(ctx context.Context, channelID string, n int) ([][]float32, error) {
	if f.sampleFn != nil {
		return f.sampleFn(ctx, channelID, n)
	}
	return [][]float32{}, nil
}

func (f *fakeMessageRepo) AttachEmbedding(ctx context.Context, id uuid.UUID, vec []float32) error {
	if f.attachFn != nil {
		return f.attachFn(ctx, id, vec)
	}
	return nil
}

func (f *fakeMessageRepo) ListMissingEmbeddings(ctx context.Context, limit int) ([]*types.Message, error) {
	if f.listMissingFn != nil {
		return f.listMissingFn(ctx, limit)
	}
	return []*types.Message{}, nil
}

type fakeSummaryRepo struct {
	listFn func(ctx context.Context, channelID string, limit int) ([]*types.ConversationSummary, error)
}

func (f *fakeSummaryRepo) Create(ctx context.Context, rows []*types.ConversationSummary) ([]*types.ConversationSummary, error) {
	return rows, nil
}

func (f *fakeSummaryRepo) ListRecent(ctx context.Context, channelID string, limit int) ([]*types.ConversationSummary, error) {
	if f.listFn != nil {
		return f.listFn(ctx, channelID, limit)
	}
	return []*types.ConversationSummary{}, nil
}

type fakeProfileRepo struct {
	getFn    func(ctx context.Context, userID string) (*types.UserProfile, error)
	listFn   func(ctx context.Context, userIDs []string) ([]*types.UserProfile, error)
	upserted []*types.UserProfile
}

func (f *fakeProfileRepo) Get(ctx context.Context, userID string) (*types.UserProfile, error) {
	if f.getFn != nil {
		return f.getFn(ctx, userID)
	}
	return &types.UserProfile{UserID: userID}, nil
}

func (f *fakeProfileRepo) ListByUserIDs(ctx context.Context, userIDs []string) ([]*types.UserProfile, error) {
	if f.listFn != nil {
		return f.listFn(ctx, userIDs)
	}
	return []*types.UserProfile{}, nil
}

func (f *fakeProfileRepo) Upsert(ctx context.Context, profile *types.UserProfile) error {
	f.upserted = append(f.upserted, profile)
	return nil
}

type fakeUsageRepo struct {
	created []*types.UsageRecord
}

func (f *fakeUsageRepo) Create(ctx context.Context, rows []*types.UsageRecord) ([]*types.UsageRecord, error) {
	f.created = append(f.created, rows...)
	return rows, nil
}

// fakeProvider implements the completion/embedding client.
type fakeProvider struct {
	embedCalls    int
	embedFn       func(ctx context.Context, inputs []string) ([][]float32, types.TokenUsage, error)
	embedModel    string
	completeCalls int
	lastOpts      openai.CompletionOptions
	completeText  string
	completeUsage types.TokenUsage
	completeErr   error
}

func (f *fakeProvider) EmbedModel() string {
	if f.embedModel != "" {
		return f.embedModel
	}
	return "text-embedding-3-small"
}

func (f *fakeProvider) Embed(ctx context.Context, inputs []string) ([][]float32, types.TokenUsage, error) {
	f.embedCalls++
	if f.embedFn != nil {
		return f.embedFn(ctx, inputs)
	}
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{1, 0, 0}
	}
	return out, types.TokenUsage{PromptTokens: len(inputs) * 5}, nil
}

func (f *fakeProvider) Complete(ctx context.Context, msgs []openai.ChatMessage, opts openai.CompletionOptions) (string, types.TokenUsage, error) {
	f.completeCalls++
	f.lastOpts = opts
	if f.completeErr != nil {
		return "", types.TokenUsage{}, f.completeErr
	}
	if f.completeText != "" {
		return f.completeText, f.completeUsage, nil
	}
	return "sure thing", f.completeUsage, nil
}
