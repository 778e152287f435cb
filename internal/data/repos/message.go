package repos

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/calliopebot/calliope/internal/domain"
	"github.com/calliopebot/calliope/internal/pkg/vecmath"
	"github.com/calliopebot/calliope/internal/platform/logger"
)

type VectorHit struct {
	Msg   *types.Message
	Score float64
}

type LexicalHit struct {
	Msg  *types.Message
	Rank float64
}

type MessageRepo interface {
	Create(ctx context.Context, rows []*types.Message) ([]*types.Message, error)
	RecentMessages(ctx context.Context, channelID string, hoursWindow int, limit int) ([]*types.Message, error)
	MessagesByThread(ctx context.Context, channelID, threadID string) ([]*types.Message, error)
	CountByChannel(ctx context.Context, channelID string) (int64, error)
	VectorSimilar(ctx context.Context, emb []float32, channelID string, limit int, threshold float64, recentHours int) ([]VectorHit, error)
	// KeywordRelevant provides a Postgres FTS relevance query; the rank is
	// raw ts_rank, normalized by callers.
	KeywordRelevant(ctx context.Context, query, channelID string, limit int) ([]LexicalHit, error)
	SampleEmbeddings(ctx context.Context, channelID string, n int) ([][]float32, error)
	AttachEmbedding(ctx context.Context, id uuid.UUID, vec []float32) error
	ListMissingEmbeddings(ctx context.Context, limit int) ([]*types.Message, error)
}

type messageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMessageRepo(db *gorm.DB, log *logger.Logger) MessageRepo {
	return &messageRepo{db: db, log: log.With("repo", "MessageRepo")}
}

func (r *messageRepo) Create(ctx context.Context, rows []*types.Message) ([]*types.Message, error) {
	if len(rows) == 0 {
		return []*types.Message{}, nil
	}
	if err := r.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *messageRepo) RecentMessages(ctx context.Context, channelID string, hoursWindow int, limit int) ([]*types.Message, error) {
	if strings.TrimSpace(channelID) == "" {
		return nil, fmt.Errorf("missing channel_id")
	}
	if hoursWindow <= 0 {
		hoursWindow = 24
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	cutoff := time.Now().UTC().Add(-time.Duration(hoursWindow) * time.Hour)

	var out []*types.Message
	if err := r.db.WithContext(ctx).
		Model(&types.Message{}).
		Where("channel_id = ? AND created_at >= ?", channelID, cutoff).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	// Normalize to ASC for clients.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *messageRepo) MessagesByThread(ctx context.Context, channelID, threadID string) ([]*types.Message, error) {
	if strings.TrimSpace(channelID) == "" {
		return nil, fmt.Errorf("missing channel_id")
	}
	if strings.TrimSpace(threadID) == "" {
		return nil, fmt.Errorf("missing thread_id")
	}
	var out []*types.Message
	if err := r.db.WithContext(ctx).
		Model(&types.Message{}).
		Where("channel_id = ? AND thread_id = ?", channelID, threadID).
		Order("created_at ASC").
		Limit(500).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *messageRepo) CountByChannel(ctx context.Context, channelID string) (int64, error) {
	if strings.TrimSpace(channelID) == "" {
		return 0, fmt.Errorf("missing channel_id")
	}
	var n int64
	if err := r.db.WithContext(ctx).
		Model(&types.Message{}).
		Where("channel_id = ?", channelID).
		Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// VectorSimilar loads a bounded set of recent embedding-bearing rows and
// scores them by cosine in process. The store is the index; no external
// vector engine is consulted here.
func (r *messageRepo) VectorSimilar(ctx context.Context, emb []float32, channelID string, limit int, threshold float64, recentHours int) ([]VectorHit, error) {
	if len(emb) == 0 {
		return nil, fmt.Errorf("missing embedding")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	candidateLimit := 1200
	q := r.db.WithContext(ctx).
		Model(&types.Message{}).
		Where("embedding <> '[]'::jsonb")
	if strings.TrimSpace(channelID) != "" {
		q = q.Where("channel_id = ?", channelID)
	}
	if recentHours > 0 {
		cutoff := time.Now().UTC().Add(-time.Duration(recentHours) * time.Hour)
		q = q.Where("created_at >= ?", cutoff)
	}

	var rows []*types.Message
	if err := q.Order("created_at DESC").Limit(candidateLimit).Find(&rows).Error; err != nil {
		return nil, err
	}

	hits := make([]VectorHit, 0, len(rows))
	for _, m := range rows {
		vec, _ := ParseEmbeddingJSON(m.Embedding)
		if len(vec) == 0 || len(vec) != len(emb) {
			continue
		}
		score := vecmath.Cosine(emb, vec)
		if score < threshold {
			continue
		}
		hits = append(hits, VectorHit{Msg: m, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (r *messageRepo) KeywordRelevant(ctx context.Context, query, channelID string, limit int) ([]LexicalHit, error) {
	if strings.TrimSpace(query) == "" {
		return []LexicalHit{}, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	sql := fmt.Sprintf(`
		SELECT message.*,
		       ts_rank(to_tsvector('english', message.content), plainto_tsquery('english', ?)) AS rank
		FROM message
		WHERE message.deleted_at IS NULL
		  AND (? = '' OR message.channel_id = ?)
		  AND to_tsvector('english', message.content) @@ plainto_tsquery('english', ?)
		ORDER BY rank DESC, message.created_at DESC
		LIMIT %d;
	`, limit)

	type row struct {
		types.Message
		Rank float64 `gorm:"column:rank"`
	}
	var rows []row
	if err := r.db.WithContext(ctx).Raw(sql, query, channelID, channelID, query).Scan(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]LexicalHit, 0, len(rows))
	for i := range rows {
		m := rows[i].Message
		out = append(out, LexicalHit{Msg: &m, Rank: rows[i].Rank})
	}
	return out, nil
}

// SampleEmbeddings returns up to n stored embeddings drawn at random, used by
// the adaptive-threshold step to estimate the similarity distribution.
func (r *messageRepo) SampleEmbeddings(ctx context.Context, channelID string, n int) ([][]float32, error) {
	if n <= 0 || n > 500 {
		n = 100
	}
	q := r.db.WithContext(ctx).
		Model(&types.Message{}).
		Where("embedding <> '[]'::jsonb")
	if strings.TrimSpace(channelID) != "" {
		q = q.Where("channel_id = ?", channelID)
	}
	var rows []*types.Message
	if err := q.Order("RANDOM()").Limit(n).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([][]float32, 0, len(rows))
	for _, m := range rows {
		vec, _ := ParseEmbeddingJSON(m.Embedding)
		if len(vec) > 0 {
			out = append(out, vec)
		}
	}
	return out, nil
}

func (r *messageRepo) AttachEmbedding(ctx context.Context, id uuid.UUID, vec []float32) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	raw, err := EncodeEmbeddingJSON(vec)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Model(&types.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"embedding":  raw,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *messageRepo) ListMissingEmbeddings(ctx context.Context, limit int) ([]*types.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []*types.Message
	if err := r.db.WithContext(ctx).
		Model(&types.Message{}).
		Where("embedding = '[]'::jsonb").
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
