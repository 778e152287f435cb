package repos

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	types "github.com/calliopebot/calliope/internal/domain"
	"github.com/calliopebot/calliope/internal/platform/logger"
)

type SummaryRepo interface {
	Create(ctx context.Context, rows []*types.ConversationSummary) ([]*types.ConversationSummary, error)
	ListRecent(ctx context.Context, channelID string, limit int) ([]*types.ConversationSummary, error)
}

type summaryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSummaryRepo(db *gorm.DB, log *logger.Logger) SummaryRepo {
	return &summaryRepo{db: db, log: log.With("repo", "SummaryRepo")}
}

func (r *summaryRepo) Create(ctx context.Context, rows []*types.ConversationSummary) ([]*types.ConversationSummary, error) {
	if len(rows) == 0 {
		return []*types.ConversationSummary{}, nil
	}
	if err := r.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *summaryRepo) ListRecent(ctx context.Context, channelID string, limit int) ([]*types.ConversationSummary, error) {
	if strings.TrimSpace(channelID) == "" {
		return nil, fmt.Errorf("missing channel_id")
	}
	if limit <= 0 || limit > 20 {
		limit = 3
	}
	var out []*types.ConversationSummary
	if err := r.db.WithContext(ctx).
		Model(&types.ConversationSummary{}).
		Where("channel_id = ?", channelID).
		Order("period_end DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
