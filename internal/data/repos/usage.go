package repos

import (
	"context"

	"gorm.io/gorm"

	types "github.com/calliopebot/calliope/internal/domain"
	"github.com/calliopebot/calliope/internal/platform/logger"
)

type UsageRepo interface {
	Create(ctx context.Context, rows []*types.UsageRecord) ([]*types.UsageRecord, error)
}

type usageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUsageRepo(db *gorm.DB, log *logger.Logger) UsageRepo {
	return &usageRepo{db: db, log: log.With("repo", "UsageRepo")}
}

func (r *usageRepo) Create(ctx context.Context, rows []*types.UsageRecord) ([]*types.UsageRecord, error) {
	if len(rows) == 0 {
		return []*types.UsageRecord{}, nil
	}
	if err := r.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
