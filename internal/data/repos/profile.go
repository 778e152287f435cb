package repos

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/calliopebot/calliope/internal/domain"
	pkgerr "github.com/calliopebot/calliope/internal/pkg/errors"
	"github.com/calliopebot/calliope/internal/platform/logger"
)

type ProfileRepo interface {
	Get(ctx context.Context, userID string) (*types.UserProfile, error)
	ListByUserIDs(ctx context.Context, userIDs []string) ([]*types.UserProfile, error)
	Upsert(ctx context.Context, profile *types.UserProfile) error
}

type profileRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProfileRepo(db *gorm.DB, log *logger.Logger) ProfileRepo {
	return &profileRepo{db: db, log: log.With("repo", "ProfileRepo")}
}

func (r *profileRepo) Get(ctx context.Context, userID string) (*types.UserProfile, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("missing user_id")
	}
	var out types.UserProfile
	err := r.db.WithContext(ctx).
		Model(&types.UserProfile{}).
		Where("user_id = ?", userID).
		First(&out).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerr.ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (r *profileRepo) ListByUserIDs(ctx context.Context, userIDs []string) ([]*types.UserProfile, error) {
	if len(userIDs) == 0 {
		return []*types.UserProfile{}, nil
	}
	var out []*types.UserProfile
	if err := r.db.WithContext(ctx).
		Model(&types.UserProfile{}).
		Where("user_id IN ?", userIDs).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *profileRepo) Upsert(ctx context.Context, profile *types.UserProfile) error {
	if profile == nil || strings.TrimSpace(profile.UserID) == "" {
		return fmt.Errorf("missing user_id")
	}
	profile.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(profile).Error
}
