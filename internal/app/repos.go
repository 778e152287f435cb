package app

import (
	"gorm.io/gorm"

	"github.com/calliopebot/calliope/internal/data/repos"
	"github.com/calliopebot/calliope/internal/platform/logger"
)

type Repos struct {
	Message repos.MessageRepo
	Summary repos.SummaryRepo
	Profile repos.ProfileRepo
	Usage   repos.UsageRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	return Repos{
		Message: repos.NewMessageRepo(db, log),
		Summary: repos.NewSummaryRepo(db, log),
		Profile: repos.NewProfileRepo(db, log),
		Usage:   repos.NewUsageRepo(db, log),
	}
}
