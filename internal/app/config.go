package app

import (
	"time"

	"github.com/calliopebot/calliope/internal/platform/envutil"
)

type Config struct {
	Addr    string
	LogMode string
	Env     string
	Version string

	ContextMaxTokens int
	RecentHours      int
	RecentLimit      int
	RelevantLimit    int

	BackfillEnabled bool

	InterjectionMinInterval time.Duration
}

func LoadConfig() Config {
	return Config{
		Addr:                    envutil.String("HTTP_ADDR", ":8080"),
		LogMode:                 envutil.String("LOG_MODE", "development"),
		Env:                     envutil.String("APP_ENV", "development"),
		Version:                 envutil.String("APP_VERSION", ""),
		ContextMaxTokens:        envutil.Int("CONTEXT_MAX_TOKENS", 2000),
		RecentHours:             envutil.Int("CONTEXT_RECENT_HOURS", 24),
		RecentLimit:             envutil.Int("CONTEXT_RECENT_LIMIT", 20),
		RelevantLimit:           envutil.Int("CONTEXT_RELEVANT_LIMIT", 10),
		BackfillEnabled:         envutil.Bool("BACKFILL_ENABLED", true),
		InterjectionMinInterval: envutil.Duration("INTERJECTION_MIN_INTERVAL", 5*time.Minute),
	}
}
