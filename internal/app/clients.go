package app

import (
	"github.com/calliopebot/calliope/internal/platform/logger"
	"github.com/calliopebot/calliope/internal/platform/openai"
	"github.com/calliopebot/calliope/internal/platform/rediscache"
	"github.com/calliopebot/calliope/internal/platform/vectorcache"
)

type Clients struct {
	Provider openai.Client
	Redis    rediscache.Store
	Vectors  vectorcache.VectorCache
}

func wireClients(log *logger.Logger) (Clients, error) {
	provider, err := openai.NewClient(log)
	if err != nil {
		return Clients{}, err
	}

	// Redis is optional: without it the vector cache runs hot-tier-only.
	warm, err := rediscache.NewStore(log)
	if err != nil {
		log.Warn("redis unavailable, vector cache running hot-tier-only", "error", err.Error())
		warm = nil
	}

	return Clients{
		Provider: provider,
		Redis:    warm,
		Vectors:  vectorcache.New(log, warm, vectorcache.DefaultOptions()),
	}, nil
}
