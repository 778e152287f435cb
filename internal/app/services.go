package app

import (
	"github.com/calliopebot/calliope/internal/observability"
	"github.com/calliopebot/calliope/internal/platform/logger"
	"github.com/calliopebot/calliope/internal/services"
)

type Services struct {
	Search    services.SearchService
	Context   services.ContextService
	Mood      services.MoodService
	Selector  services.ModelSelector
	Usage     services.UsageTracker
	Variants  services.PromptTestService
	Responder services.ResponderService
	Backfill  *services.BackfillWorker
	Interject *services.InterjectionGate
}

func wireServices(log *logger.Logger, cfg Config, repos Repos, clients Clients, metrics *observability.Metrics) Services {
	search := services.NewSearchService(log, repos.Message, clients.Provider, clients.Vectors, metrics)
	assembler := services.NewContextService(log, search, repos.Message, repos.Summary, repos.Profile, metrics)
	moods := services.NewMoodService(log, metrics)
	usage := services.NewUsageTracker(log, repos.Usage, metrics)
	selector := services.NewModelSelector(log, usage, metrics)
	variants := services.NewPromptTestService(log)
	responder := services.NewResponderService(
		log, repos.Message, repos.Profile,
		assembler, moods, selector, usage, variants,
		clients.Provider, metrics,
		services.ContextOptions{
			MaxTokens:     cfg.ContextMaxTokens,
			RecentHours:   cfg.RecentHours,
			RecentLimit:   cfg.RecentLimit,
			RelevantLimit: cfg.RelevantLimit,
		},
	)
	backfill := services.NewBackfillWorker(log, repos.Message, clients.Provider, clients.Vectors, usage, metrics)

	return Services{
		Search:    search,
		Context:   assembler,
		Mood:      moods,
		Selector:  selector,
		Usage:     usage,
		Variants:  variants,
		Responder: responder,
		Backfill:  backfill,
		Interject: services.NewInterjectionGate(cfg.InterjectionMinInterval),
	}
}
