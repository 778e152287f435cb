package services

import (
	"context"
	"time"

	"github.com/calliopebot/calliope/internal/data/repos"
	"github.com/calliopebot/calliope/internal/observability"
	"github.com/calliopebot/calliope/internal/platform/envutil"
	"github.com/calliopebot/calliope/internal/platform/logger"
	"github.com/calliopebot/calliope/internal/platform/openai"
	"github.com/calliopebot/calliope/internal/platform/vectorcache"
)

// BackfillWorker attaches embeddings to stored messages that were persisted
// before their vectors existed. It runs on a ticker, embeds in batches and
// warms the vector cache with everything it computes.
type BackfillWorker struct {
	log      *logger.Logger
	messages repos.MessageRepo
	provider openai.Client
	cache    vectorcache.VectorCache
	usage    UsageTracker
	metrics  *observability.Metrics

	interval  time.Duration
	batchSize int
}

func NewBackfillWorker(
	log *logger.Logger,
	messages repos.MessageRepo,
	provider openai.Client,
	cache vectorcache.VectorCache,
	usage UsageTracker,
	metrics *observability.Metrics,
) *BackfillWorker {
	return &BackfillWorker{
		log:       log.With("service", "BackfillWorker"),
		messages:  messages,
		provider:  provider,
		cache:     cache,
		usage:     usage,
		metrics:   metrics,
		interval:  envutil.Duration("BACKFILL_INTERVAL", 30*time.Second),
		batchSize: envutil.Int("BACKFILL_BATCH_SIZE", 32),
	}
}

// Start blocks until ctx is canceled.
func (w *BackfillWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.log.Info("embedding backfill worker started", "interval", w.interval.String(), "batch_size", w.batchSize)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("embedding backfill worker stopped")
			return
		case <-ticker.C:
			if n, err := w.RunOnce(ctx); err != nil {
				w.log.Warn("backfill pass failed", "error", err.Error())
			} else if n > 0 {
				w.log.Info("backfill pass complete", "embedded", n)
			}
		}
	}
}

// RunOnce embeds one batch of missing rows and reports how many it attached.
func (w *BackfillWorker) RunOnce(ctx context.Context) (int, error) {
	rows, err := w.messages.ListMissingEmbeddings(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	inputs := make([]string, len(rows))
	for i, m := range rows {
		inputs[i] = m.Content
	}
	vecs, tokenUsage, err := w.provider.Embed(ctx, inputs)
	if err != nil {
		w.metrics.LLMRequest("embedding", "backfill", "error")
		return 0, err
	}
	w.metrics.LLMRequest("embedding", "backfill", "ok")
	if w.usage != nil {
		w.usage.Track(ctx, w.provider.EmbedModel(), "backfill", tokenUsage)
	}

	warm := make(map[string][]float32, len(rows))
	attached := 0
	for i, m := range rows {
		if i >= len(vecs) || len(vecs[i]) == 0 {
			continue
		}
		if err := w.messages.AttachEmbedding(ctx, m.ID, vecs[i]); err != nil {
			w.log.Warn("embedding attach failed", "error", err.Error())
			continue
		}
		warm[EmbeddingCacheKey(m.Content)] = vecs[i]
		attached++
	}
	if len(warm) > 0 && w.cache != nil {
		w.cache.MSet(ctx, warm)
	}
	return attached, nil
}
