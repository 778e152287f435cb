package app

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	types "github.com/calliopebot/calliope/internal/domain"
	"github.com/calliopebot/calliope/internal/observability"
	pkgerr "github.com/calliopebot/calliope/internal/pkg/errors"
	"github.com/calliopebot/calliope/internal/platform/logger"
	"github.com/calliopebot/calliope/internal/services"
)

type Handlers struct {
	log      *logger.Logger
	cfg      Config
	services Services
	metrics  *observability.Metrics
}

func wireHandlers(log *logger.Logger, cfg Config, svcs Services, metrics *observability.Metrics) *Handlers {
	return &Handlers{
		log:      log.With("service", "Handlers"),
		cfg:      cfg,
		services: svcs,
		metrics:  metrics,
	}
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) Metrics(c *gin.Context) {
	c.Header("Content-Type", "text/plain; version=0.0.4")
	if err := h.metrics.WritePrometheus(c.Writer); err != nil {
		h.log.Warn("metrics write failed", "error", err.Error())
	}
}

func (h *Handlers) Respond(c *gin.Context) {
	var req services.InboundMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	reply, err := h.services.Responder.Respond(c.Request.Context(), req)
	if err != nil {
		if err == pkgerr.ErrInvalidArgument {
			c.JSON(http.StatusBadRequest, gin.H{"error": "channel_id and text are required"})
			return
		}
		if retryAfter, ok := pkgerr.IsRateLimited(err); ok {
			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited upstream"})
			return
		}
		h.log.Error("respond failed", "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, reply)
}

func (h *Handlers) Search(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))

	results, err := h.services.Search.Search(c.Request.Context(), query, services.SearchOptions{
		ChannelID:         c.Query("channel_id"),
		Limit:             limit,
		AdaptiveThreshold: c.DefaultQuery("adaptive", "true") == "true",
	})
	if err != nil {
		h.log.Error("search failed", "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *Handlers) Context(c *gin.Context) {
	channelID := strings.TrimSpace(c.Query("channel_id"))
	if channelID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel_id is required"})
		return
	}
	win := h.services.Context.BuildContext(c.Request.Context(), channelID, c.Query("q"), services.ContextOptions{
		ThreadID:      c.Query("thread_id"),
		MaxTokens:     h.cfg.ContextMaxTokens,
		RecentHours:   h.cfg.RecentHours,
		RecentLimit:   h.cfg.RecentLimit,
		RelevantLimit: h.cfg.RelevantLimit,
	})
	c.JSON(http.StatusOK, win)
}

// InterjectCheck lets a chat adapter ask whether the bot may speak
// unprompted in a channel right now. An allowed check claims the slot.
func (h *Handlers) InterjectCheck(c *gin.Context) {
	channelID := strings.TrimSpace(c.Param("channel_id"))
	if channelID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel_id is required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"allowed": h.services.Interject.Allow(channelID)})
}

func (h *Handlers) Usage(c *gin.Context) {
	c.JSON(http.StatusOK, h.services.Usage.Snapshot())
}

func (h *Handlers) RegisterPromptTest(c *gin.Context) {
	var req types.PromptTest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.services.Variants.RegisterTest(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "registered", "test_id": req.ID})
}

func (h *Handlers) PromptTestWinner(c *gin.Context) {
	report, err := h.services.Variants.Winner(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handlers) PromptTestMetrics(c *gin.Context) {
	m, err := h.services.Variants.Metrics(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"variants": m})
}
