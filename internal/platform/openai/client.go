package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	types "github.com/calliopebot/calliope/internal/domain"
	"github.com/calliopebot/calliope/internal/observability"
	pkgerr "github.com/calliopebot/calliope/internal/pkg/errors"
	"github.com/calliopebot/calliope/internal/platform/envutil"
	"github.com/calliopebot/calliope/internal/platform/logger"
)

// ChatMessage is one turn of a completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionOptions struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Client is the embedding/completion provider contract. Rate-limited,
// retried with backoff, non-retryable on 4xx-equivalent errors.
type Client interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, types.TokenUsage, error)
	Complete(ctx context.Context, msgs []ChatMessage, opts CompletionOptions) (string, types.TokenUsage, error)
	// EmbedModel reports the model Embed bills against, so spend tracking
	// matches the configured model.
	EmbedModel() string
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	embedModel string
	httpClient *http.Client

	maxRetries int
	limiter    *semaphore.Weighted
	breaker    *breaker
}

func NewClient(log *logger.Logger) (Client, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}

	baseURL := envutil.String("OPENAI_BASE_URL", "https://api.openai.com")
	embedModel := envutil.String("OPENAI_EMBED_MODEL", "text-embedding-3-small")
	timeoutSec := envutil.Int("OPENAI_TIMEOUT_SECONDS", 120)
	maxRetries := envutil.Int("OPENAI_MAX_RETRIES", 4)
	maxConcurrent := envutil.Int("OPENAI_MAX_CONCURRENT", 8)
	breakerFailures := envutil.Int("OPENAI_BREAKER_FAILURES", 5)
	breakerCooldown := envutil.Duration("OPENAI_BREAKER_COOLDOWN", 30*time.Second)

	return &client{
		log:        log.With("service", "OpenAIClient"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: maxRetries,
		limiter:    semaphore.NewWeighted(int64(maxConcurrent)),
		breaker:    newBreaker(breakerFailures, breakerCooldown),
	}, nil
}

type httpError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("openai http %d: %s", e.StatusCode, e.Body)
}

func isRetryableHTTP(code int) bool {
	if code == 408 || code == 429 {
		return true
	}
	return code >= 500 && code <= 599
}

func isRetryableErr(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var he *httpError
	if errors.As(err, &he) {
		return isRetryableHTTP(he.StatusCode)
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func jitterSleep(base time.Duration) time.Duration {
	// +/- 20%
	if base <= 0 {
		return 0
	}
	delta := base.Seconds() * 0.2
	low := base.Seconds() - delta
	v := low + rand.Float64()*(2*delta)
	return time.Duration(v * float64(time.Second))
}

func (c *client) doOnce(ctx context.Context, path string, body any) ([]byte, *httpError, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		he := &httpError{StatusCode: resp.StatusCode, Body: string(raw)}
		if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
			if secs, parseErr := strconv.Atoi(ra); parseErr == nil && secs > 0 {
				he.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return raw, he, he
	}
	return raw, nil, nil
}

func (c *client) do(ctx context.Context, path string, body any, out any) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("provider circuit open: %w", pkgerr.ErrProviderClient)
	}

	if err := c.limiter.Acquire(ctx, 1); err != nil {
		c.breaker.OnFailure()
		return err
	}
	defer c.limiter.Release(1)

	backoff := 1 * time.Second
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			c.breaker.OnFailure()
			return ctx.Err()
		}

		raw, he, err := c.doOnce(ctx, path, body)
		if err == nil {
			c.breaker.OnSuccess()
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("openai decode error: %w", uErr)
			}
			return nil
		}
		lastErr = err

		if !isRetryableErr(err) {
			c.breaker.OnFailure()
			return fmt.Errorf("%w: %v", pkgerr.ErrProviderClient, err)
		}
		if attempt == c.maxRetries {
			break
		}

		sleepFor := backoff
		if he != nil && he.RetryAfter > 0 {
			sleepFor = he.RetryAfter
		}
		if sleepFor > 10*time.Second {
			sleepFor = 10 * time.Second
		}
		sleepFor = jitterSleep(sleepFor)

		c.log.Warn("provider request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		select {
		case <-ctx.Done():
			c.breaker.OnFailure()
			return ctx.Err()
		case <-time.After(sleepFor):
		}
		backoff *= 2
	}

	c.breaker.OnFailure()

	var he *httpError
	if errors.As(lastErr, &he) && he.StatusCode == 429 {
		return &pkgerr.RateLimitedError{RetryAfter: he.RetryAfter}
	}
	return lastErr
}

// ---- Embeddings ----

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *client) EmbedModel() string {
	return c.embedModel
}

func (c *client) Embed(ctx context.Context, inputs []string) ([][]float32, types.TokenUsage, error) {
	if len(inputs) == 0 {
		return [][]float32{}, types.TokenUsage{}, nil
	}
	ctx, span := observability.Tracer("openai").Start(ctx, "openai.embed",
		trace.WithAttributes(
			attribute.String("llm.model", c.embedModel),
			attribute.Int("llm.inputs", len(inputs)),
		))
	defer span.End()

	req := embeddingsRequest{Model: c.embedModel, Input: inputs}
	var resp embeddingsResponse
	if err := c.do(ctx, "/v1/embeddings", req, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embed failed")
		return nil, types.TokenUsage{}, err
	}
	out := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = vec
		}
	}
	for i := range out {
		if out[i] == nil {
			return nil, types.TokenUsage{}, fmt.Errorf("missing embedding for index %d", i)
		}
	}
	usage := types.TokenUsage{PromptTokens: resp.Usage.PromptTokens}
	return out, usage, nil
}

// ---- Chat completions ----

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *client) Complete(ctx context.Context, msgs []ChatMessage, opts CompletionOptions) (string, types.TokenUsage, error) {
	if len(msgs) == 0 {
		return "", types.TokenUsage{}, fmt.Errorf("missing messages")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return "", types.TokenUsage{}, fmt.Errorf("missing model")
	}
	ctx, span := observability.Tracer("openai").Start(ctx, "openai.complete",
		trace.WithAttributes(
			attribute.String("llm.model", opts.Model),
			attribute.Int("llm.max_tokens", opts.MaxTokens),
		))
	defer span.End()

	req := completionRequest{
		Model:       opts.Model,
		Messages:    msgs,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	var resp completionResponse
	if err := c.do(ctx, "/v1/chat/completions", req, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return "", types.TokenUsage{}, err
	}
	if len(resp.Choices) == 0 {
		return "", types.TokenUsage{}, fmt.Errorf("empty choices in completion response")
	}
	usage := types.TokenUsage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	return resp.Choices[0].Message.Content, usage, nil
}
