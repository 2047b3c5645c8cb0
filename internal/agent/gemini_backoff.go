package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// geminiBackoffLadder is the fixed wait ladder applied on a rate-limit
// response, one entry per retry attempt; the ladder is exhausted after
// geminiMaxAttempts tries.
var geminiBackoffLadder = []time.Duration{
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
	90 * time.Second,
	120 * time.Second,
}

const geminiMaxAttempts = 5

// ErrGeminiQuotaExhausted is returned once the backoff ladder is exhausted
// without a successful response.
var ErrGeminiQuotaExhausted = errors.New("gemini: quota exhausted after backoff ladder")

// isRateLimitSignal reports whether an error text indicates a Gemini-family
// quota/rate-limit rejection.
func isRateLimitSignal(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota")
}

// GeminiBackoffClient wraps an AIClient and applies the Gemini-family
// rate-limit ladder on top of the wrapped client's own retry behavior: on a
// 429/quota/RESOURCE_EXHAUSTED error it waits the next ladder rung and
// retries, up to geminiMaxAttempts, rather than surfacing the error
// immediately the way the generic Client.complete retry loop does for other
// failures.
type GeminiBackoffClient struct {
	inner   AIClient
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewGeminiBackoffClient wraps inner with the Gemini quota-aware retry
// ladder. requestsPerMinute bounds proactive pacing independent of the
// reactive backoff ladder.
func NewGeminiBackoffClient(inner AIClient, requestsPerMinute int) *GeminiBackoffClient {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return &GeminiBackoffClient{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1),
		logger:  slog.Default().With("component", "gemini_backoff"),
	}
}

func (g *GeminiBackoffClient) Complete(ctx context.Context, prompt string) (string, error) {
	return g.retry(ctx, func() (string, error) { return g.inner.Complete(ctx, prompt) })
}

func (g *GeminiBackoffClient) CompleteJSON(ctx context.Context, prompt string) (string, error) {
	return g.retry(ctx, func() (string, error) { return g.inner.CompleteJSON(ctx, prompt) })
}

func (g *GeminiBackoffClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return g.retry(ctx, func() (string, error) { return g.inner.CompleteWithSystem(ctx, systemPrompt, userPrompt) })
}

func (g *GeminiBackoffClient) CompleteJSONWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return g.retry(ctx, func() (string, error) { return g.inner.CompleteJSONWithSystem(ctx, systemPrompt, userPrompt) })
}

func (g *GeminiBackoffClient) retry(ctx context.Context, call func() (string, error)) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt < geminiMaxAttempts; attempt++ {
		response, err := call()
		if err == nil {
			return response, nil
		}
		if !isRateLimitSignal(err) {
			return "", err
		}
		lastErr = err

		wait := geminiBackoffLadder[attempt]
		g.logger.Warn("gemini quota rejection, backing off",
			"attempt", attempt+1,
			"wait_seconds", wait.Seconds(),
			"error", err)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if lastErr != nil {
		return "", errors.Join(ErrGeminiQuotaExhausted, lastErr)
	}
	return "", ErrGeminiQuotaExhausted
}
