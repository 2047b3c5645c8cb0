package core

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

func contains(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), needle)
}

// ResilienceConfig configures retry and fallback behavior
type ResilienceConfig struct {
	MaxRetries       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	BackoffMultiplier float64
	EnableFallbacks   bool
}

// DefaultResilienceConfig provides sensible defaults
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		MaxRetries:       3,
		BaseDelay:        1 * time.Second,
		MaxDelay:         30 * time.Second,
		BackoffMultiplier: 2.0,
		EnableFallbacks:   true,
	}
}

// PhaseResilienceManager handles retries and fallbacks for phase execution
type PhaseResilienceManager struct {
	config ResilienceConfig
	logger *slog.Logger
}

func NewPhaseResilienceManager(config ResilienceConfig) *PhaseResilienceManager {
	return &PhaseResilienceManager{
		config: config,
		logger: slog.Default().With("component", "phase_resilience"),
	}
}

// IsRetryableCustom checks if an error should be retried (custom logic for resilience)
func IsRetryableCustom(err error) bool {
	switch e := err.(type) {
	case *RetryableError:
		return true
	case *ValidationError:
		// Validation errors for empty/missing data are retryable
		// Language detection failures are retryable
		return e.Field == "language" || e.Field == "main_objective"
	default:
		// Network, timeout, and JSON parsing errors are typically retryable
		errStr := err.Error()
		return contains(errStr, "timeout") || 
		       contains(errStr, "connection") || 
		       contains(errStr, "parse") ||
		       contains(errStr, "json")
	}
}

// Removed duplicate contains function - using the one from adaptive_errors.go

// ExecuteWithRetry executes a function with exponential backoff retry
func (rm *PhaseResilienceManager) ExecuteWithRetry(ctx context.Context, operation func() error, operationName string) error {
	var lastErr error
	
	for attempt := 0; attempt <= rm.config.MaxRetries; attempt++ {
		if attempt > 0 {
			// Calculate delay with exponential backoff
			delay := rm.calculateDelay(attempt)

			rm.logger.Warn("retrying operation", "operation", operationName, "attempt", attempt, "delay", delay, "error", lastErr)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				// Continue with retry
			}
		}

		err := operation()
		if err == nil {
			if attempt > 0 {
				rm.logger.Info("operation recovered after retry", "operation", operationName, "successful_attempt", attempt+1)
			}
			return nil
		}

		lastErr = err

		// Check if we should retry this error
		if !IsRetryableCustom(err) {
			rm.logger.Debug("aborting retry, error not retryable", "operation", operationName, "error", err)
			return err
		}

		// Don't retry on the last attempt
		if attempt == rm.config.MaxRetries {
			break
		}
	}

	rm.logger.Error("retries exhausted", "operation", operationName, "max_retries", rm.config.MaxRetries, "error", lastErr)

	return fmt.Errorf("operation failed after %d retries: %w", rm.config.MaxRetries, lastErr)
}

func (rm *PhaseResilienceManager) calculateDelay(attempt int) time.Duration {
	delay := float64(rm.config.BaseDelay) * math.Pow(rm.config.BackoffMultiplier, float64(attempt-1))
	
	if delay > float64(rm.config.MaxDelay) {
		delay = float64(rm.config.MaxDelay)
	}
	
	return time.Duration(delay)
}

// FallbackOption represents a fallback strategy
type FallbackOption struct {
	Name        string
	Description string
	Execute     func(ctx context.Context, input interface{}) (interface{}, error)
}

// FallbackManager handles fallback strategies when primary operations fail
type FallbackManager struct {
	fallbacks map[string][]FallbackOption
	logger    *slog.Logger
}

func NewFallbackManager() *FallbackManager {
	return &FallbackManager{
		fallbacks: make(map[string][]FallbackOption),
		logger:    slog.Default().With("component", "fallback_manager"),
	}
}

func (fm *FallbackManager) RegisterFallback(operation string, fallback FallbackOption) {
	fm.fallbacks[operation] = append(fm.fallbacks[operation], fallback)
}

func (fm *FallbackManager) ExecuteWithFallbacks(ctx context.Context, operation string, primaryFunc func() (interface{}, error), input interface{}) (interface{}, error) {
	// Try primary operation first
	result, err := primaryFunc()
	if err == nil {
		return result, nil
	}
	
	// Try fallbacks in order
	fallbacks, exists := fm.fallbacks[operation]
	if !exists {
		return nil, fmt.Errorf("primary operation failed and no fallbacks available: %w", err)
	}
	
	var lastErr error = err
	for i, fallback := range fallbacks {
		result, err := fallback.Execute(ctx, input)
		if err == nil {
			return result, nil
		}
		lastErr = err

		fm.logger.Warn("fallback failed", "position", i+1, "name", fallback.Name, "error", err)
	}
	
	return nil, fmt.Errorf("all fallbacks exhausted, last error: %w", lastErr)
}

// PhaseResilience provides phase-specific resilience patterns
type PhaseResilience struct {
	*PhaseResilienceManager
	*FallbackManager
}

func NewPhaseResilience() *PhaseResilience {
	pr := &PhaseResilience{
		PhaseResilienceManager: NewPhaseResilienceManager(DefaultResilienceConfig()),
		FallbackManager:        NewFallbackManager(),
	}
	
	// Register common fallbacks
	pr.registerCommonFallbacks()
	return pr
}

func (pr *PhaseResilience) registerCommonFallbacks() {
	// Summarizer fallback: Summarizer failure falls back to a
	// placeholder summary rather than blocking the chapter pipeline.
	pr.RegisterFallback("summarize", FallbackOption{
		Name:        "placeholder_summary",
		Description: "Use a generic placeholder summary when the Summarizer agent fails",
		Execute: func(ctx context.Context, input interface{}) (interface{}, error) {
			title, _ := input.(string)
			if title == "" {
				title = "this chapter"
			}
			return fmt.Sprintf("Summary unavailable for %s; continuing with prior context only.", title), nil
		},
	})

	// Smart Editor fallback: empty rewrite output preserves the
	// current chapter text rather than erroring the pipeline out.
	pr.RegisterFallback("smart_editor_rewrite", FallbackOption{
		Name:        "preserve_current_text",
		Description: "Keep the current chapter text when a rewrite returns empty output",
		Execute: func(ctx context.Context, input interface{}) (interface{}, error) {
			current, _ := input.(string)
			return current, nil
		},
	})
}