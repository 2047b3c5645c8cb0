package phase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// WorkItem represents a generic work item for processing
type WorkItem interface {
	ID() string
	Priority() int
}

// WorkResult represents the result of processing a work item
type WorkResult interface {
	ItemID() string
	Error() error
}

// Processor defines the function signature for processing work items
type Processor[T WorkItem, R WorkResult] func(context.Context, T) (R, error)

// WorkerPool provides concurrent processing of work items. The novel
// pipeline uses it to ghostwrite a chapter's scenes concurrently while
// keeping per-scene crash recovery consistent (one failed scene must not
// corrupt the results collected from its siblings).
type WorkerPool[T WorkItem, R WorkResult] struct {
	workers    int
	bufferSize int
	timeout    time.Duration
	mu         sync.RWMutex
	results    []R
}

// WorkerPoolOption allows customization of worker pool behavior
type WorkerPoolOption func(*workerPoolConfig)

type workerPoolConfig struct {
	workers    int
	bufferSize int
	timeout    time.Duration
}

// WithWorkers sets the number of concurrent workers
func WithWorkers(workers int) WorkerPoolOption {
	return func(c *workerPoolConfig) {
		if workers > 0 {
			c.workers = workers
		}
	}
}

// WithBufferSize sets the buffer size for work channels
func WithBufferSize(size int) WorkerPoolOption {
	return func(c *workerPoolConfig) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// WithTimeout sets the timeout for individual work items
func WithTimeout(timeout time.Duration) WorkerPoolOption {
	return func(c *workerPoolConfig) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// NewWorkerPool creates a new worker pool with the specified configuration
func NewWorkerPool[T WorkItem, R WorkResult](options ...WorkerPoolOption) *WorkerPool[T, R] {
	config := workerPoolConfig{
		workers:    1,
		bufferSize: 10,
		timeout:    30 * time.Second,
	}

	for _, option := range options {
		option(&config)
	}

	return &WorkerPool[T, R]{
		workers:    config.workers,
		bufferSize: config.bufferSize,
		timeout:    config.timeout,
		results:    make([]R, 0),
	}
}

// ProcessWithErrGroup processes work items using errgroup for better error handling
func (p *WorkerPool[T, R]) ProcessWithErrGroup(ctx context.Context, items []T, processor Processor[T, R]) ([]R, error) {
	if len(items) == 0 {
		slog.Debug("No items to process in worker pool")
		return []R{}, nil
	}

	slog.Info("Starting errgroup worker pool processing",
		"worker_count", p.workers,
		"item_count", len(items),
		"buffer_size", p.bufferSize,
		"timeout", p.timeout,
	)

	// Create a channel for distributing work
	workCh := make(chan T, p.bufferSize)

	// Use errgroup for coordinated error handling
	g, ctx := errgroup.WithContext(ctx)

	// Reset results for this processing run
	p.mu.Lock()
	p.results = make([]R, 0, len(items))
	p.mu.Unlock()

	// Start worker goroutines
	for i := 0; i < p.workers; i++ {
		workerID := i
		slog.Debug("Starting errgroup worker",
			"worker_id", workerID,
		)
		g.Go(func() error {
			processedCount := 0
			for item := range workCh {
				select {
				case <-ctx.Done():
					slog.Warn("Worker cancelled by context",
						"worker_id", workerID,
						"processed_count", processedCount,
					)
					return ctx.Err()
				default:
					slog.Debug("Worker processing item",
						"worker_id", workerID,
						"item_id", item.ID(),
						"item_priority", item.Priority(),
					)
					// Create a timeout context for this work item
					itemCtx, cancel := context.WithTimeout(ctx, p.timeout)
					result, err := processor(itemCtx, item)
					cancel()

					if err != nil {
						slog.Error("Worker failed to process item",
							"worker_id", workerID,
							"item_id", item.ID(),
							"error", err,
						)
						return fmt.Errorf("worker %d failed processing item %s: %w", workerID, item.ID(), err)
					}

					// Thread-safe result collection
					p.mu.Lock()
					p.results = append(p.results, result)
					p.mu.Unlock()

					processedCount++
					slog.Debug("Worker successfully processed item",
						"worker_id", workerID,
						"item_id", item.ID(),
						"processed_count", processedCount,
					)
				}
			}
			slog.Debug("Worker completed all tasks",
				"worker_id", workerID,
				"total_processed", processedCount,
			)
			return nil
		})
	}

	// Send all work items to workers
	slog.Debug("Distributing work items to workers")
	distributedCount := 0
	for _, item := range items {
		select {
		case workCh <- item:
			distributedCount++
		case <-ctx.Done():
			slog.Warn("Work distribution cancelled",
				"distributed_count", distributedCount,
				"total_items", len(items),
			)
			close(workCh)
			return nil, ctx.Err()
		}
	}
	close(workCh)
	slog.Debug("All work items distributed",
		"distributed_count", distributedCount,
	)

	// Wait for all workers to complete
	if err := g.Wait(); err != nil {
		slog.Error("Worker pool processing failed",
			"error", err,
		)
		return nil, err
	}

	// Return collected results
	p.mu.RLock()
	results := make([]R, len(p.results))
	copy(results, p.results)
	p.mu.RUnlock()

	slog.Info("Worker pool processing completed successfully",
		"result_count", len(results),
		"expected_count", len(items),
	)

	return results, nil
}

// GetMetrics returns metrics about the worker pool
func (p *WorkerPool[T, R]) GetMetrics() WorkerPoolMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return WorkerPoolMetrics{
		Workers:         p.workers,
		BufferSize:      p.bufferSize,
		Timeout:         p.timeout,
		LastResultCount: len(p.results),
	}
}

// WorkerPoolMetrics contains metrics about worker pool performance
type WorkerPoolMetrics struct {
	Workers         int
	BufferSize      int
	Timeout         time.Duration
	LastResultCount int
}
