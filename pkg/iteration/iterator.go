// Package iteration provides fail-fast sequential and parallel processing of
// item collections. The runner uses it to drive the windows of a batch through
// the engine one by one or concurrently.
package iteration

import (
	"context"
	"fmt"
	"runtime"
	"sync"
)

// Iterator processes collections with a configurable execution strategy.
type Iterator struct {
	config Config
}

// NewIterator creates an iterator with the given config. A non-positive
// MaxConcurrent defaults to the CPU count.
func NewIterator(config Config) *Iterator {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = runtime.NumCPU()
	}
	return &Iterator{config: config}
}

// Process runs processFn over every item and returns the results in item
// order. Processing is fail-fast: the first error cancels outstanding work
// and is returned with the failing item's index.
func (it *Iterator) Process(ctx context.Context, items []any, processFn ProcessFunc) ([]any, error) {
	if len(items) == 0 {
		return []any{}, nil
	}

	if it.config.Strategy == StrategySequential {
		return it.processSequential(ctx, items, processFn)
	}
	return it.processParallel(ctx, items, processFn)
}

func (it *Iterator) processSequential(ctx context.Context, items []any, processFn ProcessFunc) ([]any, error) {
	results := make([]any, len(items))

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		output, err := processFn(ctx, item, i)
		if err != nil {
			return nil, fmt.Errorf("processing item %d: %w", i, err)
		}
		results[i] = output
	}

	return results, nil
}

func (it *Iterator) processParallel(ctx context.Context, items []any, processFn ProcessFunc) ([]any, error) {
	numItems := len(items)
	results := make([]any, numItems)

	numWorkers := it.config.MaxConcurrent
	if numWorkers > numItems {
		numWorkers = numItems
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered to item count so the fill loop never blocks.
	jobs := make(chan int, numItems)
	for i := 0; i < numItems; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}

				output, err := processFn(ctx, items[idx], idx)

				mu.Lock()
				if err != nil {
					if firstErr == nil {
						firstErr = fmt.Errorf("processing item %d: %w", idx, err)
						cancel()
					}
				} else {
					results[idx] = output
				}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	return results, nil
}
