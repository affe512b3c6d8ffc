package iteration

import "context"

// Strategy defines how a collection of items is processed.
type Strategy string

const (
	// StrategySequential processes items one by one in order.
	StrategySequential Strategy = "sequential"

	// StrategyParallel processes items concurrently on a worker pool.
	StrategyParallel Strategy = "parallel"
)

// Config holds configuration for collection processing.
type Config struct {
	Strategy      Strategy
	MaxConcurrent int // max concurrent workers, 0 means runtime.NumCPU()
}

// ProcessFunc is called once per item with the item's position.
type ProcessFunc func(ctx context.Context, item any, index int) (any, error)
