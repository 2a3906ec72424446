// Package governor bounds pipeline concurrency with two independent
// admission pools: one for (document, stage) executions system-wide and one
// for chunk tasks across all fan-out invocations. Both are FIFO counting
// semaphores; acquisition suspends the caller until a permit frees up.
package governor

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Governor holds the two admission pools.
type Governor struct {
	stages     *semaphore.Weighted
	chunks     *semaphore.Weighted
	stageSlots int
	chunkSlots int
}

// New creates a governor with the given pool sizes.
func New(stageSlots, chunkSlots int) (*Governor, error) {
	if stageSlots <= 0 {
		return nil, fmt.Errorf("stage pool size must be positive, got %d", stageSlots)
	}
	if chunkSlots <= 0 {
		return nil, fmt.Errorf("chunk pool size must be positive, got %d", chunkSlots)
	}
	return &Governor{
		stages:     semaphore.NewWeighted(int64(stageSlots)),
		chunks:     semaphore.NewWeighted(int64(chunkSlots)),
		stageSlots: stageSlots,
		chunkSlots: chunkSlots,
	}, nil
}

// AcquireStage blocks until a stage permit is available and returns its
// release function. The permit covers one (document, stage) invocation,
// including time spent fanning out chunks. Callers must release on every
// exit path; release is safe to call exactly once.
func (g *Governor) AcquireStage(ctx context.Context) (func(), error) {
	if err := g.stages.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire stage permit: %w", err)
	}
	return func() { g.stages.Release(1) }, nil
}

// AcquireChunk blocks until a chunk permit is available and returns its
// release function. The chunk pool is shared across all documents currently
// fanning out, bounding aggregate load on downstream resources.
func (g *Governor) AcquireChunk(ctx context.Context) (func(), error) {
	if err := g.chunks.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire chunk permit: %w", err)
	}
	return func() { g.chunks.Release(1) }, nil
}

// StageSlots returns the configured stage pool size.
func (g *Governor) StageSlots() int { return g.stageSlots }

// ChunkSlots returns the configured chunk pool size.
func (g *Governor) ChunkSlots() int { return g.chunkSlots }
