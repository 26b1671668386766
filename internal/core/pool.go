package core

import "context"

// DefaultWorkers is the computation pool size used when none is configured.
const DefaultWorkers = 4

// WorkerPool bounds the number of service operations computing at once.
// Geometry work is CPU-bound and the GEOS calls it leans on allocate C
// memory, so an unbounded fan-out degrades the whole process.
type WorkerPool struct {
	sem chan struct{}
}

// NewWorkerPool returns a pool with the given number of slots. A
// non-positive size selects DefaultWorkers.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = DefaultWorkers
	}
	return &WorkerPool{sem: make(chan struct{}, size)}
}

// Size returns the number of slots.
func (p *WorkerPool) Size() int {
	return cap(p.sem)
}

// Do runs fn once a slot frees up. The context is honored only while
// waiting for a slot; a dispatched computation always runs to completion.
func (p *WorkerPool) Do(ctx context.Context, fn func() error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()
	return fn()
}
