package messaging

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// WorkerPool dispatches receiver callbacks the way spec §4.G and §5
// require: "an affinity-tagged message is processed by a single
// worker selected by affinity mod workerCount", giving per-key
// ordering, while non-affinity messages spread across workers. Each
// worker is a single-goroutine serial queue so affinity ordering holds
// even under concurrent Dispatch calls; semaphore.Weighted bounds how
// many non-affinity tasks may run at once across the pool.
type WorkerPool struct {
	workers []chan func()
	sem     *semaphore.Weighted
	done    chan struct{}
}

// NewWorkerPool creates a pool of n serial workers (spec §4.G:
// "async workers ... size configurable").
func NewWorkerPool(n int) *WorkerPool {
	if n < 1 {
		n = 1
	}
	p := &WorkerPool{
		workers: make([]chan func(), n),
		sem:     semaphore.NewWeighted(int64(n)),
		done:    make(chan struct{}),
	}
	for i := range p.workers {
		p.workers[i] = make(chan func(), 64)
		go p.run(p.workers[i])
	}
	return p
}

func (p *WorkerPool) run(queue chan func()) {
	for {
		select {
		case fn := <-queue:
			fn()
		case <-p.done:
			return
		}
	}
}

// Dispatch runs fn on the worker selected by affinityHash mod
// workerCount when hasAffinity is true, or otherwise on a new goroutine
// once the semaphore admits it (at most workerCount such tasks run at
// once).
func (p *WorkerPool) Dispatch(ctx context.Context, hasAffinity bool, affinityHash uint32, fn func()) {
	if hasAffinity {
		idx := int(affinityHash) % len(p.workers)
		select {
		case p.workers[idx] <- fn:
		case <-p.done:
		}
		return
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return
	}
	go func() {
		defer p.sem.Release(1)
		fn()
	}()
}

// Close stops every worker goroutine. Queued-but-not-yet-run tasks are
// dropped.
func (p *WorkerPool) Close() {
	close(p.done)
}
