// Package apprun implements the ambient service lifecycle container: a
// single Runtime that every long-lived background worker (outbox drain,
// idempotency prune, confirmation TTL sweep, supervisor probe loop, index
// backfill) registers with at startup, and that stops them all together via
// context cancellation plus a WaitGroup.
package apprun

import (
	"context"
	"sync"

	"github.com/vegasmandawg/sonia-core/internal/telemetry"
)

// Worker is a long-lived background loop. It must return promptly once ctx
// is cancelled.
type Worker func(ctx context.Context)

// Runtime owns the lifecycle of every background worker a service starts.
type Runtime struct {
	logger  telemetry.Logger
	workers []namedWorker
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

type namedWorker struct {
	name string
	fn   Worker
}

// New constructs an empty Runtime.
func New(logger telemetry.Logger) *Runtime {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Runtime{logger: logger}
}

// Register adds a worker to be started by Start. Call before Start; workers
// registered after Start has run are not picked up.
func (r *Runtime) Register(name string, w Worker) {
	r.workers = append(r.workers, namedWorker{name: name, fn: w})
}

// Start launches every registered worker as its own goroutine under a
// child context derived from ctx. Returns immediately; call Stop (or cancel
// ctx) to bring workers down.
func (r *Runtime) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	for _, w := range r.workers {
		r.wg.Add(1)
		go func(w namedWorker) {
			defer r.wg.Done()
			r.logger.Info(workerCtx, "worker starting", "worker", w.name)
			w.fn(workerCtx)
			r.logger.Info(workerCtx, "worker stopped", "worker", w.name)
		}(w)
	}
}

// Stop cancels every worker's context and blocks until all have returned.
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}
