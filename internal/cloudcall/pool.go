// Package cloudcall implements the off-dispatch-loop async executor required
// by §5 of the spec: "Heartbeat timers and timeout checks must fire even
// while a long Cloud Adapter call is in flight; implementations must
// therefore run adapter calls off the event-dispatch path (a worker pool, a
// channel, or an async scheduler — the substrate is free)".
//
// The pattern is adapted from the teacher's JsonScraper worker pool
// (mcastellin-golang-mastery/concurrency-and-channels/concurrentrequests.go):
// a fixed set of goroutines drain a buffered channel of work items, and
// graceful shutdown is signalled through context cancellation rather than by
// closing the channel out from under in-flight senders.
package cloudcall

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Job is one unit of asynchronous work submitted to the Pool. It receives the
// pool's context, which carries no deadline; a job derives its own
// caller-chosen timeout from it (§5: "every Cloud Adapter call carries a
// caller-chosen timeout").
type Job func(ctx context.Context)

// Pool runs submitted Jobs on a fixed number of background workers so the
// gossip engine's dispatch loop is never blocked on an IaaS round-trip.
type Pool struct {
	workers int
	logger  *zap.Logger

	jobs   chan Job
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Pool with the given number of workers. workers <= 0 is
// treated as 1, matching the teacher's JsonScraper.Start defaulting behavior.
func New(workers int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		workers: workers,
		logger:  logger,
		jobs:    make(chan Job, workers*4),
	}
}

// Start launches the pool's workers. The pool runs until ctx is cancelled or
// Stop is called.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						p.logger.Error("cloudcall job panicked", zap.Any("recover", r))
					}
				}()
				job(ctx)
			}()
		}
	}
}

// Submit enqueues job for asynchronous execution. It never blocks the caller
// on the job's completion; if the pool's queue is momentarily full, Submit
// blocks only until a worker frees a slot, not until the job runs.
func (p *Pool) Submit(job Job) {
	p.jobs <- job
}

// Stop signals every worker to exit and waits for in-flight jobs to return.
// It does not cancel in-flight provider-side mutations — per §5, "There is
// no explicit cancellation of in-flight IaaS mutations; the provider is authoritative."
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
