// Package fanout implements the shadow fan-out scheduler (C8): a bounded
// pool of worker tasks draining a queue of newly discovered devices,
// grounded on the errgroup.SetLimit fan-out used by the wider example pack
// (e.g. storj's satellite auditor and supermq's mqtt adapter) rather than a
// hand-rolled worker-pool, since the teacher itself carries
// golang.org/x/sync only as an indirect dependency.
package fanout

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the default concurrency cap (spec §4.7: "at most K
// concurrent worker tasks, default 100").
const DefaultWorkers = 100

// Task is the per-device pipeline a worker runs: resource discovery →
// attribute dispatcher → shadow create.
type Task func(ctx context.Context, deviceID string) error

// Scheduler drains a queue of discovered device ids through Task with
// bounded concurrency.
type Scheduler struct {
	workers int
	onError func(deviceID string, err error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkers overrides the worker cap. n <= 0 uses DefaultWorkers.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithErrorHandler registers a callback invoked for each task that returns
// an error; the scheduler itself never aborts the batch on a single
// device's failure (spec §4.7 processes the whole queue regardless).
func WithErrorHandler(fn func(deviceID string, err error)) Option {
	return func(s *Scheduler) {
		s.onError = fn
	}
}

// New builds a Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{workers: DefaultWorkers}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drains deviceIDs through task using up to s.workers concurrent
// workers, returning once the queue is empty and all workers are idle. A
// per-device error is reported via onError (if set) and does not halt the
// rest of the batch; Run itself only returns an error if ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, deviceIDs []string, task Task) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, id := range deviceIDs {
		id := id
		g.Go(func() error {
			if err := task(gctx, id); err != nil {
				if s.onError != nil {
					s.onError(id, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
