package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrQueueClosed is returned for submissions after Close.
var ErrQueueClosed = errors.New("dispatch queue closed")

// job is a unit of work handed to a category worker. The worker runs fn and
// signals the outcome on done.
type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// queue serializes requests of one category (embedding or rerank): a single
// worker goroutine dequeues jobs FIFO across all knowledge bases and
// enforces the minimum interval between dispatches. Categories are
// independent; each has its own queue.
type queue struct {
	name        string
	jobs        chan *job
	minInterval time.Duration
	logger      *zap.Logger

	closed chan struct{}
}

func newQueue(name string, minInterval time.Duration, logger *zap.Logger) *queue {
	q := &queue{
		name:        name,
		jobs:        make(chan *job, 64),
		minInterval: minInterval,
		logger:      logger,
		closed:      make(chan struct{}),
	}
	go q.worker()
	return q
}

// submit enqueues fn and blocks until the worker has run it or ctx is
// cancelled while waiting. A failed job fails only its caller; the worker
// keeps serving subsequent jobs.
func (q *queue) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case q.jobs <- j:
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *queue) worker() {
	var last time.Time
	for {
		select {
		case <-q.closed:
			return
		case j := <-q.jobs:
			// Callers may have given up while queued.
			if j.ctx.Err() != nil {
				j.done <- j.ctx.Err()
				continue
			}

			if wait := q.minInterval - time.Since(last); wait > 0 {
				select {
				case <-time.After(wait):
				case <-q.closed:
					j.done <- ErrQueueClosed
					return
				case <-j.ctx.Done():
					j.done <- j.ctx.Err()
					continue
				}
			}

			err := j.fn(j.ctx)
			last = time.Now()
			if err != nil {
				q.logger.Warn("dispatch failed",
					zap.String("category", q.name), zap.Error(err))
			}
			j.done <- err
		}
	}
}

// close stops the worker. In-flight jobs finish; queued jobs fail with
// ErrQueueClosed on their next wait point.
func (q *queue) close() {
	close(q.closed)
}
