// Package queue runs fire-and-forget background tasks in process.
//
// Producers Enqueue a payload after their own work has committed; a fixed pool
// of workers started by Run picks it up. Failures are retried a bounded number
// of times and then only logged. Nothing is persisted, so tasks still buffered
// when the process stops are dropped after the drain timeout.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type task struct {
	name    string
	payload json.RawMessage
	attempt int
}

// Queue is an in-memory task queue with a worker pool.
type Queue struct {
	handlers map[string]Handler
	tasks    chan task
	opts     options

	mu     sync.RWMutex
	closed bool
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	workers      int
	bufferSize   int
	maxAttempts  int
	retryDelay   time.Duration
	drainTimeout time.Duration
	logger       *slog.Logger
}

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithBufferSize sets how many tasks may wait before Enqueue fails.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithMaxAttempts sets the total number of attempts per task.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the pause between attempts; it doubles on each retry.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.retryDelay = d
		}
	}
}

// WithDrainTimeout bounds how long Run keeps working after its context ends.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.drainTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates a queue serving the given handlers.
func New(handlers []Handler, opts ...Option) (*Queue, error) {
	o := options{
		workers:      2,
		bufferSize:   100,
		maxAttempts:  3,
		retryDelay:   time.Second,
		drainTimeout: 10 * time.Second,
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&o)
	}

	q := &Queue{
		handlers: make(map[string]Handler, len(handlers)),
		tasks:    make(chan task, o.bufferSize),
		opts:     o,
	}
	for _, h := range handlers {
		if _, ok := q.handlers[h.Name()]; ok {
			return nil, errors.Join(ErrTaskAlreadyRegistered, errors.New(h.Name()))
		}
		q.handlers[h.Name()] = h
	}
	return q, nil
}

// Enqueue submits payload without waiting for it to run.
func (q *Queue) Enqueue(ctx context.Context, payload any) error {
	if payload == nil {
		return ErrPayloadNil
	}
	name := TaskName(payload)
	if _, ok := q.handlers[name]; !ok {
		return errors.Join(ErrHandlerNotFound, errors.New(name))
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Join(ErrPayloadMarshal, err)
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.tasks <- task{name: name, payload: raw}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Run processes tasks until ctx is cancelled, then drains what is buffered
// within the drain timeout. It returns after all workers have stopped.
func (q *Queue) Run(ctx context.Context) error {
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	var wg sync.WaitGroup
	for range q.opts.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range q.tasks {
				q.process(workCtx, t)
			}
		}()
	}

	<-ctx.Done()
	q.mu.Lock()
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(q.opts.drainTimeout):
		q.opts.logger.WarnContext(ctx, "queue drain timed out, dropping remaining tasks")
		cancel()
		<-done
	}
	return nil
}

func (q *Queue) process(ctx context.Context, t task) {
	h := q.handlers[t.name]
	delay := q.opts.retryDelay

	for attempt := 1; ; attempt++ {
		err := q.safeHandle(ctx, h, t.payload)
		if err == nil {
			return
		}
		if attempt >= q.opts.maxAttempts || ctx.Err() != nil {
			q.opts.logger.ErrorContext(ctx, "task failed",
				slog.String("task", t.name),
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()))
			return
		}
		q.opts.logger.WarnContext(ctx, "task failed, retrying",
			slog.String("task", t.name),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		delay *= 2
	}
}

func (q *Queue) safeHandle(ctx context.Context, h Handler, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("task panicked")
			q.opts.logger.ErrorContext(ctx, "task panicked", slog.String("task", h.Name()), slog.Any("panic", r))
		}
	}()
	return h.Handle(ctx, payload)
}
