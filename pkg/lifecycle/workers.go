// Package lifecycle keeps long-running background work alive for the life of
// the process.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var ErrNotRunning = errors.New("worker not running")

// Worker runs a blocking function until stopped. When the function fails it
// is restarted after an exponential backoff; returning nil ends the worker.
type Worker struct {
	name       string
	run        func(ctx context.Context) error
	newBackOff func() backoff.BackOff
	log        *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
	runs    int
}

type Option func(*Worker)

// WithBackOff replaces the restart policy.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(w *Worker) { w.newBackOff = f }
}

func NewWorker(name string, run func(ctx context.Context) error, log *zap.Logger, opts ...Option) *Worker {
	w := &Worker{
		name: name,
		run:  run,
		log:  log.With(zap.String("worker", name)),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) Name() string {
	return w.name
}

// Start launches the worker. Calling Start on a running worker is a no-op.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return nil
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx, w.done)
	w.log.Info("Background worker started")
	return nil
}

// Stop cancels the worker and waits for it to return, bounded by ctx.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		w.log.Info("Background worker stopped")
		return nil
	case <-ctx.Done():
		w.log.Warn("Background worker stop timeout")
		return ctx.Err()
	}
}

// Check reports the worker as unhealthy while it is not running or waiting
// to restart after a failure.
func (w *Worker) Check(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == nil {
		return ErrNotRunning
	}
	select {
	case <-w.done:
		return ErrNotRunning
	default:
	}
	if w.lastErr != nil {
		return fmt.Errorf("restarting after failure: %w", w.lastErr)
	}
	return nil
}

// Runs is how many times the function has been invoked.
func (w *Worker) Runs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runs
}

func (w *Worker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	b := backoff.WithContext(w.newBackOff(), ctx)
	for {
		w.mu.Lock()
		w.lastErr = nil
		w.runs++
		w.mu.Unlock()

		began := time.Now()
		err := w.run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			w.log.Info("Background worker finished")
			return
		}

		w.mu.Lock()
		w.lastErr = err
		w.mu.Unlock()

		// A run that stayed up longer than the widest wait starts the
		// schedule over.
		if time.Since(began) > 30*time.Second {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			w.log.Error("Background worker giving up", zap.Error(err))
			return
		}
		w.log.Warn("Background worker failed, restarting",
			zap.Error(err),
			zap.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
