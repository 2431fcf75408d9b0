// Package scheduler runs a task on a fixed interval until closed.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one run of a periodic job. A returned error is logged and the
// routine keeps going.
type Task func(ctx context.Context) error

type Routine struct {
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(name string, logger *slog.Logger) *Routine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Routine{name: name, logger: logger}
}

// Start runs task every interval in a background goroutine. A non-positive
// interval leaves the routine disabled. Calling Start on a running routine
// is a no-op.
func (r *Routine) Start(interval time.Duration, task Task) {
	if interval <= 0 {
		r.logger.Info("background routine disabled", "routine", r.name)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := task(ctx); err != nil && ctx.Err() == nil {
					r.logger.Warn("background routine failed", "routine", r.name, "error", err)
				}
			}
		}
	}()
}

// Close stops the routine and waits for an in-flight run to return. It is
// safe to call Close even if Start was never called.
func (r *Routine) Close() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}
