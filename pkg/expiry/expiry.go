// Package expiry runs a ticker-driven background loop that periodically
// expires orders that have sat Unclaimed or Claimed too long.
package expiry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Engine is the subset of orderflow.Engine the worker needs, kept narrow so
// this package does not import orderflow directly.
type Engine interface {
	ExpireStaleOrders(ctx context.Context) (int, error)
}

// Worker ticks on Interval, calling Engine.ExpireStaleOrders each time.
type Worker struct {
	Engine   Engine
	Interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Worker with the given tick interval. A non-positive
// interval defaults to 60s.
func New(engine Engine, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Worker{Engine: engine, Interval: interval}
}

// Start runs the ticker loop in a background goroutine until Stop is
// called or ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := w.Engine.ExpireStaleOrders(ctx)
				if err != nil {
					log.Error().Err(err).Msg("expiry: tick failed")
					continue
				}
				if n > 0 {
					log.Info().Int("expired", n).Msg("expiry: tick expired stale orders")
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (w *Worker) Stop(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
