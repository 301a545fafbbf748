// Package watchdog periodically sweeps the intent ledger for work that
// has gone quiet: intents past the pending threshold with no terminal
// outcome yet. Findings are surfaced through logs and a gauge.
package watchdog

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/metrics"
	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/storage"
)

// PendingLister reads non-terminal intents from the ledger.
type PendingLister interface {
	ListPendingIntents(ctx context.Context, olderThan time.Time) ([]storage.PendingIntent, error)
}

// Options tune watchdog behaviour.
type Options struct {
	Interval     time.Duration
	MaxAge       time.Duration
	StartupDelay time.Duration
}

// Watchdog flags intents stuck short of a terminal state.
type Watchdog struct {
	opts   Options
	store  PendingLister
	logger zerolog.Logger
}

// New constructs a Watchdog instance.
func New(opts Options, store PendingLister, logger zerolog.Logger) *Watchdog {
	if opts.Interval <= 0 {
		panic("watchdog interval must be positive")
	}
	if opts.MaxAge <= 0 {
		panic("watchdog max age must be positive")
	}
	return &Watchdog{opts: opts, store: store, logger: logger.With().Str("component", "watchdog").Logger()}
}

// Run blocks, sweeping the ledger on every interval until ctx is cancelled.
// The first sweep runs right after the startup delay so a freshly restarted
// daemon reports inherited backlog without waiting a full interval.
func (w *Watchdog) Run(ctx context.Context) error {
	if w.opts.StartupDelay > 0 {
		timer := time.NewTimer(w.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		if err := w.sweep(ctx); err != nil {
			w.logger.Error().Err(err).Msg("pending sweep failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Watchdog) sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-w.opts.MaxAge)
	pending, err := w.store.ListPendingIntents(ctx, cutoff)
	if err != nil {
		return err
	}

	metrics.SetPendingIntents(len(pending))
	if len(pending) == 0 {
		w.logger.Debug().Msg("ledger sweep clean")
		return nil
	}

	// Rows come back oldest first.
	oldest := pending[0]
	w.logger.Warn().
		Int("count", len(pending)).
		Int64("oldest_id", oldest.ID).
		Str("oldest_state", oldest.State).
		Dur("oldest_age", time.Since(oldest.CreatedAt).Round(time.Second)).
		Msg("intents pending past the expected inclusion window")
	return nil
}
