// Package execmode implements the dry/live circuit breaker. Live execution
// must be earned: the shared flag has to read "live" for a configured
// number of consecutive polls before the manager honours it, the emergency
// stop latch forces dry regardless, and any failure to read the store
// resets the streak. The failure posture is always dry.
package execmode

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/metrics"
)

// Execution modes.
const (
	ModeDry  = "dry"
	ModeLive = "live"
)

// Flags is the coordination store surface the manager polls.
type Flags interface {
	ExecMode(ctx context.Context) (string, error)
	EmergencyStop(ctx context.Context) (bool, error)
	MirrorHealthStreak(ctx context.Context, n int) error
}

// Options tune the circuit breaker.
type Options struct {
	ConsecutiveOK int
	PollInterval  time.Duration
}

// Manager tracks the effective execution mode.
type Manager struct {
	flags  Flags
	opts   Options
	logger zerolog.Logger

	mu     sync.RWMutex
	mode   string
	streak int
}

// NewManager constructs a Manager. The initial mode is dry until polling
// proves otherwise.
func NewManager(flags Flags, opts Options, logger zerolog.Logger) *Manager {
	if opts.ConsecutiveOK < 1 {
		opts.ConsecutiveOK = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	m := &Manager{
		flags:  flags,
		opts:   opts,
		logger: logger.With().Str("component", "execmode").Logger(),
		mode:   ModeDry,
	}
	metrics.SetMode(ModeDry)
	return m
}

// CurrentMode returns the effective mode. It never errors and never
// blocks on the store; callers between polls see the last proven state.
func (m *Manager) CurrentMode() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// HealthStreak returns the current consecutive healthy read count.
func (m *Manager) HealthStreak() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streak
}

// Refresh evaluates the flags once and returns the effective mode. The
// returned error explains a degraded read; the mode is dry in that case.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	stopped, err := m.flags.EmergencyStop(ctx)
	if err != nil {
		m.degrade("emergency stop read failed", err)
		return ModeDry, err
	}
	if stopped {
		m.force(ModeDry, "emergency stop engaged")
		return ModeDry, nil
	}

	raw, err := m.flags.ExecMode(ctx)
	if err != nil {
		m.degrade("mode flag read failed", err)
		return ModeDry, err
	}

	if raw != ModeLive {
		m.force(ModeDry, "flag requests dry")
		return ModeDry, nil
	}

	return m.recordHealthy(ctx), nil
}

// RunPoller refreshes the mode on the configured interval until the
// context is cancelled.
func (m *Manager) RunPoller(ctx context.Context) error {
	if _, err := m.Refresh(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("initial mode refresh degraded")
	}

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Refresh(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("mode refresh degraded")
			}
		}
	}
}

// recordHealthy counts a successful live read and flips to live once the
// streak is long enough.
func (m *Manager) recordHealthy(ctx context.Context) string {
	m.mu.Lock()
	m.streak++
	streak := m.streak
	next := ModeDry
	if streak >= m.opts.ConsecutiveOK {
		next = ModeLive
	}
	prev := m.mode
	m.mode = next
	m.mu.Unlock()

	metrics.SetHealthStreak(streak)
	if err := m.flags.MirrorHealthStreak(ctx, streak); err != nil {
		m.logger.Debug().Err(err).Msg("health streak mirror failed")
	}

	if prev != next {
		m.flip(prev, next, "health streak satisfied")
	}
	return next
}

// degrade resets the streak after a store failure. Dry is the only safe
// answer when the flags cannot be read.
func (m *Manager) degrade(reason string, err error) {
	m.mu.Lock()
	m.streak = 0
	prev := m.mode
	m.mode = ModeDry
	m.mu.Unlock()

	metrics.SetHealthStreak(0)
	if prev != ModeDry {
		m.logger.Error().Err(err).Str("reason", reason).Msg("falling back to dry mode")
		m.flip(prev, ModeDry, reason)
	}
}

// force pins the mode to the target and clears the streak.
func (m *Manager) force(target, reason string) {
	m.mu.Lock()
	m.streak = 0
	prev := m.mode
	m.mode = target
	m.mu.Unlock()

	metrics.SetHealthStreak(0)
	if prev != target {
		m.flip(prev, target, reason)
	}
}

func (m *Manager) flip(from, to, reason string) {
	metrics.SetMode(to)
	metrics.IncModeFlip(to)
	m.logger.Info().
		Str("from", from).
		Str("to", to).
		Str("reason", reason).
		Msg("execution mode changed")
}
