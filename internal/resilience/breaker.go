package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/docuglot/docuglot/internal/observability"
)

// ErrCircuitOpen is returned by Call when the named breaker is open.
// Callers must treat it as terminal for the current attempt (no retry).
var ErrCircuitOpen = errors.New("circuit open")

// BreakerState reports a breaker's current disposition.
type BreakerState string

const (
	StateClosed       BreakerState = "closed"
	StateOpen         BreakerState = "open"
	StateUnregistered BreakerState = "unregistered"
)

// BreakerConfig tunes a single named resource.
type BreakerConfig struct {
	Threshold int           // failures within Window that open the circuit
	Window    time.Duration // sliding failure window
	Cooldown  time.Duration // how long the circuit stays open
}

// Breaker is a registry of per-resource circuit breakers. Resources are
// registered by name; calls against unregistered names execute unprotected.
type Breaker struct {
	mu        sync.Mutex
	resources map[string]*resourceState
	logger    *observability.Logger
	onTrip    func(name string)
	now       func() time.Time
}

type resourceState struct {
	cfg       BreakerConfig
	failures  []time.Time
	open      bool
	openUntil time.Time
}

// NewBreaker creates an empty breaker registry.
func NewBreaker(logger *observability.Logger) *Breaker {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Breaker{
		resources: make(map[string]*resourceState),
		logger:    logger.WithComponent("breaker"),
		now:       time.Now,
	}
}

// OnTrip installs a hook invoked (outside the lock) each time a breaker
// transitions closed to open.
func (b *Breaker) OnTrip(fn func(name string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = fn
}

// Register adds or replaces the configuration for a named resource.
func (b *Breaker) Register(name string, cfg BreakerConfig) {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.resources[name] = &resourceState{cfg: cfg}
}

// Call executes fn under the named breaker. If the circuit is open the
// function is never invoked and ErrCircuitOpen is returned. On an error
// result the breaker melts and may trip open. Success does not melt.
func (b *Breaker) Call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if open := b.checkOpen(name); open {
		return fmt.Errorf("%s: %w", name, ErrCircuitOpen)
	}

	err := fn(ctx)
	if err != nil {
		b.Melt(name)
	}
	return err
}

// Melt records a failure against the named resource and trips the breaker
// if the failure count within the window reaches the threshold.
func (b *Breaker) Melt(name string) {
	var tripped bool
	var hook func(string)

	b.mu.Lock()
	rs, ok := b.resources[name]
	if ok {
		now := b.now()
		rs.failures = append(rs.failures, now)
		rs.pruneLocked(now)
		if !rs.open && len(rs.failures) >= rs.cfg.Threshold {
			rs.open = true
			rs.openUntil = now.Add(rs.cfg.Cooldown)
			rs.failures = nil
			tripped = true
			hook = b.onTrip
		}
	}
	b.mu.Unlock()

	if tripped {
		b.logger.Warn().
			Str("resource", name).
			Msg("circuit breaker blown")
		if hook != nil {
			hook(name)
		}
	}
}

// Reset closes the named breaker and clears its failure history.
func (b *Breaker) Reset(name string) {
	b.mu.Lock()
	rs, ok := b.resources[name]
	wasOpen := ok && rs.open
	if ok {
		rs.open = false
		rs.failures = nil
	}
	b.mu.Unlock()

	if wasOpen {
		b.logger.Info().Str("resource", name).Msg("circuit breaker reset")
	}
}

// Status reports the current state of the named resource.
func (b *Breaker) Status(name string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	rs, ok := b.resources[name]
	if !ok {
		return StateUnregistered
	}
	if rs.open && b.now().Before(rs.openUntil) {
		return StateOpen
	}
	return StateClosed
}

// checkOpen reports whether the named breaker currently rejects calls,
// closing it first if the cooldown has elapsed.
func (b *Breaker) checkOpen(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	rs, ok := b.resources[name]
	if !ok {
		return false
	}
	if !rs.open {
		return false
	}
	if !b.now().Before(rs.openUntil) {
		rs.open = false
		rs.failures = nil
		return false
	}
	return true
}

// pruneLocked drops failures older than the window. Caller holds the lock.
func (rs *resourceState) pruneLocked(now time.Time) {
	cutoff := now.Add(-rs.cfg.Window)
	kept := rs.failures[:0]
	for _, t := range rs.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	rs.failures = kept
}
