package ws

import (
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Default linear reconnect schedule.
const (
	DefaultBackoffFloor   = 3 * time.Second
	DefaultBackoffStep    = 3 * time.Second
	DefaultBackoffCeiling = 30 * time.Second
)

// LinearBackOff grows the delay by a fixed step after every failure, holds it at the ceiling
// and returns to the floor on Reset.
type LinearBackOff struct {
	Floor   time.Duration
	Step    time.Duration
	Ceiling time.Duration

	mu      sync.Mutex
	current time.Duration
}

var _ backoff.BackOff = (*LinearBackOff)(nil)

// NewLinearBackOff returns a linear schedule starting at floor.
func NewLinearBackOff(floor, step, ceiling time.Duration) *LinearBackOff {
	if floor <= 0 {
		floor = DefaultBackoffFloor
	}
	if step < 0 {
		step = 0
	}
	if ceiling < floor {
		ceiling = floor
	}
	return &LinearBackOff{
		Floor:   floor,
		Step:    step,
		Ceiling: ceiling,
		mu:      sync.Mutex{},
		current: floor,
	}
}

// NextBackOff returns the delay for this attempt and ratchets the next one up.
func (b *LinearBackOff) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current <= 0 {
		b.current = b.Floor
	}
	delay := b.current
	b.current += b.Step
	if b.current > b.Ceiling {
		b.current = b.Ceiling
	}
	return delay
}

// Reset returns the schedule to its floor.
func (b *LinearBackOff) Reset() {
	b.mu.Lock()
	b.current = b.Floor
	b.mu.Unlock()
}

// BackoffConfig selects and parameterises a reconnect schedule.
type BackoffConfig struct {
	Strategy   string
	Floor      time.Duration
	Step       time.Duration
	Ceiling    time.Duration
	Multiplier float64
}

// NewBackOff builds the schedule named by cfg.Strategy: "linear" (default) or "exponential".
func NewBackOff(cfg BackoffConfig) backoff.BackOff {
	if strings.EqualFold(strings.TrimSpace(cfg.Strategy), "exponential") {
		exp := backoff.NewExponentialBackOff()
		if cfg.Floor > 0 {
			exp.InitialInterval = cfg.Floor
		}
		if cfg.Ceiling > 0 {
			exp.MaxInterval = cfg.Ceiling
		}
		if cfg.Multiplier > 1 {
			exp.Multiplier = cfg.Multiplier
		}
		exp.Reset()
		return exp
	}
	return NewLinearBackOff(cfg.Floor, cfg.Step, cfg.Ceiling)
}
