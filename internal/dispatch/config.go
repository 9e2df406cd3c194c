// Package dispatch admits queued tasks into execution seats.
package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned for a dispatcher configuration that breaks
// the seat budget.
var ErrInvalidConfig = errors.New("invalid dispatcher config")

// minInterval is the fastest the dispatch loop ticks when the cooldown is
// zero or very small.
const minInterval = 100 * time.Millisecond

// Config defines the seat budget.
type Config struct {
	// MaxConcurrent is the total number of seats.
	MaxConcurrent int `json:"max_concurrent" koanf:"max_concurrent"`
	// ReservedSlots are seats never filled automatically.
	ReservedSlots int `json:"reserved_slots" koanf:"reserved_slots"`
	// AutoDispatchMax throttles automatic admissions.
	AutoDispatchMax int `json:"auto_dispatch_max" koanf:"auto_dispatch_max"`
	// DispatchCooldownMs is the minimum gap between admissions.
	DispatchCooldownMs int  `json:"dispatch_cooldown_ms" koanf:"dispatch_cooldown_ms"`
	Enabled            bool `json:"enabled" koanf:"enabled"`
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:      6,
		ReservedSlots:      1,
		AutoDispatchMax:    5,
		DispatchCooldownMs: 30000,
		Enabled:            true,
	}
}

// Validate checks that auto_dispatch_max fits inside the unreserved seats.
func (c Config) Validate() error {
	switch {
	case c.MaxConcurrent < 1:
		return fmt.Errorf("%w: max_concurrent must be at least 1", ErrInvalidConfig)
	case c.ReservedSlots < 0 || c.ReservedSlots > c.MaxConcurrent:
		return fmt.Errorf("%w: reserved_slots must be between 0 and max_concurrent", ErrInvalidConfig)
	case c.AutoDispatchMax < 0:
		return fmt.Errorf("%w: auto_dispatch_max must not be negative", ErrInvalidConfig)
	case c.AutoDispatchMax > c.MaxConcurrent-c.ReservedSlots:
		return fmt.Errorf("%w: auto_dispatch_max %d exceeds max_concurrent - reserved_slots (%d)",
			ErrInvalidConfig, c.AutoDispatchMax, c.MaxConcurrent-c.ReservedSlots)
	case c.DispatchCooldownMs < 0:
		return fmt.Errorf("%w: dispatch_cooldown_ms must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Cooldown returns the minimum gap between admissions.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.DispatchCooldownMs) * time.Millisecond
}

// Interval returns the loop interval: a tenth of the cooldown, so an
// admission lands at most one interval after the window opens.
func (c Config) Interval() time.Duration {
	if d := c.Cooldown() / 10; d > minInterval {
		return d
	}
	return minInterval
}
