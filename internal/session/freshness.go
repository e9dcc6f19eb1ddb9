package session

import (
	"fmt"
	"time"
)

// FreshnessConfig bounds how long a session stays usable before the
// external assistant's accumulated context is considered unreliable.
type FreshnessConfig struct {
	MaxAge        time.Duration `yaml:"max_age"`
	MaxIdle       time.Duration `yaml:"max_idle"`
	MaxIterations int           `yaml:"max_iterations"`
	MaxMessages   int           `yaml:"max_messages"`
}

func (c *FreshnessConfig) applyDefaults() {
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 2 * time.Hour
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 500
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = 1000
	}
}

// Evaluate reports whether the session should be reset, and why. Checked
// at the entry of invoke and stream.
func (c FreshnessConfig) Evaluate(createdAt, lastActivity time.Time, iterations, messages int) (bool, string) {
	c.applyDefaults()
	now := time.Now()
	if age := now.Sub(createdAt); age > c.MaxAge {
		return true, fmt.Sprintf("session age %s exceeds %s", age.Round(time.Second), c.MaxAge)
	}
	if !lastActivity.IsZero() {
		if idle := now.Sub(lastActivity); idle > c.MaxIdle {
			return true, fmt.Sprintf("idle %s exceeds %s", idle.Round(time.Second), c.MaxIdle)
		}
	}
	if iterations > c.MaxIterations {
		return true, fmt.Sprintf("%d iterations exceed %d", iterations, c.MaxIterations)
	}
	if messages > c.MaxMessages {
		return true, fmt.Sprintf("%d messages exceed %d", messages, c.MaxMessages)
	}
	return false, ""
}
