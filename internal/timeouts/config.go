package timeouts

import (
	"time"
)

// Config resolves a (contract kind, timeout type) pair to a duration and
// computes the absolute expiry plus warning timestamp.
type Config struct {
	// Hours maps contract kind -> timeout type -> duration in hours.
	// Missing entries fall back to DefaultHours.
	Hours map[string]map[Type]int

	// DefaultHours applies when no specific rule exists.
	DefaultHours int

	// WarningWindow is subtracted from expiry to produce the warning
	// timestamp.
	WarningWindow time.Duration
}

// Defaults per contract kind. Dispute deadlines are long because they
// wait for a human administrator.
func DefaultConfig() *Config {
	return &Config{
		Hours: map[string]map[Type]int{
			"traditional": {
				TypeDeposit:      48,
				TypeConfirmation: 72,
				TypeDispute:      168,
			},
			"milestone": {
				TypeDeposit:   48,
				TypeMilestone: 168,
				TypeDispute:   168,
			},
			"atomic_swap": {
				TypeDeposit: 24,
				TypeSwap:    24,
				TypeDispute: 168,
			},
		},
		DefaultHours:  72,
		WarningWindow: 2 * time.Hour,
	}
}

// HoursFor returns the configured duration for a (kind, type) pair.
func (c *Config) HoursFor(contractKind string, typ Type) int {
	if kinds, ok := c.Hours[contractKind]; ok {
		if h, ok := kinds[typ]; ok && h > 0 {
			return h
		}
	}
	return c.DefaultHours
}

// Schedule computes the absolute expiry and warning timestamps for a
// (kind, type) pair starting at now. overrideHours, when positive,
// replaces the configured duration (caller-supplied timeoutHours).
func (c *Config) Schedule(contractKind string, typ Type, now time.Time, overrideHours int) (expiresAt, warnAt time.Time) {
	hours := c.HoursFor(contractKind, typ)
	if overrideHours > 0 {
		hours = overrideHours
	}
	expiresAt = now.Add(time.Duration(hours) * time.Hour)
	warnAt = expiresAt.Add(-c.WarningWindow)
	if warnAt.Before(now) {
		warnAt = now
	}
	return expiresAt, warnAt
}
