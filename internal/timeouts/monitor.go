package timeouts

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/metrics"
)

// Outcome reports how a resolver handled an expired timeout.
type Outcome struct {
	// Resolution labels what happened: "released", "refunded",
	// "cancelled", "executed", "escalated".
	Resolution string

	// Escalated is true when the expiry was handed to administrative
	// review instead of being auto-resolved.
	Escalated bool
}

// Resolver applies the kind-specific expiry rules. Implementations must
// be idempotent: re-handling an already-resolved escrow is a no-op error,
// not a second fund movement.
type Resolver interface {
	HandleExpiry(ctx context.Context, t *Timeout) (Outcome, error)
}

// Notifier dispatches pre-expiration warnings. Fire-and-forget: failures
// are logged, never fatal to the scan.
type Notifier interface {
	Notify(ctx context.Context, recipient, eventType, escrowID, message string, metadata map[string]string) error
}

// Recipients resolves the wallets to warn for an escrow.
type Recipients interface {
	TimeoutRecipients(ctx context.Context, escrowID string) ([]string, error)
}

// Stats summarizes one scan cycle.
type Stats struct {
	TotalChecked     int      `json:"totalChecked"`
	ExpiredCount     int      `json:"expiredCount"`
	WarningsSent     int      `json:"warningsSent"`
	EscalatedToAdmin int      `json:"escalatedToAdmin"`
	Errors           []string `json:"errors,omitempty"`
}

// EscrowTimeouts partitions one escrow's timeouts for the read model.
type EscrowTimeouts struct {
	Expired []*Timeout `json:"expired"`
	Active  []*Timeout `json:"active"`
}

// Monitor periodically scans for expired and soon-to-expire timeouts.
type Monitor struct {
	store      Store
	resolver   Resolver
	notifier   Notifier
	recipients Recipients
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewMonitor creates a timeout monitor.
func NewMonitor(store Store, resolver Resolver, notifier Notifier, recipients Recipients, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{
		store:      store,
		resolver:   resolver,
		notifier:   notifier,
		recipients: recipients,
		interval:   interval,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the monitor loop is actively running.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Start begins the scan loop. Call in a goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.running.Store(true)
	defer m.running.Store(false)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.safeScan(ctx)
		}
	}
}

// Stop signals the monitor to stop.
func (m *Monitor) Stop() {
	select {
	case m.stop <- struct{}{}:
	default:
	}
}

func (m *Monitor) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in timeout monitor", "panic", fmt.Sprint(r))
		}
	}()
	stats := m.Scan(ctx)
	if stats.ExpiredCount > 0 || stats.WarningsSent > 0 || len(stats.Errors) > 0 {
		m.logger.Info("timeout scan",
			"checked", stats.TotalChecked,
			"expired", stats.ExpiredCount,
			"warnings", stats.WarningsSent,
			"escalated", stats.EscalatedToAdmin,
			"errors", len(stats.Errors),
		)
	}
}

// Scan runs one cycle: resolve expired timeouts, dispatch warnings for
// those inside their warning window. Idempotent — a scan over unchanged
// state produces zero additional transitions.
func (m *Monitor) Scan(ctx context.Context) Stats {
	metrics.TimeoutScansTotal.Inc()
	now := time.Now()
	var stats Stats

	expired, err := m.store.ListExpired(ctx, now, 100)
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("list expired: %v", err))
	}
	stats.TotalChecked += len(expired)

	for _, t := range expired {
		outcome, err := m.resolver.HandleExpiry(ctx, t)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("timeout %s: %v", t.ID, err))
			m.logger.Warn("failed to resolve expired timeout",
				"timeoutId", t.ID, "escrowId", t.EscrowID, "type", t.Type, "error", err)
			continue
		}
		if err := m.store.MarkResolved(ctx, t.ID); err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("mark resolved %s: %v", t.ID, err))
			continue
		}
		stats.ExpiredCount++
		if outcome.Escalated {
			stats.EscalatedToAdmin++
		}
		metrics.TimeoutsExpiredTotal.WithLabelValues(string(t.Type), outcome.Resolution).Inc()
		m.logger.Info("expired timeout resolved",
			"timeoutId", t.ID, "escrowId", t.EscrowID, "type", t.Type, "resolution", outcome.Resolution)
	}

	warnable, err := m.store.ListNeedingWarning(ctx, now, 100)
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("list warnings: %v", err))
	}
	stats.TotalChecked += len(warnable)

	for _, t := range warnable {
		m.warn(ctx, t)
		if err := m.store.MarkWarned(ctx, t.ID); err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("mark warned %s: %v", t.ID, err))
			continue
		}
		stats.WarningsSent++
	}

	return stats
}

func (m *Monitor) warn(ctx context.Context, t *Timeout) {
	if m.notifier == nil || m.recipients == nil {
		return
	}
	recipients, err := m.recipients.TimeoutRecipients(ctx, t.EscrowID)
	if err != nil {
		m.logger.Warn("failed to resolve warning recipients", "escrowId", t.EscrowID, "error", err)
		return
	}
	msg := fmt.Sprintf("%s deadline expires at %s", t.Type, t.ExpiresAt.UTC().Format(time.RFC3339))
	for _, r := range recipients {
		if err := m.notifier.Notify(ctx, r, "timeout_warning", t.EscrowID, msg, map[string]string{
			"timeoutId": t.ID,
			"type":      string(t.Type),
		}); err != nil {
			m.logger.Warn("timeout warning dispatch failed",
				"escrowId", t.EscrowID, "recipient", r, "error", err)
		}
	}
}

// CheckEscrowTimeouts partitions one escrow's unresolved timeouts into
// expired and active.
func (m *Monitor) CheckEscrowTimeouts(ctx context.Context, escrowID string) (*EscrowTimeouts, error) {
	all, err := m.store.ListByEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	result := &EscrowTimeouts{}
	for _, t := range all {
		if t.Resolved {
			continue
		}
		if t.Expired(now) {
			result.Expired = append(result.Expired, t)
		} else {
			result.Active = append(result.Active, t)
		}
	}
	return result, nil
}
