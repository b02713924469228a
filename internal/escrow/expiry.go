package escrow

import (
	"context"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fault"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/metrics"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/timeouts"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/traces"
)

// HandleExpiry resolves one expired timeout. Atomic-swap deadlines are
// fully automatic since deposit state alone determines the outcome;
// traditional and milestone deadlines are ambiguous and always escalate
// to administrative review.
func (s *Service) HandleExpiry(ctx context.Context, t *timeouts.Timeout) (timeouts.Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.HandleExpiry")
	defer span.End()
	span.SetAttributes(traces.EscrowID(t.EscrowID), traces.TimeoutType(string(t.Type)))

	lock := s.contractLock(t.EscrowID)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.Get(ctx, t.EscrowID)
	if err != nil {
		return timeouts.Outcome{}, err
	}
	if c.Status.IsTerminal() {
		// Already settled by another path; retiring the timeout is the
		// only work left.
		return timeouts.Outcome{Resolution: "already_resolved"}, nil
	}

	if c.Kind == KindAtomicSwap && t.Type == timeouts.TypeSwap {
		if c.Status == StatusDisputed {
			return s.escalate(ctx, c, t)
		}
		resolution, err := s.handleSwapExpiry(ctx, c)
		if err != nil {
			return timeouts.Outcome{}, err
		}
		metrics.TimeoutsExpiredTotal.WithLabelValues(string(t.Type), resolution).Inc()
		return timeouts.Outcome{Resolution: resolution}, nil
	}

	return s.escalate(ctx, c, t)
}

// escalate hands an expired deadline to administrative review without
// moving funds or changing contract status.
func (s *Service) escalate(ctx context.Context, c *Contract, t *timeouts.Timeout) (timeouts.Outcome, error) {
	metrics.TimeoutsExpiredTotal.WithLabelValues(string(t.Type), "escalated").Inc()
	s.record(ctx, c.ID, "", "timeout_escalated", "expired deadline requires administrative review", map[string]string{
		"timeoutType": string(t.Type),
		"status":      string(c.Status),
	})
	s.notifyBoth(c, "timeout.escalated", "A contract deadline expired and was escalated for review", map[string]string{
		"timeoutType": string(t.Type),
	})
	s.logger.Warn("timeout escalated to admin review",
		"escrowId", c.ID, "type", t.Type, "status", c.Status)
	return timeouts.Outcome{Resolution: "escalated", Escalated: true}, nil
}

// TimeoutRecipients returns the wallets warned before an escrow deadline.
func (s *Service) TimeoutRecipients(ctx context.Context, escrowID string) ([]string, error) {
	c, err := s.Get(ctx, escrowID)
	if err != nil {
		if fault.IsKind(err, fault.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	return []string{c.BuyerAddr, c.SellerAddr}, nil
}
