package escrow

import (
	"context"
	"time"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/chain"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fault"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fees"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/idgen"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/metrics"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/money"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/timeouts"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/traces"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/validation"
)

// Dispute resolution decisions.
const (
	DecisionRelease = "release"
	DecisionRefund  = "refund"
)

// RaiseDispute freezes a contract (or one milestone) pending admin
// resolution. Every automatic release path is blocked for that scope
// until ResolveDispute clears it.
func (s *Service) RaiseDispute(ctx context.Context, escrowID, milestoneID, actor, reason string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RaiseDispute")
	defer span.End()
	span.SetAttributes(traces.EscrowID(escrowID), traces.Actor(actor))

	if reason == "" {
		return nil, fault.New(fault.Validation, "a dispute reason is required")
	}

	lock := s.contractLock(escrowID)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	role := c.Role(actor)
	if role == "" {
		return nil, fault.New(fault.Authorization, "only the buyer or seller may raise a dispute")
	}
	if err := guardMutable(c); err != nil {
		return nil, err
	}

	// Dispute and cancellation are mutually exclusive per scope.
	if pending, err := s.cancels.PendingByEscrow(ctx, c.ID); err != nil {
		return nil, fault.Wrap(fault.External, "lookup cancellation", err)
	} else if pending != nil {
		return nil, fault.Newf(fault.StateConflict, "escrow %s has a pending cancellation request", c.ID)
	}

	var m *Milestone
	if milestoneID != "" {
		if c.Kind != KindMilestone {
			return nil, fault.Newf(fault.Validation, "escrow %s has no milestones", c.ID)
		}
		m, err = s.milestones.Get(ctx, milestoneID)
		if err != nil {
			return nil, err
		}
		if m == nil || m.EscrowID != c.ID {
			return nil, fault.Newf(fault.NotFound, "milestone %s not found on escrow %s", milestoneID, c.ID)
		}
		if m.Status == MilestoneReleased {
			return nil, fault.Newf(fault.StateConflict, "milestone %d is already released", m.Order)
		}
	}

	d := &Dispute{
		ID:          idgen.WithPrefix("dsp_"),
		EscrowID:    c.ID,
		MilestoneID: milestoneID,
		RaisedBy:    actor,
		RaisedRole:  role,
		Reason:      validation.SanitizeString(reason, validation.MaxNotesLength),
		Status:      DisputeOpen,
		CreatedAt:   time.Now(),
	}
	if err := s.disputes.Create(ctx, d); err != nil {
		return nil, fault.Wrap(fault.External, "persist dispute", err)
	}

	c.Status = StatusDisputed
	c.UpdatedAt = time.Now()
	if err := s.contracts.Update(ctx, c); err != nil {
		return nil, fault.Wrap(fault.External, "persist dispute freeze", err)
	}
	if m != nil {
		m.Status = MilestoneDisputed
		if err := s.milestones.Update(ctx, m); err != nil {
			return nil, fault.Wrap(fault.External, "persist milestone freeze", err)
		}
	}

	if _, err := s.scheduleTimeout(ctx, c, timeouts.TypeDispute, 0); err != nil {
		s.logger.Error("schedule dispute timeout failed", "escrowId", c.ID, "error", err)
	}

	metrics.DisputesTotal.WithLabelValues(string(c.Kind)).Inc()
	s.record(ctx, c.ID, milestoneID, "dispute_raised", d.Reason, map[string]string{
		"raisedBy": actor,
		"role":     string(role),
	})
	s.notifyBoth(c, "dispute.raised", "A dispute was raised, the contract is frozen", map[string]string{
		"disputeId": d.ID,
	})
	s.logger.Info("dispute raised", "escrowId", c.ID, "disputeId", d.ID, "role", role)
	return d, nil
}

// ResolveDispute applies an administrative ruling to the open dispute of
// a contract. Decision "refund" returns every confirmed deposit in full;
// "release" settles in the seller's favor per the contract kind. Admin
// resolution is an external authority, the actor comes from the request
// context.
func (s *Service) ResolveDispute(ctx context.Context, escrowID, decision, notes string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute")
	defer span.End()
	span.SetAttributes(traces.EscrowID(escrowID))

	if decision != DecisionRelease && decision != DecisionRefund {
		return nil, fault.Newf(fault.Validation, "decision must be %q or %q", DecisionRelease, DecisionRefund)
	}

	lock := s.contractLock(escrowID)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusDisputed {
		return nil, fault.Newf(fault.StateConflict, "escrow %s is %s, expected %s", c.ID, c.Status, StatusDisputed)
	}
	d, err := s.disputes.OpenByEscrow(ctx, c.ID)
	if err != nil {
		return nil, fault.Wrap(fault.External, "lookup dispute", err)
	}
	if d == nil {
		return nil, fault.Newf(fault.NotFound, "no open dispute on escrow %s", c.ID)
	}

	var txRef string
	switch decision {
	case DecisionRefund:
		txRef, err = s.refundConfirmedDeposits(ctx, c, false, "dispute_refund")
		if err != nil {
			return nil, err
		}
		now := time.Now()
		c.Status = StatusRefunded
		c.UpdatedAt = now
		if err := s.contracts.Update(ctx, c); err != nil {
			return nil, fault.Wrap(fault.External, "persist refund", err)
		}

	case DecisionRelease:
		txRef, err = s.resolveByRelease(ctx, c, d)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now()
	d.Status = DisputeResolved
	d.Decision = decision
	d.ResolutionNotes = validation.SanitizeString(notes, validation.MaxNotesLength)
	d.ResolutionTxRef = txRef
	d.ResolvedAt = &now
	if err := s.disputes.Update(ctx, d); err != nil {
		return nil, fault.Wrap(fault.External, "persist resolution", err)
	}
	if c.Status.IsTerminal() {
		s.retireTimeouts(ctx, c.ID, "")
	} else {
		s.retireTimeouts(ctx, c.ID, timeouts.TypeDispute)
	}

	s.record(ctx, c.ID, d.MilestoneID, "dispute_resolved", d.ResolutionNotes, map[string]string{
		"decision": decision,
		"txRef":    txRef,
	})
	s.notifyBoth(c, "dispute.resolved", "The dispute was resolved by administrative review", map[string]string{
		"decision": decision,
	})
	s.logger.Info("dispute resolved", "escrowId", c.ID, "decision", decision, "txRef", txRef)
	return d, nil
}

// resolveByRelease settles a disputed contract in the seller's favor.
// Milestone-scoped disputes release only that milestone and thaw the
// contract; everything else settles the whole contract per its kind.
func (s *Service) resolveByRelease(ctx context.Context, c *Contract, d *Dispute) (string, error) {
	now := time.Now()

	if c.Kind == KindMilestone && d.MilestoneID != "" {
		m, err := s.milestones.Get(ctx, d.MilestoneID)
		if err != nil {
			return "", err
		}
		if m == nil {
			return "", fault.Newf(fault.NotFound, "milestone %s not found", d.MilestoneID)
		}
		// Thaw first so releaseMilestone's completion check can finish
		// the contract when this was the last milestone.
		c.Status = StatusFullyFunded
		c.UpdatedAt = now
		if err := s.contracts.Update(ctx, c); err != nil {
			return "", fault.Wrap(fault.External, "persist thaw", err)
		}
		m.Status = MilestoneApproved
		m.ApprovedAt = &now
		if err := s.milestones.Update(ctx, m); err != nil {
			return "", fault.Wrap(fault.External, "persist ruling", err)
		}
		if err := s.releaseMilestone(ctx, c, m); err != nil {
			return "", err
		}
		return m.ReleaseTxRef, nil
	}

	switch c.Kind {
	case KindTraditional:
		// The ruling substitutes for the missing confirmations.
		c.BuyerConfirmed = true
		c.SellerConfirmed = true
		c.Status = StatusFullyFunded
		if err := s.contracts.Update(ctx, c); err != nil {
			return "", fault.Wrap(fault.External, "persist ruling", err)
		}
		if err := s.releaseTraditional(ctx, c); err != nil {
			return "", err
		}
		return "", nil

	case KindMilestone:
		return s.releaseRemainingMilestones(ctx, c)

	case KindAtomicSwap:
		if !c.BuyerDeposited || !c.SellerDeposited {
			return "", fault.New(fault.StateConflict, "cannot rule release on a swap missing deposits")
		}
		c.Status = StatusFullyFunded
		if err := s.contracts.Update(ctx, c); err != nil {
			return "", fault.Wrap(fault.External, "persist ruling", err)
		}
		if err := s.executeSwap(ctx, c); err != nil {
			return "", err
		}
		return "", nil
	}
	return "", fault.Newf(fault.Validation, "unknown contract kind %q", c.Kind)
}

// releaseRemainingMilestones settles every unreleased milestone in one
// transaction: net sum to the seller, fee sum to the treasury.
func (s *Service) releaseRemainingMilestones(ctx context.Context, c *Contract) (string, error) {
	all, err := s.milestones.ListByEscrow(ctx, c.ID)
	if err != nil {
		return "", fault.Wrap(fault.External, "list milestones", err)
	}

	netSum, feeSum := "0", "0"
	var open []*Milestone
	for _, m := range all {
		if m.Status == MilestoneReleased {
			continue
		}
		split, err := fees.PlatformSplit(m.Amount, s.feePct)
		if err != nil {
			return "", err
		}
		netSum = money.Add(netSum, split.Net)
		feeSum = money.Add(feeSum, split.Fee)
		open = append(open, m)
	}
	if len(open) == 0 {
		return "", fault.Newf(fault.StateConflict, "escrow %s has no unreleased milestones", c.ID)
	}

	txRef, err := s.transfer(ctx, c, []chain.Output{
		{To: c.SellerAddr, Asset: c.BuyerAsset, Amount: netSum},
		{To: s.treasury, Asset: c.BuyerAsset, Amount: feeSum},
	}, "dispute_release")
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("dispute_release", "failed").Inc()
		return "", err
	}

	now := time.Now()
	for _, m := range open {
		m.Status = MilestoneReleased
		m.ReleaseTxRef = txRef
		m.ReleasedAt = &now
		if err := s.milestones.Update(ctx, m); err != nil {
			return "", fault.Wrap(fault.External, "persist release", err)
		}
	}
	c.Status = StatusCompleted
	c.CompletedAt = &now
	c.UpdatedAt = now
	if err := s.contracts.Update(ctx, c); err != nil {
		return "", fault.Wrap(fault.External, "persist completion", err)
	}
	metrics.SettlementsTotal.WithLabelValues("dispute_release", "ok").Inc()
	return txRef, nil
}
