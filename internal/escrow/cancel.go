package escrow

import (
	"context"
	"math/big"
	"time"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/chain"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fault"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fees"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/idgen"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/metrics"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/money"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/traces"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/validation"
)

// RequestCancellation opens a cancellation of a funded contract, approved
// on behalf of the requester. A contract that never reached fully_funded
// is cancelled unilaterally in the same call, refunding any partial
// deposits.
func (s *Service) RequestCancellation(ctx context.Context, escrowID, actor, reason string) (*CancellationRequest, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RequestCancellation")
	defer span.End()
	span.SetAttributes(traces.EscrowID(escrowID), traces.Actor(actor))

	lock := s.contractLock(escrowID)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	role := c.Role(actor)
	if role == "" {
		return nil, fault.New(fault.Authorization, "only the buyer or seller may cancel")
	}
	if err := guardMutable(c); err != nil {
		return nil, err
	}

	// Dispute and cancellation are mutually exclusive.
	if open, err := s.disputes.OpenByEscrow(ctx, c.ID); err != nil {
		return nil, fault.Wrap(fault.External, "lookup dispute", err)
	} else if open != nil {
		return nil, fault.Newf(fault.StateConflict, "escrow %s has an open dispute", c.ID)
	}
	if pending, err := s.cancels.PendingByEscrow(ctx, c.ID); err != nil {
		return nil, fault.Wrap(fault.External, "lookup cancellation", err)
	} else if pending != nil {
		return nil, fault.Newf(fault.StateConflict, "escrow %s already has a pending cancellation request", c.ID)
	}

	now := time.Now()
	r := &CancellationRequest{
		ID:          idgen.WithPrefix("cnl_"),
		EscrowID:    c.ID,
		RequestedBy: actor,
		Reason:      validation.SanitizeString(reason, validation.MaxNotesLength),
		Status:      CancellationPending,
		CreatedAt:   now,
	}
	switch role {
	case PartyBuyer:
		r.BuyerApproved = true
		r.BuyerApprovedAt = &now
	case PartySeller:
		r.SellerApproved = true
		r.SellerApprovedAt = &now
	}

	// Never funded: the requester may cancel alone. Partial deposits are
	// refunded, with the 1% fee only if configured.
	if c.FundedAt == nil && c.Status == StatusCreated {
		if err := s.cancels.Create(ctx, r); err != nil {
			return nil, fault.Wrap(fault.External, "persist cancellation", err)
		}
		txRef, err := s.refundConfirmedDeposits(ctx, c, s.unfundedCancelFee, "unilateral_cancel")
		if err != nil {
			return nil, err
		}
		c.Status = StatusCancelled
		c.UpdatedAt = time.Now()
		if err := s.contracts.Update(ctx, c); err != nil {
			return nil, fault.Wrap(fault.External, "persist cancellation", err)
		}
		r.Status = CancellationApproved
		if err := s.cancels.Update(ctx, r); err != nil {
			return nil, fault.Wrap(fault.External, "persist cancellation", err)
		}
		s.retireTimeouts(ctx, c.ID, "")
		s.record(ctx, c.ID, "", "escrow_cancelled", "unilateral cancellation before funding", map[string]string{
			"requestedBy": actor,
			"txRef":       txRef,
		})
		s.notifyBoth(c, "escrow.cancelled", "Contract cancelled before funding", nil)
		s.logger.Info("contract cancelled unilaterally", "escrowId", c.ID, "by", role)
		return r, nil
	}

	if err := s.cancels.Create(ctx, r); err != nil {
		return nil, fault.Wrap(fault.External, "persist cancellation", err)
	}
	s.record(ctx, c.ID, "", "cancellation_requested", r.Reason, map[string]string{
		"requestedBy": actor,
		"role":        string(role),
	})
	counterparty := c.SellerAddr
	if role == PartySeller {
		counterparty = c.BuyerAddr
	}
	s.notifyParty(counterparty, "cancellation.requested", c.ID,
		"The counterparty requested cancellation, your approval is required", nil)
	s.logger.Info("cancellation requested", "escrowId", c.ID, "by", role)
	return r, nil
}

// ApproveCancellation records the counterparty's approval. Once both
// parties have approved, every confirmed deposit is refunded minus the 1%
// cancellation fee and the contract is cancelled.
func (s *Service) ApproveCancellation(ctx context.Context, escrowID, actor string) (*CancellationRequest, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ApproveCancellation")
	defer span.End()
	span.SetAttributes(traces.EscrowID(escrowID), traces.Actor(actor))

	lock := s.contractLock(escrowID)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	role := c.Role(actor)
	if role == "" {
		return nil, fault.New(fault.Authorization, "only the buyer or seller may approve a cancellation")
	}
	if err := guardMutable(c); err != nil {
		return nil, err
	}

	r, err := s.cancels.PendingByEscrow(ctx, c.ID)
	if err != nil {
		return nil, fault.Wrap(fault.External, "lookup cancellation", err)
	}
	if r == nil {
		return nil, fault.Newf(fault.NotFound, "no pending cancellation request on escrow %s", c.ID)
	}

	now := time.Now()
	switch role {
	case PartyBuyer:
		if r.BuyerApproved {
			return nil, fault.New(fault.StateConflict, "buyer has already approved this cancellation")
		}
		r.BuyerApproved = true
		r.BuyerApprovedAt = &now
	case PartySeller:
		if r.SellerApproved {
			return nil, fault.New(fault.StateConflict, "seller has already approved this cancellation")
		}
		r.SellerApproved = true
		r.SellerApprovedAt = &now
	}
	if err := s.cancels.Update(ctx, r); err != nil {
		return nil, fault.Wrap(fault.External, "persist approval", err)
	}
	s.record(ctx, c.ID, "", "cancellation_approved", "", map[string]string{"role": string(role)})

	if !r.BuyerApproved || !r.SellerApproved {
		return r, nil
	}

	txRef, err := s.refundConfirmedDeposits(ctx, c, true, "mutual_cancel")
	if err != nil {
		return nil, err
	}
	c.Status = StatusCancelled
	c.UpdatedAt = time.Now()
	if err := s.contracts.Update(ctx, c); err != nil {
		return nil, fault.Wrap(fault.External, "persist cancellation", err)
	}
	r.Status = CancellationApproved
	if err := s.cancels.Update(ctx, r); err != nil {
		return nil, fault.Wrap(fault.External, "persist cancellation", err)
	}
	s.retireTimeouts(ctx, c.ID, "")

	s.record(ctx, c.ID, "", "escrow_cancelled", "mutual cancellation", map[string]string{"txRef": txRef})
	s.notifyBoth(c, "escrow.cancelled", "Contract cancelled by mutual agreement", map[string]string{"txRef": txRef})
	s.logger.Info("contract cancelled mutually", "escrowId", c.ID, "txRef", txRef)
	return r, nil
}

// refundConfirmedDeposits returns each party's confirmed deposit total in
// their expected asset. With withFee set, each refund is charged the 1%
// cancellation fee, which flows to the treasury. A contract with no
// confirmed deposits cancels without a transaction. Caller holds the
// contract lock.
func (s *Service) refundConfirmedDeposits(ctx context.Context, c *Contract, withFee bool, purpose string) (string, error) {
	rows, err := s.deposits.ListByEscrow(ctx, c.ID)
	if err != nil {
		return "", fault.Wrap(fault.External, "list deposits", err)
	}

	totals := map[Party]*big.Int{
		PartyBuyer:  big.NewInt(0),
		PartySeller: big.NewInt(0),
	}
	for _, d := range rows {
		if !d.Confirmed {
			continue
		}
		_, wantAsset := c.expectedDeposit(d.Party)
		if d.Asset != wantAsset {
			continue
		}
		if amt, ok := money.Parse(d.Amount); ok {
			totals[d.Party].Add(totals[d.Party], amt)
		}
	}

	var outputs []chain.Output
	for _, p := range []Party{PartyBuyer, PartySeller} {
		if totals[p].Sign() <= 0 {
			continue
		}
		_, asset := c.expectedDeposit(p)
		addr := c.BuyerAddr
		if p == PartySeller {
			addr = c.SellerAddr
		}
		refund := money.Format(totals[p])
		if withFee {
			split, err := fees.CancellationSplit(refund)
			if err != nil {
				return "", err
			}
			outputs = append(outputs, chain.Output{To: addr, Asset: asset, Amount: split.Net})
			if money.IsPositive(split.Fee) {
				outputs = append(outputs, chain.Output{To: s.treasury, Asset: asset, Amount: split.Fee})
			}
			continue
		}
		outputs = append(outputs, chain.Output{To: addr, Asset: asset, Amount: refund})
	}
	if len(outputs) == 0 {
		return "", nil
	}

	txRef, err := s.transfer(ctx, c, outputs, purpose)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues(purpose, "failed").Inc()
		return "", err
	}
	metrics.SettlementsTotal.WithLabelValues(purpose, "ok").Inc()
	return txRef, nil
}
