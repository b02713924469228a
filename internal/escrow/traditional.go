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

// TraditionalCreateRequest contains the parameters for creating a
// dual-deposit, dual-confirmation contract.
type TraditionalCreateRequest struct {
	BuyerAddr     string `json:"buyerAddr" binding:"required"`
	SellerAddr    string `json:"sellerAddr" binding:"required"`
	BuyerAmount   string `json:"buyerAmount" binding:"required"`
	SellerDeposit string `json:"sellerDeposit" binding:"required"`
	Asset         string `json:"asset" binding:"required"`
	TimeoutHours  int    `json:"timeoutHours"`
}

// CreateTraditional creates a traditional contract: the buyer deposits the
// payment, the seller deposits a security deposit, both must confirm
// completion before release.
func (s *Service) CreateTraditional(ctx context.Context, req TraditionalCreateRequest) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateTraditional")
	defer span.End()

	if errs := validation.Validate(
		validation.Required("buyerAddr", req.BuyerAddr),
		validation.Required("sellerAddr", req.SellerAddr),
		validation.Required("buyerAmount", req.BuyerAmount),
		validation.Required("sellerDeposit", req.SellerDeposit),
		validation.ValidAddress("buyerAddr", req.BuyerAddr),
		validation.ValidAddress("sellerAddr", req.SellerAddr),
		validation.ValidAmount("buyerAmount", req.BuyerAmount),
		validation.ValidAmount("sellerDeposit", req.SellerDeposit),
	); len(errs) > 0 {
		return nil, fault.Wrap(fault.Validation, "invalid create request", errs)
	}
	if req.BuyerAddr == req.SellerAddr {
		return nil, fault.New(fault.Validation, "buyer and seller must be different wallets")
	}
	if !validation.IsValidAsset(req.Asset) {
		return nil, fault.Newf(fault.Validation, "invalid asset %q", req.Asset)
	}

	id := idgen.WithPrefix("esc_")
	wallet, err := s.custody.Generate(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	c := &Contract{
		ID:           id,
		Kind:         KindTraditional,
		BuyerAddr:    req.BuyerAddr,
		SellerAddr:   req.SellerAddr,
		BuyerAmount:  req.BuyerAmount,
		BuyerAsset:   req.Asset,
		SellerAmount: req.SellerDeposit,
		SellerAsset:  req.Asset,
		Status:       StatusCreated,
		EscrowAddr:   wallet.Address,
		EncryptedKey: wallet.Encrypted,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	span.SetAttributes(traces.EscrowID(c.ID), traces.ContractKind(string(c.Kind)))

	if err := s.contracts.Create(ctx, c); err != nil {
		return nil, fault.Wrap(fault.External, "persist contract", err)
	}

	expiresAt, err := s.scheduleTimeout(ctx, c, timeouts.TypeDeposit, req.TimeoutHours)
	if err != nil {
		return nil, err
	}
	c.ExpiresAt = expiresAt
	if err := s.contracts.Update(ctx, c); err != nil {
		return nil, fault.Wrap(fault.External, "persist expiry", err)
	}

	metrics.ContractsTotal.WithLabelValues(string(KindTraditional)).Inc()
	s.record(ctx, c.ID, "", "escrow_created", "traditional contract created", map[string]string{
		"buyerAmount":   req.BuyerAmount,
		"sellerDeposit": req.SellerDeposit,
		"asset":         req.Asset,
	})
	s.notifyBoth(c, "escrow.created", "Escrow contract created, awaiting deposits", nil)
	s.logger.Info("traditional contract created",
		"escrowId", c.ID, "buyer", c.BuyerAddr, "seller", c.SellerAddr, "asset", req.Asset)
	return c, nil
}

// Confirm records one party's completion confirmation. When the
// counterparty has already confirmed, the release settlement runs in the
// same call.
func (s *Service) Confirm(ctx context.Context, escrowID, actor, notes string) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Confirm")
	defer span.End()
	span.SetAttributes(traces.EscrowID(escrowID), traces.Actor(actor))

	lock := s.contractLock(escrowID)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if c.Kind != KindTraditional {
		return nil, fault.Newf(fault.StateConflict, "escrow %s is %s, confirmation applies to traditional contracts", c.ID, c.Kind)
	}
	if err := guardMutable(c); err != nil {
		return nil, err
	}
	if c.Status != StatusFullyFunded {
		return nil, fault.Newf(fault.StateConflict, "escrow %s is %s, expected %s", c.ID, c.Status, StatusFullyFunded)
	}

	role := c.Role(actor)
	if role == "" {
		return nil, fault.New(fault.Authorization, "only the buyer or seller may confirm")
	}
	switch role {
	case PartyBuyer:
		if c.BuyerConfirmed {
			return c, nil // idempotent, no second release event
		}
		c.BuyerConfirmed = true
	case PartySeller:
		if c.SellerConfirmed {
			return c, nil
		}
		c.SellerConfirmed = true
	}
	c.UpdatedAt = time.Now()
	if err := s.contracts.Update(ctx, c); err != nil {
		return nil, fault.Wrap(fault.External, "persist confirmation", err)
	}

	s.record(ctx, c.ID, "", "escrow_confirmed", notes, map[string]string{"role": string(role)})
	s.logger.Info("party confirmed", "escrowId", c.ID, "role", role)

	if c.BuyerConfirmed && c.SellerConfirmed {
		if err := s.releaseTraditional(ctx, c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Release settles a traditional contract. Requires both confirmations;
// normally triggered by the second Confirm, exposed for retry after a
// transient settlement failure.
func (s *Service) Release(ctx context.Context, escrowID string) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release")
	defer span.End()
	span.SetAttributes(traces.EscrowID(escrowID))

	lock := s.contractLock(escrowID)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if c.Kind != KindTraditional {
		return nil, fault.Newf(fault.StateConflict, "escrow %s is %s, release applies to traditional contracts", c.ID, c.Kind)
	}
	if err := guardMutable(c); err != nil {
		return nil, err
	}
	if c.Status != StatusFullyFunded {
		return nil, fault.Newf(fault.StateConflict, "escrow %s is %s, expected %s", c.ID, c.Status, StatusFullyFunded)
	}
	if err := s.releaseTraditional(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// releaseTraditional runs the completion settlement. Caller holds the
// contract lock and has verified status fully_funded.
//
// Payout: platform fee is deducted from the buyer's payment only; the
// seller receives the net payment plus the full security deposit as two
// outputs of one transaction, so fee + net + deposit equals everything the
// wallet holds for the pair.
func (s *Service) releaseTraditional(ctx context.Context, c *Contract) error {
	if !c.BuyerConfirmed || !c.SellerConfirmed {
		return fault.New(fault.StateConflict, "Both parties must confirm before release")
	}

	settle, err := fees.TraditionalCompletion(c.BuyerAmount, c.SellerAmount, s.feePct)
	if err != nil {
		return err
	}

	outputs := []chain.Output{
		{To: c.SellerAddr, Asset: c.BuyerAsset, Amount: settle.Payment.Net},
		{To: c.SellerAddr, Asset: c.SellerAsset, Amount: settle.DepositReturn},
		{To: s.treasury, Asset: c.BuyerAsset, Amount: settle.Payment.Fee},
	}
	txRef, err := s.transfer(ctx, c, outputs, "traditional_release")
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("traditional_release", "failed").Inc()
		return err
	}

	now := time.Now()
	c.Status = StatusCompleted
	c.CompletedAt = &now
	c.UpdatedAt = now
	if err := s.contracts.Update(ctx, c); err != nil {
		// Funds moved but the terminal state did not persist. The
		// reconciliation pass resolves this from the audit trail.
		s.logger.Error("completed state not persisted after settlement",
			"escrowId", c.ID, "txRef", txRef, "error", err)
		return fault.Wrap(fault.External, "persist completion", err)
	}
	s.retireTimeouts(ctx, c.ID, "")

	metrics.SettlementsTotal.WithLabelValues("traditional_release", "ok").Inc()
	s.record(ctx, c.ID, "", "escrow_released", "dual confirmation settlement", map[string]string{
		"txRef":         txRef,
		"sellerNet":     settle.Payment.Net,
		"platformFee":   settle.Payment.Fee,
		"depositReturn": settle.DepositReturn,
	})
	s.notifyBoth(c, "escrow.completed", "Escrow released to seller", map[string]string{"txRef": txRef})
	s.logger.Info("traditional contract released",
		"escrowId", c.ID, "txRef", txRef, "net", settle.Payment.Net, "fee", settle.Payment.Fee)
	return nil
}

// expectedDeposit returns the amount and asset one party must deposit.
func (c *Contract) expectedDeposit(p Party) (amount, asset string) {
	if p == PartyBuyer {
		return c.BuyerAmount, c.BuyerAsset
	}
	return c.SellerAmount, c.SellerAsset
}

// requiresDeposit reports whether a party is expected to fund at all.
// Milestone contracts are buyer-funded only.
func (c *Contract) requiresDeposit(p Party) bool {
	amount, _ := c.expectedDeposit(p)
	return money.IsPositive(amount)
}
