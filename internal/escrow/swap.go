package escrow

import (
	"context"
	"time"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/chain"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fault"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fees"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/idgen"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/metrics"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/timeouts"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/traces"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/validation"
)

// SwapAsset is one side of an atomic swap.
type SwapAsset struct {
	Token  string `json:"token" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

// SwapCreateRequest contains the parameters for creating a two-asset
// atomic swap.
type SwapCreateRequest struct {
	PartyA       string    `json:"partyA" binding:"required"`
	PartyB       string    `json:"partyB" binding:"required"`
	AssetA       SwapAsset `json:"assetA" binding:"required"`
	AssetB       SwapAsset `json:"assetB" binding:"required"`
	TimeoutHours int       `json:"timeoutHours"`
}

// SwapDepositStatus aggregates both parties' funding state and the
// readiness predicate for execution.
type SwapDepositStatus struct {
	PartyADeposited bool `json:"partyADeposited"`
	PartyBDeposited bool `json:"partyBDeposited"`
	ReadyForSwap    bool `json:"readyForSwap"`
}

// CreateSwap creates an atomic swap contract. PartyA maps onto the buyer
// slot of the envelope, partyB onto the seller slot.
func (s *Service) CreateSwap(ctx context.Context, req SwapCreateRequest) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateSwap")
	defer span.End()

	if errs := validation.Validate(
		validation.Required("partyA", req.PartyA),
		validation.Required("partyB", req.PartyB),
		validation.Required("assetA.amount", req.AssetA.Amount),
		validation.Required("assetB.amount", req.AssetB.Amount),
		validation.ValidAddress("partyA", req.PartyA),
		validation.ValidAddress("partyB", req.PartyB),
		validation.ValidAmount("assetA.amount", req.AssetA.Amount),
		validation.ValidAmount("assetB.amount", req.AssetB.Amount),
	); len(errs) > 0 {
		return nil, fault.Wrap(fault.Validation, "invalid create request", errs)
	}
	if req.PartyA == req.PartyB {
		return nil, fault.New(fault.Validation, "swap parties must be different wallets")
	}
	if !validation.IsValidAsset(req.AssetA.Token) || !validation.IsValidAsset(req.AssetB.Token) {
		return nil, fault.New(fault.Validation, "both swap assets must name a valid token")
	}

	id := idgen.WithPrefix("esc_")
	wallet, err := s.custody.Generate(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	c := &Contract{
		ID:           id,
		Kind:         KindAtomicSwap,
		BuyerAddr:    req.PartyA,
		SellerAddr:   req.PartyB,
		BuyerAmount:  req.AssetA.Amount,
		BuyerAsset:   req.AssetA.Token,
		SellerAmount: req.AssetB.Amount,
		SellerAsset:  req.AssetB.Token,
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

	// One swap deadline governs the whole exchange: deposits and
	// execution must both happen before it.
	expiresAt, err := s.scheduleTimeout(ctx, c, timeouts.TypeSwap, req.TimeoutHours)
	if err != nil {
		return nil, err
	}
	c.ExpiresAt = expiresAt
	if err := s.contracts.Update(ctx, c); err != nil {
		return nil, fault.Wrap(fault.External, "persist expiry", err)
	}

	metrics.ContractsTotal.WithLabelValues(string(KindAtomicSwap)).Inc()
	s.record(ctx, c.ID, "", "escrow_created", "atomic swap created", map[string]string{
		"assetA":  req.AssetA.Token,
		"amountA": req.AssetA.Amount,
		"assetB":  req.AssetB.Token,
		"amountB": req.AssetB.Amount,
	})
	s.notifyBoth(c, "swap.created", "Atomic swap created, awaiting both deposits", nil)
	s.logger.Info("atomic swap created",
		"escrowId", c.ID, "assetA", req.AssetA.Token, "assetB", req.AssetB.Token)
	return c, nil
}

// MonitorPartyDeposit reports whether one party's confirmed deposits cover
// their expected swap amount.
func (s *Service) MonitorPartyDeposit(ctx context.Context, escrowID string, party Party) (bool, error) {
	c, err := s.Get(ctx, escrowID)
	if err != nil {
		return false, err
	}
	if c.Kind != KindAtomicSwap {
		return false, fault.Newf(fault.StateConflict, "escrow %s is %s, expected %s", c.ID, c.Kind, KindAtomicSwap)
	}
	status, err := s.fundingFlags(ctx, c)
	if err != nil {
		return false, err
	}
	if party == PartyBuyer {
		return status.BuyerDeposited, nil
	}
	return status.SellerDeposited, nil
}

// DetectBothDeposits aggregates both party deposit states. ReadyForSwap
// is true iff both deposited, the swap has not executed, the contract is
// neither disputed nor cancelled, and the deadline has not passed.
func (s *Service) DetectBothDeposits(ctx context.Context, escrowID string) (*SwapDepositStatus, error) {
	c, err := s.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if c.Kind != KindAtomicSwap {
		return nil, fault.Newf(fault.StateConflict, "escrow %s is %s, expected %s", c.ID, c.Kind, KindAtomicSwap)
	}
	flags, err := s.fundingFlags(ctx, c)
	if err != nil {
		return nil, err
	}
	both := flags.BuyerDeposited && flags.SellerDeposited
	ready := both &&
		!c.SwapExecuted &&
		c.Status != StatusDisputed && c.Status != StatusCancelled &&
		time.Now().Before(c.ExpiresAt)
	return &SwapDepositStatus{
		PartyADeposited: flags.BuyerDeposited,
		PartyBDeposited: flags.SellerDeposited,
		ReadyForSwap:    ready,
	}, nil
}

// ExecuteSwap cross-transfers each party's asset to the other, net of
// that party's platform fee, in one transaction.
func (s *Service) ExecuteSwap(ctx context.Context, escrowID string) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ExecuteSwap")
	defer span.End()
	span.SetAttributes(traces.EscrowID(escrowID))

	lock := s.contractLock(escrowID)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if c.Kind != KindAtomicSwap {
		return nil, fault.Newf(fault.StateConflict, "escrow %s is %s, expected %s", c.ID, c.Kind, KindAtomicSwap)
	}
	if err := guardMutable(c); err != nil {
		return nil, err
	}
	if c.SwapExecuted {
		return nil, fault.Newf(fault.StateConflict, "swap %s already executed", c.ID)
	}
	if !c.BuyerDeposited || !c.SellerDeposited {
		return nil, fault.New(fault.StateConflict, "both parties must deposit before the swap executes")
	}
	if err := s.executeSwap(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// executeSwap runs the exchange settlement. Caller holds the contract
// lock and has verified both deposits.
func (s *Service) executeSwap(ctx context.Context, c *Contract) error {
	settle, err := fees.SwapCompletion(c.BuyerAmount, c.SellerAmount, s.feePct)
	if err != nil {
		return err
	}

	// Party A's asset flows to party B net of A's fee, and vice versa.
	outputs := []chain.Output{
		{To: c.SellerAddr, Asset: c.BuyerAsset, Amount: settle.PartyA.Net},
		{To: c.BuyerAddr, Asset: c.SellerAsset, Amount: settle.PartyB.Net},
		{To: s.treasury, Asset: c.BuyerAsset, Amount: settle.PartyA.Fee},
		{To: s.treasury, Asset: c.SellerAsset, Amount: settle.PartyB.Fee},
	}
	txRef, err := s.transfer(ctx, c, outputs, "swap_execute")
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("swap_execute", "failed").Inc()
		return err
	}

	now := time.Now()
	c.SwapExecuted = true
	c.Status = StatusCompleted
	c.CompletedAt = &now
	c.UpdatedAt = now
	if err := s.contracts.Update(ctx, c); err != nil {
		s.logger.Error("completed state not persisted after swap",
			"escrowId", c.ID, "txRef", txRef, "error", err)
		return fault.Wrap(fault.External, "persist completion", err)
	}
	s.retireTimeouts(ctx, c.ID, "")

	metrics.SettlementsTotal.WithLabelValues("swap_execute", "ok").Inc()
	s.record(ctx, c.ID, "", "swap_executed", "", map[string]string{
		"txRef": txRef,
		"netA":  settle.PartyA.Net,
		"netB":  settle.PartyB.Net,
		"feeA":  settle.PartyA.Fee,
		"feeB":  settle.PartyB.Fee,
	})
	s.notifyBoth(c, "swap.executed", "Atomic swap executed", map[string]string{"txRef": txRef})
	s.logger.Info("atomic swap executed", "escrowId", c.ID, "txRef", txRef)
	return nil
}

// handleSwapExpiry resolves an expired swap from deposit state alone.
// Neither deposited: cancel with no transfers. Exactly one deposited:
// refund that party in full. Both deposited: execute anyway, since
// deposit completeness supersedes the deadline. Caller holds the lock.
func (s *Service) handleSwapExpiry(ctx context.Context, c *Contract) (string, error) {
	switch {
	case c.BuyerDeposited && c.SellerDeposited:
		if err := s.executeSwap(ctx, c); err != nil {
			return "", err
		}
		return "executed", nil

	case !c.BuyerDeposited && !c.SellerDeposited:
		now := time.Now()
		c.Status = StatusCancelled
		c.UpdatedAt = now
		if err := s.contracts.Update(ctx, c); err != nil {
			return "", fault.Wrap(fault.External, "persist cancellation", err)
		}
		s.record(ctx, c.ID, "", "swap_expired", "no deposits received", nil)
		s.notifyBoth(c, "swap.cancelled", "Swap expired with no deposits", nil)
		s.logger.Info("swap cancelled on expiry", "escrowId", c.ID)
		return "cancelled", nil

	default:
		var addr, amount, asset string
		if c.BuyerDeposited {
			addr, amount, asset = c.BuyerAddr, c.BuyerAmount, c.BuyerAsset
		} else {
			addr, amount, asset = c.SellerAddr, c.SellerAmount, c.SellerAsset
		}
		// Full refund, no fee: the party did nothing wrong.
		txRef, err := s.transfer(ctx, c, []chain.Output{
			{To: addr, Asset: asset, Amount: amount},
		}, "swap_refund")
		if err != nil {
			metrics.SettlementsTotal.WithLabelValues("swap_refund", "failed").Inc()
			return "", err
		}
		now := time.Now()
		c.Status = StatusRefunded
		c.UpdatedAt = now
		if err := s.contracts.Update(ctx, c); err != nil {
			return "", fault.Wrap(fault.External, "persist refund", err)
		}
		metrics.SettlementsTotal.WithLabelValues("swap_refund", "ok").Inc()
		s.record(ctx, c.ID, "", "swap_refunded", "single-sided deposit refunded on expiry", map[string]string{
			"txRef":  txRef,
			"refund": amount,
			"asset":  asset,
		})
		s.notifyParty(addr, "swap.refunded", c.ID, "Swap expired, your deposit was refunded",
			map[string]string{"txRef": txRef})
		s.logger.Info("swap refunded on expiry", "escrowId", c.ID, "txRef", txRef)
		return "refunded", nil
	}
}
