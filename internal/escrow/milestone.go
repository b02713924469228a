package escrow

import (
	"context"
	"math"
	"math/big"
	"strconv"
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

// MaxMilestones bounds the milestone list of one contract.
const MaxMilestones = 20

// MilestoneInput is one entry of a milestone contract's plan.
type MilestoneInput struct {
	Description string  `json:"description" binding:"required"`
	Percentage  float64 `json:"percentage" binding:"required"`
}

// MilestoneCreateRequest contains the parameters for creating a
// buyer-funded milestone contract.
type MilestoneCreateRequest struct {
	BuyerAddr    string           `json:"buyerAddr" binding:"required"`
	SellerAddr   string           `json:"sellerAddr" binding:"required"`
	TotalAmount  string           `json:"totalAmount" binding:"required"`
	Asset        string           `json:"asset" binding:"required"`
	Milestones   []MilestoneInput `json:"milestones" binding:"required"`
	TimeoutHours int              `json:"timeoutHours"`
}

// ValidateMilestones checks a milestone plan: non-empty, at most
// MaxMilestones entries, every description set, every percentage in
// (0, 100], percentages summing to exactly 100. Returns a non-fatal
// warning for a single-milestone plan.
func ValidateMilestones(list []MilestoneInput) (warning string, err error) {
	if len(list) == 0 {
		return "", fault.New(fault.Validation, "at least one milestone is required")
	}
	if len(list) > MaxMilestones {
		return "", fault.Newf(fault.Validation, "at most %d milestones are allowed, got %d", MaxMilestones, len(list))
	}
	sum := 0.0
	for i, m := range list {
		if m.Description == "" {
			return "", fault.Newf(fault.Validation, "milestone %d has no description", i+1)
		}
		if m.Percentage <= 0 || m.Percentage > 100 {
			return "", fault.Newf(fault.Validation, "milestone %d percentage must be in (0, 100], got %g", i+1, m.Percentage)
		}
		sum += m.Percentage
	}
	if math.Abs(sum-100) > 1e-9 {
		return "", fault.Newf(fault.Validation, "milestone percentages must sum to 100, got %g", sum)
	}
	if len(list) == 1 {
		warning = "single-milestone contract, consider a traditional escrow instead"
	}
	return warning, nil
}

// calculateMilestoneAmounts assigns order 1..N and per-milestone amounts.
// Each amount is total*pct/100 rounded down; the final milestone absorbs
// the rounding remainder so the amounts sum exactly to the total.
func calculateMilestoneAmounts(escrowID, total string, list []MilestoneInput) ([]*Milestone, error) {
	gross, ok := money.Parse(total)
	if !ok || gross.Sign() <= 0 {
		return nil, fault.Newf(fault.Validation, "invalid total amount %q", total)
	}

	ms := make([]*Milestone, 0, len(list))
	remaining := new(big.Int).Set(gross)
	for i, in := range list {
		var amt *big.Int
		if i == len(list)-1 {
			amt = remaining
		} else {
			bps := int64(math.Round(in.Percentage * 100_000))
			amt = new(big.Int).Mul(gross, big.NewInt(bps))
			amt.Quo(amt, big.NewInt(10_000_000))
			remaining = new(big.Int).Sub(remaining, amt)
		}
		ms = append(ms, &Milestone{
			ID:          idgen.WithPrefix("mls_"),
			EscrowID:    escrowID,
			Order:       i + 1,
			Description: in.Description,
			Percentage:  in.Percentage,
			Amount:      money.Format(amt),
			Status:      MilestonePending,
		})
	}
	return ms, nil
}

// CreateMilestoneContract creates a milestone contract. Only the buyer
// funds it; the seller earns releases by sequential milestone approval.
func (s *Service) CreateMilestoneContract(ctx context.Context, req MilestoneCreateRequest) (*Contract, []*Milestone, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateMilestoneContract")
	defer span.End()

	if errs := validation.Validate(
		validation.Required("buyerAddr", req.BuyerAddr),
		validation.Required("sellerAddr", req.SellerAddr),
		validation.Required("totalAmount", req.TotalAmount),
		validation.ValidAddress("buyerAddr", req.BuyerAddr),
		validation.ValidAddress("sellerAddr", req.SellerAddr),
		validation.ValidAmount("totalAmount", req.TotalAmount),
	); len(errs) > 0 {
		return nil, nil, fault.Wrap(fault.Validation, "invalid create request", errs)
	}
	if req.BuyerAddr == req.SellerAddr {
		return nil, nil, fault.New(fault.Validation, "buyer and seller must be different wallets")
	}
	if !validation.IsValidAsset(req.Asset) {
		return nil, nil, fault.Newf(fault.Validation, "invalid asset %q", req.Asset)
	}
	warning, err := ValidateMilestones(req.Milestones)
	if err != nil {
		return nil, nil, err
	}
	if warning != "" {
		s.logger.Warn("milestone plan warning", "warning", warning, "buyer", req.BuyerAddr)
	}

	id := idgen.WithPrefix("esc_")
	ms, err := calculateMilestoneAmounts(id, req.TotalAmount, req.Milestones)
	if err != nil {
		return nil, nil, err
	}

	wallet, err := s.custody.Generate(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	c := &Contract{
		ID:           id,
		Kind:         KindMilestone,
		BuyerAddr:    req.BuyerAddr,
		SellerAddr:   req.SellerAddr,
		BuyerAmount:  req.TotalAmount,
		BuyerAsset:   req.Asset,
		SellerAmount: "0",
		SellerAsset:  req.Asset,
		Status:       StatusCreated,
		EscrowAddr:   wallet.Address,
		EncryptedKey: wallet.Encrypted,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	span.SetAttributes(traces.EscrowID(c.ID), traces.ContractKind(string(c.Kind)))

	if err := s.contracts.Create(ctx, c); err != nil {
		return nil, nil, fault.Wrap(fault.External, "persist contract", err)
	}
	if err := s.milestones.CreateBatch(ctx, ms); err != nil {
		return nil, nil, fault.Wrap(fault.External, "persist milestones", err)
	}

	expiresAt, err := s.scheduleTimeout(ctx, c, timeouts.TypeDeposit, req.TimeoutHours)
	if err != nil {
		return nil, nil, err
	}
	c.ExpiresAt = expiresAt
	if err := s.contracts.Update(ctx, c); err != nil {
		return nil, nil, fault.Wrap(fault.External, "persist expiry", err)
	}

	metrics.ContractsTotal.WithLabelValues(string(KindMilestone)).Inc()
	s.record(ctx, c.ID, "", "escrow_created", "milestone contract created", map[string]string{
		"totalAmount": req.TotalAmount,
		"asset":       req.Asset,
		"milestones":  strconv.Itoa(len(ms)),
	})
	s.notifyBoth(c, "escrow.created", "Milestone contract created, awaiting buyer deposit", nil)
	s.logger.Info("milestone contract created",
		"escrowId", c.ID, "milestones", len(ms), "total", req.TotalAmount)
	return c, ms, nil
}

// priorReleased reports whether every milestone ordered before target is
// released. ms must cover the whole contract.
func priorReleased(ms []*Milestone, target *Milestone) bool {
	for _, m := range ms {
		if m.Order < target.Order && m.Status != MilestoneReleased {
			return false
		}
	}
	return true
}

// getMilestone loads a milestone and its parent contract.
func (s *Service) getMilestone(ctx context.Context, milestoneID string) (*Milestone, *Contract, error) {
	m, err := s.milestones.Get(ctx, milestoneID)
	if err != nil {
		return nil, nil, err
	}
	if m == nil {
		return nil, nil, fault.Newf(fault.NotFound, "milestone %s not found", milestoneID)
	}
	c, err := s.Get(ctx, m.EscrowID)
	if err != nil {
		return nil, nil, err
	}
	return m, c, nil
}

// SubmitWork records the seller's deliverable for one milestone.
func (s *Service) SubmitWork(ctx context.Context, milestoneID, actor, notes string, evidence []string) (*Milestone, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.SubmitWork")
	defer span.End()
	span.SetAttributes(traces.MilestoneID(milestoneID), traces.Actor(actor))

	m, c, err := s.getMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}

	lock := s.contractLock(c.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock so a racing mutation cannot also win.
	m, c, err = s.getMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if err := guardMutable(c); err != nil {
		return nil, err
	}
	if c.Status != StatusFullyFunded {
		return nil, fault.Newf(fault.StateConflict, "escrow %s is %s, expected %s", c.ID, c.Status, StatusFullyFunded)
	}
	if actor != c.SellerAddr {
		return nil, fault.New(fault.Authorization, "only the seller may submit work")
	}
	if m.Status != MilestonePending {
		return nil, fault.Newf(fault.StateConflict, "milestone %d is %s, expected %s", m.Order, m.Status, MilestonePending)
	}

	all, err := s.milestones.ListByEscrow(ctx, c.ID)
	if err != nil {
		return nil, fault.Wrap(fault.External, "list milestones", err)
	}
	if !priorReleased(all, m) {
		return nil, fault.New(fault.StateConflict, "Previous milestones must be completed")
	}

	now := time.Now()
	m.Status = MilestoneWorkSubmitted
	m.SubmissionNotes = validation.SanitizeString(notes, validation.MaxNotesLength)
	m.EvidenceURIs = evidence
	m.SubmittedAt = &now
	if err := s.milestones.Update(ctx, m); err != nil {
		return nil, fault.Wrap(fault.External, "persist submission", err)
	}

	s.record(ctx, c.ID, m.ID, "milestone_work_submitted", m.SubmissionNotes, map[string]string{
		"order": orderLabel(m.Order),
	})
	s.notifyParty(c.BuyerAddr, "milestone.work_submitted", c.ID,
		"Seller submitted work for a milestone", map[string]string{"milestoneId": m.ID})
	s.logger.Info("milestone work submitted", "escrowId", c.ID, "milestoneId", m.ID, "order", m.Order)
	return m, nil
}

// Approve records the buyer's acceptance of submitted work and runs the
// milestone release settlement.
func (s *Service) Approve(ctx context.Context, milestoneID, actor, notes string) (*Milestone, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Approve")
	defer span.End()
	span.SetAttributes(traces.MilestoneID(milestoneID), traces.Actor(actor))

	m, c, err := s.getMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}

	lock := s.contractLock(c.ID)
	lock.Lock()
	defer lock.Unlock()

	m, c, err = s.getMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if err := guardMutable(c); err != nil {
		return nil, err
	}
	if c.Status != StatusFullyFunded {
		return nil, fault.Newf(fault.StateConflict, "escrow %s is %s, expected %s", c.ID, c.Status, StatusFullyFunded)
	}
	if actor != c.BuyerAddr {
		return nil, fault.New(fault.Authorization, "only the buyer may approve work")
	}
	if m.Status != MilestoneWorkSubmitted {
		return nil, fault.Newf(fault.StateConflict, "milestone %d is %s, expected %s", m.Order, m.Status, MilestoneWorkSubmitted)
	}

	all, err := s.milestones.ListByEscrow(ctx, c.ID)
	if err != nil {
		return nil, fault.Wrap(fault.External, "list milestones", err)
	}
	if !priorReleased(all, m) {
		return nil, fault.New(fault.StateConflict, "Previous milestones must be completed")
	}

	// Persist the approval before touching funds so a broadcast failure
	// leaves a retryable approved milestone, never a lost approval.
	now := time.Now()
	m.Status = MilestoneApproved
	m.ApprovalNotes = validation.SanitizeString(notes, validation.MaxNotesLength)
	m.ApprovedAt = &now
	if err := s.milestones.Update(ctx, m); err != nil {
		return nil, fault.Wrap(fault.External, "persist approval", err)
	}
	s.record(ctx, c.ID, m.ID, "milestone_approved", m.ApprovalNotes, map[string]string{
		"order": orderLabel(m.Order),
	})

	if err := s.releaseMilestone(ctx, c, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ReleaseApproved retries the settlement of a milestone stuck in approved
// after a transient failure.
func (s *Service) ReleaseApproved(ctx context.Context, milestoneID string) (*Milestone, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReleaseApproved")
	defer span.End()
	span.SetAttributes(traces.MilestoneID(milestoneID))

	m, c, err := s.getMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}

	lock := s.contractLock(c.ID)
	lock.Lock()
	defer lock.Unlock()

	m, c, err = s.getMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if err := guardMutable(c); err != nil {
		return nil, err
	}
	if m.Status != MilestoneApproved {
		return nil, fault.Newf(fault.StateConflict, "milestone %d is %s, expected %s", m.Order, m.Status, MilestoneApproved)
	}
	if err := s.releaseMilestone(ctx, c, m); err != nil {
		return nil, err
	}
	return m, nil
}

// releaseMilestone settles one approved milestone: net amount to the
// seller, platform fee to the treasury. Marks the contract completed once
// every milestone is released. Caller holds the contract lock.
func (s *Service) releaseMilestone(ctx context.Context, c *Contract, m *Milestone) error {
	split, err := fees.PlatformSplit(m.Amount, s.feePct)
	if err != nil {
		return err
	}

	outputs := []chain.Output{
		{To: c.SellerAddr, Asset: c.BuyerAsset, Amount: split.Net},
		{To: s.treasury, Asset: c.BuyerAsset, Amount: split.Fee},
	}
	txRef, err := s.transfer(ctx, c, outputs, "milestone_release")
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("milestone_release", "failed").Inc()
		return err
	}

	now := time.Now()
	m.Status = MilestoneReleased
	m.ReleaseTxRef = txRef
	m.ReleasedAt = &now
	if err := s.milestones.Update(ctx, m); err != nil {
		s.logger.Error("released state not persisted after settlement",
			"milestoneId", m.ID, "txRef", txRef, "error", err)
		return fault.Wrap(fault.External, "persist release", err)
	}

	metrics.SettlementsTotal.WithLabelValues("milestone_release", "ok").Inc()
	s.record(ctx, c.ID, m.ID, "milestone_released", "", map[string]string{
		"txRef":       txRef,
		"sellerNet":   split.Net,
		"platformFee": split.Fee,
	})
	s.notifyParty(c.SellerAddr, "milestone.released", c.ID,
		"Milestone funds released", map[string]string{"milestoneId": m.ID, "txRef": txRef})
	s.logger.Info("milestone released",
		"escrowId", c.ID, "milestoneId", m.ID, "order", m.Order, "txRef", txRef)

	all, err := s.milestones.ListByEscrow(ctx, c.ID)
	if err != nil {
		return fault.Wrap(fault.External, "list milestones", err)
	}
	for _, other := range all {
		if other.Status != MilestoneReleased {
			return nil
		}
	}

	c.Status = StatusCompleted
	c.CompletedAt = &now
	c.UpdatedAt = now
	if err := s.contracts.Update(ctx, c); err != nil {
		return fault.Wrap(fault.External, "persist completion", err)
	}
	s.retireTimeouts(ctx, c.ID, "")
	s.record(ctx, c.ID, "", "escrow_completed", "all milestones released", nil)
	s.notifyBoth(c, "escrow.completed", "All milestones released, contract completed", nil)
	s.logger.Info("milestone contract completed", "escrowId", c.ID)
	return nil
}

func orderLabel(order int) string {
	return strconv.Itoa(order)
}
