package escrow

import (
	"context"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fault"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/idgen"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/metrics"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/money"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/timeouts"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/traces"
)

// inboundScanLimit bounds how many ledger records one scan inspects per
// escrow wallet.
const inboundScanLimit = 100

// FundingStatus is the deposit read model of one contract.
type FundingStatus struct {
	EscrowID        string     `json:"escrowId"`
	Kind            Kind       `json:"kind"`
	BuyerDeposited  bool       `json:"buyerDeposited"`
	SellerDeposited bool       `json:"sellerDeposited"`
	FullyFunded     bool       `json:"fullyFunded"`
	Deposits        []*Deposit `json:"deposits"`
}

// fullyFunded is the kind-specific predicate over the deposited flags.
// Traditional and atomic swap need both parties; milestone contracts are
// buyer-funded only.
func fullyFunded(kind Kind, buyer, seller bool) bool {
	if kind == KindMilestone {
		return buyer
	}
	return buyer && seller
}

// fundingFlags computes per-party deposited flags from confirmed deposit
// rows: a party is deposited once their confirmed total in the expected
// asset covers the expected amount.
func (s *Service) fundingFlags(ctx context.Context, c *Contract) (*FundingStatus, error) {
	rows, err := s.deposits.ListByEscrow(ctx, c.ID)
	if err != nil {
		return nil, fault.Wrap(fault.External, "list deposits", err)
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

	covered := func(p Party) bool {
		want, _ := c.expectedDeposit(p)
		if !money.IsPositive(want) {
			return false
		}
		wantAmt, _ := money.Parse(want)
		return totals[p].Cmp(wantAmt) >= 0
	}

	buyer := covered(PartyBuyer)
	seller := covered(PartySeller)
	return &FundingStatus{
		EscrowID:        c.ID,
		Kind:            c.Kind,
		BuyerDeposited:  buyer,
		SellerDeposited: seller,
		FullyFunded:     fullyFunded(c.Kind, buyer, seller),
		Deposits:        rows,
	}, nil
}

// MonitorDeposits returns the deposit read model for one contract.
func (s *Service) MonitorDeposits(ctx context.Context, escrowID string) (*FundingStatus, error) {
	c, err := s.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	return s.fundingFlags(ctx, c)
}

// ScanDeposits reads the custodial wallet's inbound transfers and records
// any not yet attributed. Idempotent: a transfer is keyed by its ledger
// reference, so re-scanning an unchanged wallet records nothing.
func (s *Service) ScanDeposits(ctx context.Context, escrowID string) (int, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ScanDeposits")
	defer span.End()
	span.SetAttributes(traces.EscrowID(escrowID))

	c, err := s.Get(ctx, escrowID)
	if err != nil {
		return 0, err
	}

	callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	records, err := s.chain.Inbound(callCtx, c.EscrowAddr, inboundScanLimit)
	if err != nil {
		return 0, fault.Wrap(fault.External, "read inbound transfers", err)
	}

	detected := 0
	for _, rec := range records {
		party := c.Role(rec.From)
		if party == "" || !c.requiresDeposit(party) {
			continue
		}
		_, wantAsset := c.expectedDeposit(party)
		if rec.Asset != wantAsset {
			continue
		}
		existing, err := s.deposits.GetByTxRef(ctx, c.ID, rec.TxRef)
		if err != nil {
			return detected, fault.Wrap(fault.External, "lookup deposit", err)
		}
		if existing != nil {
			continue
		}
		d := &Deposit{
			ID:         idgen.WithPrefix("dep_"),
			EscrowID:   c.ID,
			Party:      party,
			Amount:     rec.Amount,
			Asset:      rec.Asset,
			TxRef:      rec.TxRef,
			Confirmed:  true,
			DetectedAt: time.Now(),
		}
		if err := s.deposits.Create(ctx, d); err != nil {
			return detected, fault.Wrap(fault.External, "persist deposit", err)
		}
		detected++
		metrics.DepositsDetectedTotal.WithLabelValues(string(party)).Inc()
		s.record(ctx, c.ID, "", "deposit_detected", "", map[string]string{
			"party":  string(party),
			"amount": rec.Amount,
			"asset":  rec.Asset,
			"txRef":  rec.TxRef,
		})
		s.logger.Info("deposit detected",
			"escrowId", c.ID, "party", party, "amount", rec.Amount, "asset", rec.Asset)
	}
	return detected, nil
}

// CheckAndUpdateFundingStatus advances a contract to fully_funded when
// the kind-specific predicate holds. Idempotent: a contract already at or
// past fully_funded is returned unchanged.
func (s *Service) CheckAndUpdateFundingStatus(ctx context.Context, escrowID string) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CheckAndUpdateFundingStatus")
	defer span.End()
	span.SetAttributes(traces.EscrowID(escrowID))

	lock := s.contractLock(escrowID)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	flags, err := s.fundingFlags(ctx, c)
	if err != nil {
		return nil, err
	}
	// Deposited flags track observation even before the predicate holds.
	changed := c.BuyerDeposited != flags.BuyerDeposited || c.SellerDeposited != flags.SellerDeposited
	c.BuyerDeposited = flags.BuyerDeposited
	c.SellerDeposited = flags.SellerDeposited

	if c.Status != StatusCreated || !flags.FullyFunded {
		if changed {
			c.UpdatedAt = time.Now()
			if err := s.contracts.Update(ctx, c); err != nil {
				return nil, fault.Wrap(fault.External, "persist deposit flags", err)
			}
		}
		return c, nil
	}

	now := time.Now()
	c.Status = StatusFullyFunded
	c.FundedAt = &now
	c.UpdatedAt = now
	if err := s.contracts.Update(ctx, c); err != nil {
		return nil, fault.Wrap(fault.External, "persist funding", err)
	}

	s.retireTimeouts(ctx, c.ID, timeouts.TypeDeposit)
	switch c.Kind {
	case KindTraditional:
		if _, err := s.scheduleTimeout(ctx, c, timeouts.TypeConfirmation, 0); err != nil {
			s.logger.Error("schedule confirmation timeout failed", "escrowId", c.ID, "error", err)
		}
	case KindMilestone:
		if _, err := s.scheduleTimeout(ctx, c, timeouts.TypeMilestone, 0); err != nil {
			s.logger.Error("schedule milestone timeout failed", "escrowId", c.ID, "error", err)
		}
	}
	// Atomic swaps keep their original swap deadline.

	s.record(ctx, c.ID, "", "escrow_fully_funded", "", nil)
	s.notifyBoth(c, "escrow.fully_funded", "All required deposits received", nil)
	s.logger.Info("contract fully funded", "escrowId", c.ID, "kind", c.Kind)
	return c, nil
}

// DepositMonitor periodically scans unfunded contracts for inbound
// deposits and advances their funding status.
type DepositMonitor struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewDepositMonitor creates a deposit monitor.
func NewDepositMonitor(svc *Service, interval time.Duration, logger *slog.Logger) *DepositMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &DepositMonitor{
		svc:      svc,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the scan loop. Call in a goroutine.
func (m *DepositMonitor) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	defer m.running.Store(false)
	m.logger.Info("deposit monitor started", "interval", m.interval)

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

// Stop halts the scan loop.
func (m *DepositMonitor) Stop() {
	close(m.stop)
}

func (m *DepositMonitor) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("deposit scan panicked", "panic", r)
		}
	}()
	m.Scan(ctx)
}

// Scan runs one cycle over every contract still awaiting deposits.
// Re-running with no ledger change produces zero additional transitions.
func (m *DepositMonitor) Scan(ctx context.Context) (checked, funded int) {
	pending, err := m.svc.contracts.ListByStatus(ctx, StatusCreated, 0)
	if err != nil {
		m.logger.Error("list unfunded contracts failed", "error", err)
		return 0, 0
	}
	for _, c := range pending {
		checked++
		if _, err := m.svc.ScanDeposits(ctx, c.ID); err != nil {
			m.logger.Error("deposit scan failed", "escrowId", c.ID, "error", err)
			continue
		}
		updated, err := m.svc.CheckAndUpdateFundingStatus(ctx, c.ID)
		if err != nil {
			m.logger.Error("funding check failed", "escrowId", c.ID, "error", err)
			continue
		}
		if updated.Status == StatusFullyFunded {
			funded++
		}
	}
	if checked > 0 {
		m.logger.Debug("deposit scan complete", "checked", checked, "funded", funded)
	}
	return checked, funded
}
