// Package escrow implements the settlement engine: custodial contracts
// holding party funds under one of three arrangements, released, refunded,
// or split according to agreement, evidence, deadlines, or admin ruling.
//
// Flow:
//  1. A party creates a contract → custodial wallet generated, deposits awaited
//  2. Deposit monitor observes inbound transfers → contract becomes fully_funded
//  3. Kind-specific progression (confirmations, milestones, swap readiness)
//  4. Settlement paths move funds via the transaction signer and record the
//     terminal state only after ledger confirmation
//  5. Disputes freeze automatic release; cancellation refunds deposits
package escrow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/audit"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/chain"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/custody"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fault"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fees"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/notify"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/timeouts"
)

// Kind discriminates the three contract arrangements.
type Kind string

const (
	KindTraditional Kind = "traditional"
	KindMilestone   Kind = "milestone"
	KindAtomicSwap  Kind = "atomic_swap"
)

// Status represents the state of a contract.
type Status string

const (
	StatusCreated     Status = "created"      // awaiting deposits
	StatusFullyFunded Status = "fully_funded" // kind-specific predicate satisfied
	StatusDisputed    Status = "disputed"     // frozen pending admin resolution
	StatusCompleted   Status = "completed"    // settled to recipients
	StatusCancelled   Status = "cancelled"    // mutual or unilateral cancellation
	StatusRefunded    Status = "refunded"     // deposits returned on expiry or ruling
)

// IsTerminal reports whether the contract is in a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Party identifies which side of a contract an address plays.
type Party string

const (
	PartyBuyer  Party = "buyer"  // buyer / partyA
	PartySeller Party = "seller" // seller / partyB
)

// Contract is the shared envelope of all three kinds. Buyer/Seller double
// as partyA/partyB for atomic swaps. SellerAmount is the seller security
// deposit for traditional contracts, the partyB swap amount for swaps, and
// zero for milestone contracts.
type Contract struct {
	ID           string `json:"id"`
	Kind         Kind   `json:"kind"`
	BuyerAddr    string `json:"buyerAddr"`
	SellerAddr   string `json:"sellerAddr"`
	BuyerAmount  string `json:"buyerAmount"`
	BuyerAsset   string `json:"buyerAsset"`
	SellerAmount string `json:"sellerAmount"`
	SellerAsset  string `json:"sellerAsset"`
	Status       Status `json:"status"`

	// Custodial wallet. EncryptedKey never leaves the custody manager
	// unencrypted.
	EscrowAddr   string `json:"escrowAddr"`
	EncryptedKey string `json:"-"`

	BuyerDeposited  bool `json:"buyerDeposited"`
	SellerDeposited bool `json:"sellerDeposited"`

	// Traditional only.
	BuyerConfirmed  bool `json:"buyerConfirmed,omitempty"`
	SellerConfirmed bool `json:"sellerConfirmed,omitempty"`

	// Atomic swap only.
	SwapExecuted bool `json:"swapExecuted,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	FundedAt    *time.Time `json:"fundedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ExpiresAt   time.Time  `json:"expiresAt"`
}

// Role returns the party played by addr, or "" if addr is neither side.
func (c *Contract) Role(addr string) Party {
	switch addr {
	case c.BuyerAddr:
		return PartyBuyer
	case c.SellerAddr:
		return PartySeller
	}
	return ""
}

// MilestoneStatus represents the state of one milestone.
type MilestoneStatus string

const (
	MilestonePending       MilestoneStatus = "pending"
	MilestoneWorkSubmitted MilestoneStatus = "work_submitted"
	MilestoneApproved      MilestoneStatus = "approved"
	MilestoneReleased      MilestoneStatus = "released"
	MilestoneDisputed      MilestoneStatus = "disputed"
)

// Milestone is a percentage-weighted sub-deliverable of a milestone
// contract. Order is 1..N, immutable, strictly sequential.
type Milestone struct {
	ID          string          `json:"id"`
	EscrowID    string          `json:"escrowId"`
	Order       int             `json:"order"`
	Description string          `json:"description"`
	Percentage  float64         `json:"percentage"`
	Amount      string          `json:"amount"`
	Status      MilestoneStatus `json:"status"`

	SubmissionNotes string     `json:"submissionNotes,omitempty"`
	EvidenceURIs    []string   `json:"evidenceUris,omitempty"`
	SubmittedAt     *time.Time `json:"submittedAt,omitempty"`

	ApprovalNotes string     `json:"approvalNotes,omitempty"`
	ApprovedAt    *time.Time `json:"approvedAt,omitempty"`

	ReleaseTxRef string     `json:"releaseTxRef,omitempty"`
	ReleasedAt   *time.Time `json:"releasedAt,omitempty"`
}

// Deposit is one confirmed (or observed) inbound transfer attributed to a
// contract party.
type Deposit struct {
	ID         string    `json:"id"`
	EscrowID   string    `json:"escrowId"`
	Party      Party     `json:"party"`
	Amount     string    `json:"amount"`
	Asset      string    `json:"asset"`
	TxRef      string    `json:"txRef"`
	Confirmed  bool      `json:"confirmed"`
	DetectedAt time.Time `json:"detectedAt"`
}

// DisputeStatus represents the state of a dispute.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Dispute freezes a contract (or one milestone) pending admin resolution.
type Dispute struct {
	ID          string        `json:"id"`
	EscrowID    string        `json:"escrowId"`
	MilestoneID string        `json:"milestoneId,omitempty"`
	RaisedBy    string        `json:"raisedBy"`
	RaisedRole  Party         `json:"raisedRole"`
	Reason      string        `json:"reason"`
	Status      DisputeStatus `json:"status"`

	Decision        string     `json:"decision,omitempty"` // "release" or "refund"
	ResolutionNotes string     `json:"resolutionNotes,omitempty"`
	ResolutionTxRef string     `json:"resolutionTxRef,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// CancellationStatus represents the state of a cancellation request.
type CancellationStatus string

const (
	CancellationPending  CancellationStatus = "pending"
	CancellationApproved CancellationStatus = "approved"
	CancellationRejected CancellationStatus = "rejected"
)

// CancellationRequest tracks mutual-cancellation approvals.
type CancellationRequest struct {
	ID          string             `json:"id"`
	EscrowID    string             `json:"escrowId"`
	RequestedBy string             `json:"requestedBy"`
	Reason      string             `json:"reason,omitempty"`
	Status      CancellationStatus `json:"status"`

	BuyerApproved    bool       `json:"buyerApproved"`
	SellerApproved   bool       `json:"sellerApproved"`
	BuyerApprovedAt  *time.Time `json:"buyerApprovedAt,omitempty"`
	SellerApprovedAt *time.Time `json:"sellerApprovedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// ContractStore persists contract envelopes.
type ContractStore interface {
	Create(ctx context.Context, c *Contract) error
	Get(ctx context.Context, id string) (*Contract, error)
	Update(ctx context.Context, c *Contract) error
	ListByParty(ctx context.Context, addr string, limit int) ([]*Contract, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Contract, error)
}

// MilestoneStore persists milestones, scoped to their contract.
type MilestoneStore interface {
	CreateBatch(ctx context.Context, ms []*Milestone) error
	Get(ctx context.Context, id string) (*Milestone, error)
	Update(ctx context.Context, m *Milestone) error
	ListByEscrow(ctx context.Context, escrowID string) ([]*Milestone, error)
}

// DepositStore persists per-party deposit records.
type DepositStore interface {
	Create(ctx context.Context, d *Deposit) error
	GetByTxRef(ctx context.Context, escrowID, txRef string) (*Deposit, error)
	ListByEscrow(ctx context.Context, escrowID string) ([]*Deposit, error)
}

// DisputeStore persists disputes.
type DisputeStore interface {
	Create(ctx context.Context, d *Dispute) error
	Update(ctx context.Context, d *Dispute) error
	ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error)
	OpenByEscrow(ctx context.Context, escrowID string) (*Dispute, error)
}

// CancellationStore persists cancellation requests.
type CancellationStore interface {
	Create(ctx context.Context, r *CancellationRequest) error
	Update(ctx context.Context, r *CancellationRequest) error
	PendingByEscrow(ctx context.Context, escrowID string) (*CancellationRequest, error)
	ListByEscrow(ctx context.Context, escrowID string) ([]*CancellationRequest, error)
}

// Deps collects the collaborators the engine receives at construction.
type Deps struct {
	Contracts     ContractStore
	Milestones    MilestoneStore
	Deposits      DepositStore
	Disputes      DisputeStore
	Cancellations CancellationStore
	Custody       *custody.Manager
	Chain         chain.Client
	Signer        *chain.Signer
	Timeouts      timeouts.Store
	TimeoutConfig *timeouts.Config
	Audit         audit.Logger
	Notifier      notify.Dispatcher
	Logger        *slog.Logger

	// TreasuryWallet receives platform and cancellation fees.
	TreasuryWallet string

	// FeePercent is the platform fee applied to payouts. Zero means the
	// default.
	FeePercent float64

	// UnfundedCancellationFee applies the 1% cancellation fee to partial
	// deposits refunded on unilateral cancellation of a never-funded
	// contract. Default off: partial deposits refund in full.
	UnfundedCancellationFee bool
}

// Service implements the contract engines and the dispute/cancellation
// coordinator. One Service handles all three kinds; dispatch is by
// Contract.Kind.
type Service struct {
	contracts  ContractStore
	milestones MilestoneStore
	deposits   DepositStore
	disputes   DisputeStore
	cancels    CancellationStore
	custody    *custody.Manager
	chain      chain.Client
	signer     *chain.Signer
	timeouts   timeouts.Store
	tcfg       *timeouts.Config
	audit      audit.Logger
	notifier   notify.Dispatcher
	logger     *slog.Logger

	treasury          string
	feePct            float64
	unfundedCancelFee bool

	locks sync.Map // per-escrow ID locks to prevent race conditions
}

// NewService creates the settlement engine.
func NewService(d Deps) *Service {
	feePct := d.FeePercent
	if feePct == 0 {
		feePct = fees.DefaultPlatformPercent
	}
	tcfg := d.TimeoutConfig
	if tcfg == nil {
		tcfg = timeouts.DefaultConfig()
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		contracts:         d.Contracts,
		milestones:        d.Milestones,
		deposits:          d.Deposits,
		disputes:          d.Disputes,
		cancels:           d.Cancellations,
		custody:           d.Custody,
		chain:             d.Chain,
		signer:            d.Signer,
		timeouts:          d.Timeouts,
		tcfg:              tcfg,
		audit:             d.Audit,
		notifier:          d.Notifier,
		logger:            logger,
		treasury:          d.TreasuryWallet,
		feePct:            feePct,
		unfundedCancelFee: d.UnfundedCancellationFee,
	}
}

// contractLock returns the mutex for a given escrow ID, creating it if
// needed. Serializes mutations on one contract without blocking others.
func (s *Service) contractLock(id string) *sync.Mutex {
	lock, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Get returns a contract by ID.
func (s *Service) Get(ctx context.Context, id string) (*Contract, error) {
	c, err := s.contracts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fault.Newf(fault.NotFound, "escrow %s not found", id)
	}
	return c, nil
}

// ListByParty returns contracts where addr is buyer or seller.
func (s *Service) ListByParty(ctx context.Context, addr string, limit int) ([]*Contract, error) {
	return s.contracts.ListByParty(ctx, addr, limit)
}

// Milestones returns a contract's milestones ordered by sequence.
func (s *Service) Milestones(ctx context.Context, escrowID string) ([]*Milestone, error) {
	if _, err := s.Get(ctx, escrowID); err != nil {
		return nil, err
	}
	return s.milestones.ListByEscrow(ctx, escrowID)
}

// Disputes returns a contract's disputes.
func (s *Service) Disputes(ctx context.Context, escrowID string) ([]*Dispute, error) {
	if _, err := s.Get(ctx, escrowID); err != nil {
		return nil, err
	}
	return s.disputes.ListByEscrow(ctx, escrowID)
}

// record appends one audit row. Audit failures are logged, never fatal to
// the mutation that already committed.
func (s *Service) record(ctx context.Context, escrowID, milestoneID, action, notes string, metadata map[string]string) {
	if err := audit.Record(ctx, s.audit, escrowID, milestoneID, action, notes, metadata); err != nil {
		s.logger.Error("audit append failed", "escrowId", escrowID, "action", action, "error", err)
	}
}

// notifyParty dispatches one notification without blocking the caller.
func (s *Service) notifyParty(recipient, eventType, escrowID, message string, metadata map[string]string) {
	if s.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.notifier.Notify(ctx, recipient, eventType, escrowID, message, metadata); err != nil {
			s.logger.Warn("notification dispatch failed",
				"escrowId", escrowID, "event", eventType, "error", err)
		}
	}()
}

func (s *Service) notifyBoth(c *Contract, eventType, message string, metadata map[string]string) {
	s.notifyParty(c.BuyerAddr, eventType, c.ID, message, metadata)
	s.notifyParty(c.SellerAddr, eventType, c.ID, message, metadata)
}

// scheduleTimeout creates one timeout row from the config. overrideHours
// zero means the config default for (kind, typ).
func (s *Service) scheduleTimeout(ctx context.Context, c *Contract, typ timeouts.Type, overrideHours int) (time.Time, error) {
	expiresAt, warnAt := s.tcfg.Schedule(string(c.Kind), typ, time.Now(), overrideHours)
	t := timeouts.New(c.ID, string(c.Kind), typ, expiresAt, warnAt)
	if err := s.timeouts.Create(ctx, t); err != nil {
		return time.Time{}, fault.Wrap(fault.External, "schedule timeout", err)
	}
	return expiresAt, nil
}

// retireTimeouts resolves pending deadlines of one type ("" for all).
func (s *Service) retireTimeouts(ctx context.Context, escrowID string, typ timeouts.Type) {
	if err := s.timeouts.ResolveByEscrow(ctx, escrowID, typ); err != nil {
		s.logger.Error("retire timeouts failed", "escrowId", escrowID, "type", typ, "error", err)
	}
}

// guardMutable rejects mutations on disputed or terminal contracts.
func guardMutable(c *Contract) error {
	if c.Status == StatusDisputed {
		return fault.Newf(fault.StateConflict, "escrow %s is disputed and frozen pending resolution", c.ID)
	}
	if c.Status.IsTerminal() {
		return fault.Newf(fault.StateConflict, "escrow %s is already %s", c.ID, c.Status)
	}
	return nil
}

// transfer moves funds out of the custodial wallet. Zero-amount outputs
// are dropped by the signer. Returns the transaction reference.
func (s *Service) transfer(ctx context.Context, c *Contract, outputs []chain.Output, purpose string) (string, error) {
	res, err := s.signer.TransferToMultiple(ctx, c.ID, c.EscrowAddr, c.EncryptedKey, outputs, purpose)
	if err != nil {
		return "", err
	}
	return res.TxRef, nil
}
