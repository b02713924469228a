// Package multisig detects multi-signature wallets and coordinates
// signature collection against a threshold.
package multisig

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fault"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/idgen"
)

// MaxSigners is the largest signer set a multi-sig transaction may carry.
const MaxSigners = 20

// Status tracks signature collection progress.
type Status string

const (
	StatusPending         Status = "pending"          // no signatures yet
	StatusPartiallySigned Status = "partially_signed" // 0 < signed < required
	StatusReady           Status = "ready"            // signed == required
)

// Provider describes a known multi-sig program.
type Provider struct {
	ID   string // owning program identifier on the ledger
	Name string
}

var (
	providersMu sync.RWMutex
	providers   = make(map[string]Provider)
)

// RegisterProvider adds a multi-sig provider to the registry. New
// providers extend detection without touching matching logic.
func RegisterProvider(p Provider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[p.ID] = p
}

// LookupProvider returns the provider registered for a program identifier.
func LookupProvider(programID string) (Provider, bool) {
	providersMu.RLock()
	defer providersMu.RUnlock()
	p, ok := providers[programID]
	return p, ok
}

func init() {
	// Known multi-sig programs on the settlement ledger.
	RegisterProvider(Provider{ID: "SQDS4ep65T869zMMBKyuUq6aD6EgTu8psMjkvj52pCf", Name: "Squads"})
	RegisterProvider(Provider{ID: "GokivDYuQXPZCWRkwMhdH2h91KpDQXBEmpgBgs55bnpH", Name: "Goki"})
	RegisterProvider(Provider{ID: "msigmtwzgXJHj2ext4XJjCDmpbcMuufFb5cHuwg6Xdt", Name: "SPL Token Multisig"})
}

// Info is the result of multi-sig detection for an address.
type Info struct {
	IsMultiSig   bool     `json:"isMultiSig"`
	Provider     string   `json:"provider,omitempty"`
	Threshold    int      `json:"threshold,omitempty"`
	TotalSigners int      `json:"totalSigners,omitempty"`
	Signers      []string `json:"signers,omitempty"`
}

// Inspector reads account metadata from the ledger.
type Inspector interface {
	AccountOwner(ctx context.Context, addr string) (string, error)
	MultiSigAccount(ctx context.Context, addr string) (*Account, error)
}

// Account mirrors the ledger's view of a multi-sig wallet.
type Account struct {
	Program   string
	Threshold int
	Signers   []string
}

// Transaction tracks signature collection for one escrow settlement
// transaction held by a multi-sig wallet.
type Transaction struct {
	ID                 string    `json:"id"`
	EscrowID           string    `json:"escrowId"`
	WalletAddr         string    `json:"walletAddr"`
	Provider           string    `json:"provider"`
	RequiredSignatures int       `json:"requiredSignatures"`
	Signers            []string  `json:"signers"`  // authorized set
	SignedBy           []string  `json:"signedBy"` // unique, ordered by signing time
	Status             Status    `json:"status"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Store persists multi-sig transactions.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	Update(ctx context.Context, tx *Transaction) error
	ListByEscrow(ctx context.Context, escrowID string) ([]*Transaction, error)
}

// Service implements multi-sig coordination.
type Service struct {
	store     Store
	inspector Inspector
	locks     sync.Map
}

// NewService creates a multi-sig coordinator.
func NewService(store Store, inspector Inspector) *Service {
	return &Service{store: store, inspector: inspector}
}

func (s *Service) txLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Detect inspects the owning program of addr against the provider
// registry and returns the wallet's multi-sig configuration, if any.
func (s *Service) Detect(ctx context.Context, addr string) (Info, error) {
	owner, err := s.inspector.AccountOwner(ctx, addr)
	if err != nil {
		return Info{}, fault.Wrap(fault.External, "account owner lookup failed", err)
	}

	provider, known := LookupProvider(owner)
	if !known {
		return Info{IsMultiSig: false}, nil
	}

	acc, err := s.inspector.MultiSigAccount(ctx, addr)
	if err != nil {
		return Info{}, fault.Wrap(fault.External, "multi-sig account lookup failed", err)
	}
	if acc == nil {
		return Info{IsMultiSig: false}, nil
	}

	return Info{
		IsMultiSig:   true,
		Provider:     provider.Name,
		Threshold:    acc.Threshold,
		TotalSigners: len(acc.Signers),
		Signers:      append([]string(nil), acc.Signers...),
	}, nil
}

// ValidateThreshold checks a threshold t against a signer count n.
// Valid iff 1 <= t <= n <= MaxSigners.
func ValidateThreshold(t, n int) error {
	if t < 1 {
		return fault.Newf(fault.Validation, "threshold must be at least 1, got %d", t)
	}
	if t > n {
		return fault.Newf(fault.Validation, "threshold %d exceeds signer count %d", t, n)
	}
	if n > MaxSigners {
		return fault.Newf(fault.Validation, "signer count %d exceeds maximum of %d", n, MaxSigners)
	}
	return nil
}

// Begin creates a transaction awaiting signatures from the wallet's
// authorized set.
func (s *Service) Begin(ctx context.Context, escrowID, walletAddr, provider string, threshold int, signers []string) (*Transaction, error) {
	if err := ValidateThreshold(threshold, len(signers)); err != nil {
		return nil, err
	}

	now := time.Now()
	tx := &Transaction{
		ID:                 idgen.WithPrefix("mst_"),
		EscrowID:           escrowID,
		WalletAddr:         walletAddr,
		Provider:           provider,
		RequiredSignatures: threshold,
		Signers:            normalize(signers),
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.Create(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Sign records one signer's approval. Signing twice by the same signer or
// by anyone outside the authorized set is rejected. Status advances
// pending → partially_signed → ready as signatures accumulate.
func (s *Service) Sign(ctx context.Context, txID, signer string) (*Transaction, error) {
	mu := s.txLock(txID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}

	signer = strings.TrimSpace(signer)
	if !contains(tx.Signers, signer) {
		return nil, fault.Newf(fault.Authorization, "%s is not an authorized signer", signer)
	}
	if contains(tx.SignedBy, signer) {
		return nil, fault.Newf(fault.StateConflict, "%s has already signed", signer)
	}
	if tx.Status == StatusReady {
		return nil, fault.New(fault.StateConflict, "transaction already has the required signatures")
	}

	tx.SignedBy = append(tx.SignedBy, signer)
	tx.Status = statusFor(len(tx.SignedBy), tx.RequiredSignatures)
	tx.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Get returns a multi-sig transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// ListByEscrow returns the multi-sig transactions tied to an escrow.
func (s *Service) ListByEscrow(ctx context.Context, escrowID string) ([]*Transaction, error) {
	return s.store.ListByEscrow(ctx, escrowID)
}

func statusFor(signed, required int) Status {
	switch {
	case signed == 0:
		return StatusPending
	case signed < required:
		return StatusPartiallySigned
	default:
		return StatusReady
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func normalize(signers []string) []string {
	out := make([]string, 0, len(signers))
	for _, s := range signers {
		out = append(out, strings.TrimSpace(s))
	}
	return out
}
