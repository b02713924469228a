// Package timeouts tracks per-contract deadlines and drives their
// resolution: a periodic monitor scans for expired and soon-to-expire
// timeouts, dispatches warnings, and hands expired deadlines to a
// kind-specific resolver.
package timeouts

import (
	"context"
	"time"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/idgen"
)

// Type classifies what a deadline guards.
type Type string

const (
	TypeDeposit      Type = "deposit"      // waiting for parties to fund
	TypeConfirmation Type = "confirmation" // traditional: waiting for dual confirmation
	TypeMilestone    Type = "milestone"    // waiting for submission/approval progress
	TypeDispute      Type = "dispute"      // waiting for admin resolution
	TypeSwap         Type = "swap"         // waiting for both swap deposits
)

// Timeout is a single tracked deadline.
type Timeout struct {
	ID           string    `json:"id"`
	EscrowID     string    `json:"escrowId"`
	ContractKind string    `json:"contractKind"`
	Type         Type      `json:"type"`
	ExpiresAt    time.Time `json:"expiresAt"`
	WarnAt       time.Time `json:"warnAt"`
	WarningSent  bool      `json:"warningSent"`
	Resolved     bool      `json:"resolved"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Expired reports whether the timeout is past its deadline at now.
func (t *Timeout) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Store persists timeouts.
type Store interface {
	Create(ctx context.Context, t *Timeout) error
	Get(ctx context.Context, id string) (*Timeout, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Timeout, error)
	ListNeedingWarning(ctx context.Context, now time.Time, limit int) ([]*Timeout, error)
	ListByEscrow(ctx context.Context, escrowID string) ([]*Timeout, error)
	MarkWarned(ctx context.Context, id string) error
	MarkResolved(ctx context.Context, id string) error
	// ResolveByEscrow marks every unresolved timeout of an escrow (or of
	// one type if typ != "") as resolved. Engines call this when a
	// contract reaches a state that retires its pending deadlines.
	ResolveByEscrow(ctx context.Context, escrowID string, typ Type) error
}

// New creates a timeout row from a config-resolved schedule.
func New(escrowID, contractKind string, typ Type, expiresAt, warnAt time.Time) *Timeout {
	return &Timeout{
		ID:           idgen.WithPrefix("tmo_"),
		EscrowID:     escrowID,
		ContractKind: contractKind,
		Type:         typ,
		ExpiresAt:    expiresAt,
		WarnAt:       warnAt,
		CreatedAt:    time.Now(),
	}
}
