// Package chain abstracts the settlement ledger: balance lookup, inbound
// transfer records, and transaction construct/broadcast/confirm. The wire
// format of the real ledger client lives behind the Client interface; the
// engine only depends on the operations below.
package chain

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownTransaction is returned by Confirm for a reference the ledger
// has never seen.
var ErrUnknownTransaction = errors.New("chain: unknown transaction reference")

// DefaultCallTimeout bounds every ledger call so a hung RPC surfaces as a
// transient failure instead of blocking a scan cycle.
const DefaultCallTimeout = 15 * time.Second

// Output is a single destination of a transfer transaction.
type Output struct {
	To     string `json:"to"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// Payload is the signed body of a transfer transaction.
type Payload struct {
	From     string    `json:"from"`
	Outputs  []Output  `json:"outputs"`
	Nonce    string    `json:"nonce"`
	IssuedAt time.Time `json:"issuedAt"`
}

// SignedTransaction is a payload plus its ed25519 signature.
type SignedTransaction struct {
	Payload   Payload `json:"payload"`
	PublicKey []byte  `json:"publicKey"`
	Signature []byte  `json:"signature"`
}

// SubmitResult identifies a broadcast transaction.
type SubmitResult struct {
	TxRef string `json:"txRef"`
	Slot  uint64 `json:"slot"`
}

// Record is an observed ledger transfer relevant to a watched address.
type Record struct {
	TxRef      string    `json:"txRef"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Asset      string    `json:"asset"`
	Amount     string    `json:"amount"`
	Slot       uint64    `json:"slot"`
	ObservedAt time.Time `json:"observedAt"`
}

// MultiSigAccount describes a multi-signature wallet account on the ledger.
type MultiSigAccount struct {
	Program   string   `json:"program"` // owning program identifier
	Threshold int      `json:"threshold"`
	Signers   []string `json:"signers"`
}

// Client is the ledger-network collaborator consumed by the engine.
// Implementations must treat context deadlines as hard limits; a timeout
// is a transient failure, never success.
type Client interface {
	// Balance returns the confirmed balance of addr in the given asset.
	Balance(ctx context.Context, addr, asset string) (string, error)

	// Inbound returns transfers received by addr, most recent first.
	Inbound(ctx context.Context, addr string, limit int) ([]Record, error)

	// Submit broadcasts a signed transaction.
	Submit(ctx context.Context, tx *SignedTransaction) (*SubmitResult, error)

	// Confirm blocks until txRef is finalized or ctx expires.
	Confirm(ctx context.Context, txRef string) error

	// AccountOwner returns the owning program identifier of addr, or ""
	// for a plain system account.
	AccountOwner(ctx context.Context, addr string) (string, error)

	// MultiSigAccount returns multi-signature configuration for addr, or
	// nil if addr is not a multi-sig account.
	MultiSigAccount(ctx context.Context, addr string) (*MultiSigAccount, error)
}
