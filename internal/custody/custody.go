// Package custody generates, encrypts, and recovers per-contract custodial
// keypairs. Raw secrets never leave this package: callers receive an
// address plus an opaque ciphertext, and signing happens through Signer
// callbacks that hold the decrypted key only for the duration of one call.
//
// Every decrypt or recover is audit-logged with actor and purpose. No log
// line ever contains the secret or any substring of it.
package custody

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/audit"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fault"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/metrics"
)

// Wallet is the public half of a custodial keypair.
type Wallet struct {
	Address   string `json:"address"`   // base58-encoded public key
	Encrypted string `json:"encrypted"` // sealed secret, opaque to callers
}

// Keypair is a recovered signing keypair. The private key stays inside
// the custody package boundary; use Sign.
type Keypair struct {
	Address string
	pub     ed25519.PublicKey
	priv    ed25519.PrivateKey
}

// Sign signs msg with the custodial private key.
func (k *Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

// PublicKey returns the raw public key bytes.
func (k *Keypair) PublicKey() ed25519.PublicKey {
	return k.pub
}

// Zero clears the private key material.
func (k *Keypair) Zero() {
	secureClear(k.priv)
}

// Manager encrypts and recovers custodial keypairs under a master secret.
type Manager struct {
	masterSecret []byte
	auditLog     audit.Logger
}

// NewManager creates a custody manager. The master secret must be at
// least 16 bytes; audit logging is mandatory.
func NewManager(masterSecret string, auditLog audit.Logger) (*Manager, error) {
	if len(masterSecret) < 16 {
		return nil, fault.New(fault.Validation, "master secret must be at least 16 characters")
	}
	if auditLog == nil {
		return nil, fault.New(fault.Validation, "audit logger is required")
	}
	return &Manager{
		masterSecret: []byte(masterSecret),
		auditLog:     auditLog,
	}, nil
}

// Generate creates a fresh random keypair and returns its address plus
// the encrypted secret. The plaintext secret is cleared before returning.
func (m *Manager) Generate(ctx context.Context, escrowID string) (*Wallet, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keypair generation failed: %w", err)
	}
	defer secureClear(priv)

	encrypted, err := seal(m.masterSecret, priv.Seed())
	if err != nil {
		return nil, fmt.Errorf("secret encryption failed: %w", err)
	}

	addr := Address(pub)
	if err := audit.Record(ctx, m.auditLog, escrowID, "", "custody_wallet_generated", "", map[string]string{
		"address": addr,
	}); err != nil {
		return nil, fmt.Errorf("audit append failed: %w", err)
	}

	return &Wallet{Address: addr, Encrypted: encrypted}, nil
}

// Recover reconstructs a signing keypair from ciphertext, or fails with a
// security fault if the ciphertext is tampered or invalid. Each call is
// audit-logged with actor and purpose.
func (m *Manager) Recover(ctx context.Context, escrowID, encrypted, purpose string) (*Keypair, error) {
	seed, err := open(m.masterSecret, encrypted)
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	metrics.CustodyDecryptsTotal.WithLabelValues(purpose, outcome).Inc()

	auditErr := audit.Record(ctx, m.auditLog, escrowID, "", "custody_key_recover", purpose, map[string]string{
		"outcome": outcome,
	})

	if err != nil {
		return nil, err
	}
	if auditErr != nil {
		secureClear(seed)
		return nil, fmt.Errorf("audit append failed: %w", auditErr)
	}
	if len(seed) != ed25519.SeedSize {
		secureClear(seed)
		return nil, fault.New(fault.Security, "recovered secret has invalid length")
	}

	priv := ed25519.NewKeyFromSeed(seed)
	secureClear(seed)
	pub := priv.Public().(ed25519.PublicKey)

	return &Keypair{Address: Address(pub), pub: pub, priv: priv}, nil
}

// Validate re-derives the public key from the encrypted secret and
// compares it to the expected address.
func (m *Manager) Validate(ctx context.Context, escrowID, address, encrypted string) error {
	kp, err := m.Recover(ctx, escrowID, encrypted, "keypair_validation")
	if err != nil {
		return err
	}
	defer kp.Zero()

	if kp.Address != address {
		return fault.New(fault.Security, "public key does not match encrypted secret")
	}
	return nil
}

// Address encodes an ed25519 public key as a base58 wallet address.
func Address(pub ed25519.PublicKey) string {
	return base58.Encode(pub)
}
