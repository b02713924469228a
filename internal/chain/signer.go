package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/custody"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fault"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/idgen"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/money"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/retry"
)

// Signer builds, signs, and submits fund-movement transactions from a
// custodial wallet. Every release, refund, and cancellation path in the
// engine goes through TransferToMultiple.
type Signer struct {
	client  Client
	custody *custody.Manager
	logger  *slog.Logger
	timeout time.Duration
}

// NewSigner creates a transaction signer.
func NewSigner(client Client, cm *custody.Manager, logger *slog.Logger) *Signer {
	return &Signer{
		client:  client,
		custody: cm,
		logger:  logger,
		timeout: DefaultCallTimeout,
	}
}

// CanonicalBytes returns the deterministic signing bytes of a payload.
func CanonicalBytes(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

// TransferToMultiple recovers the custodial key, signs a multi-destination
// transfer, broadcasts it with backoff on transient failures, and waits
// for confirmation. Outputs that do not parse to a positive amount are
// dropped. The decrypted key is cleared before returning.
func (s *Signer) TransferToMultiple(ctx context.Context, escrowID, fromAddr, encryptedKey string, outputs []Output, purpose string) (*SubmitResult, error) {
	var kept []Output
	for _, o := range outputs {
		if !money.IsPositive(o.Amount) {
			continue
		}
		kept = append(kept, o)
	}
	if len(kept) == 0 {
		return nil, fault.New(fault.Validation, "transfer requires at least one non-zero output")
	}

	kp, err := s.custody.Recover(ctx, escrowID, encryptedKey, purpose)
	if err != nil {
		return nil, err
	}
	defer kp.Zero()

	if kp.Address != fromAddr {
		return nil, fault.New(fault.Security, "custodial key does not match source wallet")
	}

	payload := Payload{
		From:     fromAddr,
		Outputs:  kept,
		Nonce:    idgen.Hex(16),
		IssuedAt: time.Now().UTC(),
	}
	body, err := CanonicalBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("payload encoding failed: %w", err)
	}

	tx := &SignedTransaction{
		Payload:   payload,
		PublicKey: kp.PublicKey(),
		Signature: kp.Sign(body),
	}

	// Broadcast with backoff. The nonce makes retried submissions of the
	// same transaction idempotent on the ledger side.
	var result *SubmitResult
	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		r, err := s.client.Submit(callCtx, tx)
		if err != nil {
			if !fault.Retryable(err) {
				return retry.Permanent(err)
			}
			s.logger.Warn("transfer broadcast failed, retrying",
				"escrowId", escrowID, "purpose", purpose, "error", err)
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, fault.Wrap(fault.External, "transfer broadcast failed", err)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Confirm(confirmCtx, result.TxRef); err != nil {
		// Broadcast may still land. The caller's pre-release state stays
		// recoverable; a reconciliation pass retries confirmation.
		return nil, fault.Wrap(fault.External, fmt.Sprintf("transfer %s unconfirmed", result.TxRef), err)
	}

	s.logger.Info("transfer confirmed",
		"escrowId", escrowID, "purpose", purpose, "txRef", result.TxRef, "outputs", len(kept))
	return result, nil
}
