package chain

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/custody"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fault"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/idgen"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/money"
)

// SimClient is an in-memory ledger for demo/development mode and tests.
// It verifies signatures, enforces balances, and applies multi-output
// transfers atomically, so conservation bugs in the engine surface as
// failed submissions rather than silent imbalances.
type SimClient struct {
	mu        sync.Mutex
	balances  map[string]map[string]*big.Int // addr -> asset -> units
	records   []Record
	confirmed map[string]bool
	multisig  map[string]*MultiSigAccount
	owners    map[string]string
	slot      uint64
}

// NewSimClient creates an empty simulated ledger.
func NewSimClient() *SimClient {
	return &SimClient{
		balances:  make(map[string]map[string]*big.Int),
		confirmed: make(map[string]bool),
		multisig:  make(map[string]*MultiSigAccount),
		owners:    make(map[string]string),
	}
}

// Credit funds an address directly, recording an inbound transfer as if
// an external wallet had deposited. Test and demo helper.
func (s *SimClient) Credit(from, to, asset, amount string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	units, ok := money.Parse(amount)
	if !ok || units.Sign() <= 0 {
		return ""
	}
	s.credit(to, asset, units)
	s.slot++
	ref := "sim_" + idgen.Hex(12)
	s.records = append(s.records, Record{
		TxRef:      ref,
		From:       from,
		To:         to,
		Asset:      asset,
		Amount:     money.Format(units),
		Slot:       s.slot,
		ObservedAt: time.Now(),
	})
	s.confirmed[ref] = true
	return ref
}

// SetMultiSig registers addr as a multi-sig account for detection tests.
func (s *SimClient) SetMultiSig(addr, program string, threshold int, signers []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[addr] = program
	s.multisig[addr] = &MultiSigAccount{Program: program, Threshold: threshold, Signers: signers}
}

func (s *SimClient) Balance(_ context.Context, addr, asset string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if assets, ok := s.balances[addr]; ok {
		if v, ok := assets[asset]; ok {
			return money.Format(v), nil
		}
	}
	return money.Format(big.NewInt(0)), nil
}

func (s *SimClient) Inbound(_ context.Context, addr string, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []Record
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if s.records[i].To == addr {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

func (s *SimClient) Submit(_ context.Context, tx *SignedTransaction) (*SubmitResult, error) {
	body, err := CanonicalBytes(tx.Payload)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "payload encoding failed", err)
	}
	if len(tx.PublicKey) != ed25519.PublicKeySize ||
		!ed25519.Verify(ed25519.PublicKey(tx.PublicKey), body, tx.Signature) {
		return nil, fault.New(fault.Security, "transaction signature invalid")
	}
	if custody.Address(tx.PublicKey) != tx.Payload.From {
		return nil, fault.New(fault.Security, "signing key does not own source account")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Check sufficiency per asset before moving anything.
	needed := make(map[string]*big.Int)
	for _, o := range tx.Payload.Outputs {
		units, ok := money.Parse(o.Amount)
		if !ok || units.Sign() <= 0 {
			return nil, fault.Newf(fault.Validation, "invalid output amount %q", o.Amount)
		}
		if needed[o.Asset] == nil {
			needed[o.Asset] = new(big.Int)
		}
		needed[o.Asset].Add(needed[o.Asset], units)
	}
	for asset, total := range needed {
		have := big.NewInt(0)
		if assets, ok := s.balances[tx.Payload.From]; ok && assets[asset] != nil {
			have = assets[asset]
		}
		if have.Cmp(total) < 0 {
			return nil, fault.Newf(fault.StateConflict,
				"insufficient %s balance: have %s, need %s", asset, money.Format(have), money.Format(total))
		}
	}

	// Apply atomically.
	s.slot++
	ref := "sim_" + idgen.Hex(12)
	now := time.Now()
	for _, o := range tx.Payload.Outputs {
		units, _ := money.Parse(o.Amount)
		s.balances[tx.Payload.From][o.Asset].Sub(s.balances[tx.Payload.From][o.Asset], units)
		s.credit(o.To, o.Asset, units)
		s.records = append(s.records, Record{
			TxRef:      ref,
			From:       tx.Payload.From,
			To:         o.To,
			Asset:      o.Asset,
			Amount:     money.Format(units),
			Slot:       s.slot,
			ObservedAt: now,
		})
	}
	s.confirmed[ref] = true

	return &SubmitResult{TxRef: ref, Slot: s.slot}, nil
}

func (s *SimClient) Confirm(_ context.Context, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.confirmed[txRef] {
		return fault.Wrap(fault.External, "confirmation pending", fmt.Errorf("%w: %s", ErrUnknownTransaction, txRef))
	}
	return nil
}

func (s *SimClient) AccountOwner(_ context.Context, addr string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owners[addr], nil
}

func (s *SimClient) MultiSigAccount(_ context.Context, addr string) (*MultiSigAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.multisig[addr]; ok {
		cp := *acc
		cp.Signers = append([]string(nil), acc.Signers...)
		return &cp, nil
	}
	return nil, nil
}

func (s *SimClient) credit(addr, asset string, units *big.Int) {
	if s.balances[addr] == nil {
		s.balances[addr] = make(map[string]*big.Int)
	}
	if s.balances[addr][asset] == nil {
		s.balances[addr][asset] = new(big.Int)
	}
	s.balances[addr][asset].Add(s.balances[addr][asset], units)
}
