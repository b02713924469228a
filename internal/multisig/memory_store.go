package multisig

import (
	"context"
	"sync"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fault"
)

// MemoryStore is an in-memory multi-sig transaction store for
// demo/development mode.
type MemoryStore struct {
	txs map[string]*Transaction
	mu  sync.RWMutex
}

// NewMemoryStore creates a new in-memory multi-sig store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[string]*Transaction)}
}

func (m *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.ID] = copyTx(tx)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "multi-sig transaction %s not found", id)
	}
	return copyTx(tx), nil
}

func (m *MemoryStore) Update(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[tx.ID]; !ok {
		return fault.Newf(fault.NotFound, "multi-sig transaction %s not found", tx.ID)
	}
	m.txs[tx.ID] = copyTx(tx)
	return nil
}

func (m *MemoryStore) ListByEscrow(_ context.Context, escrowID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transaction
	for _, tx := range m.txs {
		if tx.EscrowID == escrowID {
			out = append(out, copyTx(tx))
		}
	}
	return out, nil
}

// copyTx deep-copies so callers cannot mutate stored slices.
func copyTx(tx *Transaction) *Transaction {
	cp := *tx
	cp.Signers = append([]string(nil), tx.Signers...)
	cp.SignedBy = append([]string(nil), tx.SignedBy...)
	return &cp
}
