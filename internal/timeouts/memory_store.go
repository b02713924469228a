package timeouts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fault"
)

// MemoryStore is an in-memory timeout store for demo/development mode.
type MemoryStore struct {
	timeouts map[string]*Timeout
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory timeout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{timeouts: make(map[string]*Timeout)}
}

func (m *MemoryStore) Create(_ context.Context, t *Timeout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.timeouts[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Timeout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.timeouts[id]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "timeout %s not found", id)
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*Timeout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Timeout
	for _, t := range m.timeouts {
		if !t.Resolved && t.Expired(now) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sortByExpiry(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListNeedingWarning(_ context.Context, now time.Time, limit int) ([]*Timeout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Timeout
	for _, t := range m.timeouts {
		if !t.Resolved && !t.WarningSent && !t.Expired(now) && now.After(t.WarnAt) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sortByExpiry(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByEscrow(_ context.Context, escrowID string) ([]*Timeout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Timeout
	for _, t := range m.timeouts {
		if t.EscrowID == escrowID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sortByExpiry(out)
	return out, nil
}

func (m *MemoryStore) MarkWarned(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timeouts[id]
	if !ok {
		return fault.Newf(fault.NotFound, "timeout %s not found", id)
	}
	t.WarningSent = true
	return nil
}

func (m *MemoryStore) MarkResolved(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timeouts[id]
	if !ok {
		return fault.Newf(fault.NotFound, "timeout %s not found", id)
	}
	t.Resolved = true
	return nil
}

func (m *MemoryStore) ResolveByEscrow(_ context.Context, escrowID string, typ Type) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.timeouts {
		if t.EscrowID == escrowID && !t.Resolved && (typ == "" || t.Type == typ) {
			t.Resolved = true
		}
	}
	return nil
}

func sortByExpiry(ts []*Timeout) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].ExpiresAt.Before(ts[j].ExpiresAt) })
}
