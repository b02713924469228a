package escrow

import (
	"context"
	"sort"
	"sync"
)

// MemoryContractStore is an in-memory ContractStore for development and
// tests.
type MemoryContractStore struct {
	mu        sync.RWMutex
	contracts map[string]*Contract
}

// NewMemoryContractStore creates an in-memory contract store.
func NewMemoryContractStore() *MemoryContractStore {
	return &MemoryContractStore{contracts: make(map[string]*Contract)}
}

func (s *MemoryContractStore) Create(_ context.Context, c *Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.contracts[c.ID] = &cp
	return nil
}

func (s *MemoryContractStore) Get(_ context.Context, id string) (*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryContractStore) Update(_ context.Context, c *Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.contracts[c.ID] = &cp
	return nil
}

func (s *MemoryContractStore) ListByParty(_ context.Context, addr string, limit int) ([]*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Contract
	for _, c := range s.contracts {
		if c.BuyerAddr == addr || c.SellerAddr == addr {
			cp := *c
			out = append(out, &cp)
		}
	}
	sortContracts(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryContractStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Contract
	for _, c := range s.contracts {
		if c.Status == status {
			cp := *c
			out = append(out, &cp)
		}
	}
	sortContracts(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortContracts(cs []*Contract) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].CreatedAt.After(cs[j].CreatedAt)
	})
}

// MemoryMilestoneStore is an in-memory MilestoneStore.
type MemoryMilestoneStore struct {
	mu         sync.RWMutex
	milestones map[string]*Milestone
}

// NewMemoryMilestoneStore creates an in-memory milestone store.
func NewMemoryMilestoneStore() *MemoryMilestoneStore {
	return &MemoryMilestoneStore{milestones: make(map[string]*Milestone)}
}

func (s *MemoryMilestoneStore) CreateBatch(_ context.Context, ms []*Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range ms {
		cp := *m
		s.milestones[m.ID] = &cp
	}
	return nil
}

func (s *MemoryMilestoneStore) Get(_ context.Context, id string) (*Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.milestones[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryMilestoneStore) Update(_ context.Context, m *Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.milestones[m.ID] = &cp
	return nil
}

func (s *MemoryMilestoneStore) ListByEscrow(_ context.Context, escrowID string) ([]*Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Milestone
	for _, m := range s.milestones {
		if m.EscrowID == escrowID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// MemoryDepositStore is an in-memory DepositStore.
type MemoryDepositStore struct {
	mu       sync.RWMutex
	deposits map[string]*Deposit
}

// NewMemoryDepositStore creates an in-memory deposit store.
func NewMemoryDepositStore() *MemoryDepositStore {
	return &MemoryDepositStore{deposits: make(map[string]*Deposit)}
}

func (s *MemoryDepositStore) Create(_ context.Context, d *Deposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.deposits[d.ID] = &cp
	return nil
}

func (s *MemoryDepositStore) GetByTxRef(_ context.Context, escrowID, txRef string) (*Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.deposits {
		if d.EscrowID == escrowID && d.TxRef == txRef {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryDepositStore) ListByEscrow(_ context.Context, escrowID string) ([]*Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Deposit
	for _, d := range s.deposits {
		if d.EscrowID == escrowID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

// MemoryDisputeStore is an in-memory DisputeStore.
type MemoryDisputeStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
}

// NewMemoryDisputeStore creates an in-memory dispute store.
func NewMemoryDisputeStore() *MemoryDisputeStore {
	return &MemoryDisputeStore{disputes: make(map[string]*Dispute)}
}

func (s *MemoryDisputeStore) Create(_ context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.disputes[d.ID] = &cp
	return nil
}

func (s *MemoryDisputeStore) Update(_ context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.disputes[d.ID] = &cp
	return nil
}

func (s *MemoryDisputeStore) ListByEscrow(_ context.Context, escrowID string) ([]*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Dispute
	for _, d := range s.disputes {
		if d.EscrowID == escrowID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryDisputeStore) OpenByEscrow(_ context.Context, escrowID string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.disputes {
		if d.EscrowID == escrowID && d.Status == DisputeOpen {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

// MemoryCancellationStore is an in-memory CancellationStore.
type MemoryCancellationStore struct {
	mu       sync.RWMutex
	requests map[string]*CancellationRequest
}

// NewMemoryCancellationStore creates an in-memory cancellation store.
func NewMemoryCancellationStore() *MemoryCancellationStore {
	return &MemoryCancellationStore{requests: make(map[string]*CancellationRequest)}
}

func (s *MemoryCancellationStore) Create(_ context.Context, r *CancellationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.requests[r.ID] = &cp
	return nil
}

func (s *MemoryCancellationStore) Update(_ context.Context, r *CancellationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.requests[r.ID] = &cp
	return nil
}

func (s *MemoryCancellationStore) PendingByEscrow(_ context.Context, escrowID string) (*CancellationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.requests {
		if r.EscrowID == escrowID && r.Status == CancellationPending {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryCancellationStore) ListByEscrow(_ context.Context, escrowID string) ([]*CancellationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*CancellationRequest
	for _, r := range s.requests {
		if r.EscrowID == escrowID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
