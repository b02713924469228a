package timeouts

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	mu      sync.Mutex
	handled []string
	outcome Outcome
	err     error
}

func (s *stubResolver) HandleExpiry(_ context.Context, t *Timeout) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Outcome{}, s.err
	}
	s.handled = append(s.handled, t.ID)
	return s.outcome, nil
}

type stubNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubNotifier) Notify(_ context.Context, recipient, eventType, escrowID, _ string, _ map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, recipient+":"+eventType+":"+escrowID)
	return nil
}

type stubRecipients struct{ wallets []string }

func (s *stubRecipients) TimeoutRecipients(_ context.Context, _ string) ([]string, error) {
	return s.wallets, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestConfig_Schedule(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	expires, warn := cfg.Schedule("atomic_swap", TypeSwap, now, 0)
	assert.Equal(t, now.Add(24*time.Hour), expires)
	assert.Equal(t, expires.Add(-2*time.Hour), warn)

	// Caller override wins.
	expires, _ = cfg.Schedule("atomic_swap", TypeSwap, now, 6)
	assert.Equal(t, now.Add(6*time.Hour), expires)

	// Unknown pair falls back to the default.
	expires, _ = cfg.Schedule("unknown", TypeDeposit, now, 0)
	assert.Equal(t, now.Add(72*time.Hour), expires)

	// Warning never lands in the past.
	expires, warn = cfg.Schedule("atomic_swap", TypeSwap, now, 1)
	assert.Equal(t, now.Add(time.Hour), expires)
	assert.Equal(t, now, warn)
}

func TestScan_ResolvesExpired(t *testing.T) {
	store := NewMemoryStore()
	resolver := &stubResolver{outcome: Outcome{Resolution: "refunded"}}
	m := NewMonitor(store, resolver, nil, nil, time.Minute, testLogger())
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	expired := New("esc_1", "atomic_swap", TypeSwap, past, past.Add(-2*time.Hour))
	require.NoError(t, store.Create(ctx, expired))

	active := New("esc_2", "traditional", TypeDeposit, time.Now().Add(48*time.Hour), time.Now().Add(46*time.Hour))
	require.NoError(t, store.Create(ctx, active))

	stats := m.Scan(ctx)
	assert.Equal(t, 1, stats.ExpiredCount)
	assert.Equal(t, 0, stats.EscalatedToAdmin)
	assert.Empty(t, stats.Errors)
	assert.Equal(t, []string{expired.ID}, resolver.handled)

	// Second scan over unchanged state is a no-op.
	stats = m.Scan(ctx)
	assert.Equal(t, 0, stats.ExpiredCount)
	assert.Len(t, resolver.handled, 1)
}

func TestScan_CountsEscalations(t *testing.T) {
	store := NewMemoryStore()
	resolver := &stubResolver{outcome: Outcome{Resolution: "escalated", Escalated: true}}
	m := NewMonitor(store, resolver, nil, nil, time.Minute, testLogger())
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	require.NoError(t, store.Create(ctx, New("esc_1", "traditional", TypeConfirmation, past, past)))

	stats := m.Scan(ctx)
	assert.Equal(t, 1, stats.ExpiredCount)
	assert.Equal(t, 1, stats.EscalatedToAdmin)
}

func TestScan_ResolverErrorLeavesTimeoutPending(t *testing.T) {
	store := NewMemoryStore()
	resolver := &stubResolver{err: context.DeadlineExceeded}
	m := NewMonitor(store, resolver, nil, nil, time.Minute, testLogger())
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	tmo := New("esc_1", "atomic_swap", TypeSwap, past, past)
	require.NoError(t, store.Create(ctx, tmo))

	stats := m.Scan(ctx)
	assert.Equal(t, 0, stats.ExpiredCount)
	assert.Len(t, stats.Errors, 1)

	got, err := store.Get(ctx, tmo.ID)
	require.NoError(t, err)
	assert.False(t, got.Resolved, "failed resolution must stay pending for the next scan")
}

func TestScan_WarningsSentOnce(t *testing.T) {
	store := NewMemoryStore()
	notifier := &stubNotifier{}
	recipients := &stubRecipients{wallets: []string{"buyerWallet", "sellerWallet"}}
	m := NewMonitor(store, &stubResolver{}, notifier, recipients, time.Minute, testLogger())
	ctx := context.Background()

	// Inside warning window: warnAt in the past, expiry in the future.
	tmo := New("esc_1", "milestone", TypeMilestone, time.Now().Add(time.Hour), time.Now().Add(-time.Minute))
	require.NoError(t, store.Create(ctx, tmo))

	stats := m.Scan(ctx)
	assert.Equal(t, 1, stats.WarningsSent)
	assert.Len(t, notifier.calls, 2)

	stats = m.Scan(ctx)
	assert.Equal(t, 0, stats.WarningsSent, "warning must not repeat")
	assert.Len(t, notifier.calls, 2)
}

func TestCheckEscrowTimeouts_Partition(t *testing.T) {
	store := NewMemoryStore()
	m := NewMonitor(store, &stubResolver{}, nil, nil, time.Minute, testLogger())
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	require.NoError(t, store.Create(ctx, New("esc_1", "traditional", TypeDeposit, past, past)))
	require.NoError(t, store.Create(ctx, New("esc_1", "traditional", TypeConfirmation, future, future)))
	require.NoError(t, store.Create(ctx, New("esc_2", "milestone", TypeMilestone, past, past)))

	result, err := m.CheckEscrowTimeouts(ctx, "esc_1")
	require.NoError(t, err)
	require.Len(t, result.Expired, 1)
	require.Len(t, result.Active, 1)
	assert.Equal(t, TypeDeposit, result.Expired[0].Type)
	assert.Equal(t, TypeConfirmation, result.Active[0].Type)
}

func TestResolveByEscrow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a := New("esc_1", "traditional", TypeDeposit, time.Now().Add(time.Hour), time.Now())
	b := New("esc_1", "traditional", TypeConfirmation, time.Now().Add(time.Hour), time.Now())
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))

	require.NoError(t, store.ResolveByEscrow(ctx, "esc_1", TypeDeposit))
	got, _ := store.Get(ctx, a.ID)
	assert.True(t, got.Resolved)
	got, _ = store.Get(ctx, b.ID)
	assert.False(t, got.Resolved)

	require.NoError(t, store.ResolveByEscrow(ctx, "esc_1", ""))
	got, _ = store.Get(ctx, b.ID)
	assert.True(t, got.Resolved)
}
