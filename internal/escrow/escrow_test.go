package escrow

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/audit"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/chain"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/custody"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fault"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/money"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/timeouts"
)

func testAddr(prefix string) string {
	return prefix + strings.Repeat("1", 34-len(prefix))
}

var (
	buyerAddr    = testAddr("Buyer")
	sellerAddr   = testAddr("Se11er")
	treasuryAddr = testAddr("Treasury")
	strangerAddr = testAddr("Stranger")
)

type fixture struct {
	svc      *Service
	sim      *chain.SimClient
	audit    *audit.MemoryLogger
	timeouts *timeouts.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	auditLog := audit.NewMemoryLogger()
	cm, err := custody.NewManager("test-master-secret-at-least-16", auditLog)
	require.NoError(t, err)

	sim := chain.NewSimClient()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	tstore := timeouts.NewMemoryStore()

	svc := NewService(Deps{
		Contracts:      NewMemoryContractStore(),
		Milestones:     NewMemoryMilestoneStore(),
		Deposits:       NewMemoryDepositStore(),
		Disputes:       NewMemoryDisputeStore(),
		Cancellations:  NewMemoryCancellationStore(),
		Custody:        cm,
		Chain:          sim,
		Signer:         chain.NewSigner(sim, cm, logger),
		Timeouts:       tstore,
		Audit:          auditLog,
		Logger:         logger,
		TreasuryWallet: treasuryAddr,
	})
	return &fixture{svc: svc, sim: sim, audit: auditLog, timeouts: tstore}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

// fund credits the custodial wallet from a party and runs one monitor
// pass.
func (f *fixture) fund(t *testing.T, c *Contract, from, asset, amount string) *Contract {
	t.Helper()
	f.sim.Credit(from, c.EscrowAddr, asset, amount)
	_, err := f.svc.ScanDeposits(context.Background(), c.ID)
	require.NoError(t, err)
	updated, err := f.svc.CheckAndUpdateFundingStatus(context.Background(), c.ID)
	require.NoError(t, err)
	return updated
}

func (f *fixture) balance(t *testing.T, addr, asset string) string {
	t.Helper()
	bal, err := f.sim.Balance(context.Background(), addr, asset)
	require.NoError(t, err)
	return bal
}

// assertAmount compares decimal amount strings by value, ignoring
// trailing zeros.
func assertAmount(t *testing.T, want, got string) {
	t.Helper()
	assert.Equal(t, 0, money.Cmp(want, got), "want %s, got %s", want, got)
}

func newTraditional(t *testing.T, f *fixture) *Contract {
	t.Helper()
	c, err := f.svc.CreateTraditional(context.Background(), TraditionalCreateRequest{
		BuyerAddr:     buyerAddr,
		SellerAddr:    sellerAddr,
		BuyerAmount:   "1000",
		SellerDeposit: "100",
		Asset:         "USDC",
	})
	require.NoError(t, err)
	return c
}

func TestCreateTraditionalValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  TraditionalCreateRequest
	}{
		{"same parties", TraditionalCreateRequest{
			BuyerAddr: buyerAddr, SellerAddr: buyerAddr,
			BuyerAmount: "1000", SellerDeposit: "100", Asset: "USDC",
		}},
		{"missing buyer", TraditionalCreateRequest{
			SellerAddr: sellerAddr, BuyerAmount: "1000", SellerDeposit: "100", Asset: "USDC",
		}},
		{"zero amount", TraditionalCreateRequest{
			BuyerAddr: buyerAddr, SellerAddr: sellerAddr,
			BuyerAmount: "0", SellerDeposit: "100", Asset: "USDC",
		}},
		{"negative deposit", TraditionalCreateRequest{
			BuyerAddr: buyerAddr, SellerAddr: sellerAddr,
			BuyerAmount: "1000", SellerDeposit: "-5", Asset: "USDC",
		}},
		{"bad asset", TraditionalCreateRequest{
			BuyerAddr: buyerAddr, SellerAddr: sellerAddr,
			BuyerAmount: "1000", SellerDeposit: "100", Asset: "usd coin",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateTraditional(ctx, tc.req)
			assert.True(t, fault.IsKind(err, fault.Validation), "want validation error, got %v", err)
		})
	}
}

func TestCreateTraditional(t *testing.T) {
	f := newFixture(t)
	c := newTraditional(t, f)

	assert.Equal(t, KindTraditional, c.Kind)
	assert.Equal(t, StatusCreated, c.Status)
	assert.NotEmpty(t, c.EscrowAddr)
	assert.NotEmpty(t, c.EncryptedKey)
	assert.False(t, c.BuyerDeposited)
	assert.False(t, c.SellerDeposited)
	assert.False(t, c.ExpiresAt.IsZero())

	pending, err := f.timeouts.ListByEscrow(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, timeouts.TypeDeposit, pending[0].Type)
}

func TestTraditionalFundingBothParties(t *testing.T) {
	f := newFixture(t)
	c := newTraditional(t, f)

	c = f.fund(t, c, buyerAddr, "USDC", "1000")
	assert.Equal(t, StatusCreated, c.Status, "buyer alone does not fund a traditional contract")
	assert.True(t, c.BuyerDeposited)
	assert.False(t, c.SellerDeposited)

	c = f.fund(t, c, sellerAddr, "USDC", "100")
	assert.Equal(t, StatusFullyFunded, c.Status)
	assert.True(t, c.SellerDeposited)
	require.NotNil(t, c.FundedAt)
}

func TestTraditionalReleaseRequiresBothConfirmations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := newTraditional(t, f)
	f.fund(t, c, buyerAddr, "USDC", "1000")
	f.fund(t, c, sellerAddr, "USDC", "100")

	_, err := f.svc.Confirm(ctx, c.ID, buyerAddr, "looks good")
	require.NoError(t, err)

	_, err = f.svc.Release(ctx, c.ID)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.StateConflict))
	assert.Contains(t, err.Error(), "Both parties must confirm before release")
}

func TestTraditionalDualConfirmationSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := newTraditional(t, f)
	f.fund(t, c, buyerAddr, "USDC", "1000")
	f.fund(t, c, sellerAddr, "USDC", "100")

	_, err := f.svc.Confirm(ctx, c.ID, buyerAddr, "")
	require.NoError(t, err)
	got, err := f.svc.Confirm(ctx, c.ID, sellerAddr, "")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// 3% of 1000 to treasury; seller receives 970 net plus the full 100
	// deposit back.
	assertAmount(t, "1070", f.balance(t, sellerAddr, "USDC"))
	assertAmount(t, "30", f.balance(t, treasuryAddr, "USDC"))
	assertAmount(t, "0", f.balance(t, got.EscrowAddr, "USDC"))
}

func TestTraditionalConfirmIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := newTraditional(t, f)
	f.fund(t, c, buyerAddr, "USDC", "1000")
	f.fund(t, c, sellerAddr, "USDC", "100")

	_, err := f.svc.Confirm(ctx, c.ID, buyerAddr, "")
	require.NoError(t, err)
	// Same party again: no error, no release.
	got, err := f.svc.Confirm(ctx, c.ID, buyerAddr, "")
	require.NoError(t, err)
	assert.Equal(t, StatusFullyFunded, got.Status)
	assertAmount(t, "0", f.balance(t, sellerAddr, "USDC"))
}

func TestConfirmAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := newTraditional(t, f)
	f.fund(t, c, buyerAddr, "USDC", "1000")
	f.fund(t, c, sellerAddr, "USDC", "100")

	_, err := f.svc.Confirm(ctx, c.ID, strangerAddr, "")
	assert.True(t, fault.IsKind(err, fault.Authorization))
}

func TestConfirmBeforeFundingRejected(t *testing.T) {
	f := newFixture(t)
	c := newTraditional(t, f)

	_, err := f.svc.Confirm(context.Background(), c.ID, buyerAddr, "")
	assert.True(t, fault.IsKind(err, fault.StateConflict))
}

func TestGetUnknownContract(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Get(context.Background(), "esc_missing")
	assert.True(t, fault.IsKind(err, fault.NotFound))
}

func TestScanDepositsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := newTraditional(t, f)

	f.sim.Credit(buyerAddr, c.EscrowAddr, "USDC", "1000")
	n, err := f.svc.ScanDeposits(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Unchanged ledger: nothing new recorded.
	n, err = f.svc.ScanDeposits(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	rows, err := f.svc.MonitorDeposits(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, rows.Deposits, 1)
}

func TestScanIgnoresWrongAssetAndStranger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := newTraditional(t, f)

	f.sim.Credit(buyerAddr, c.EscrowAddr, "BONK", "1000")
	f.sim.Credit(strangerAddr, c.EscrowAddr, "USDC", "1000")
	n, err := f.svc.ScanDeposits(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	status, err := f.svc.MonitorDeposits(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, status.BuyerDeposited)
	assert.False(t, status.FullyFunded)
}

func TestPartialDepositNotFunded(t *testing.T) {
	f := newFixture(t)
	c := newTraditional(t, f)

	c = f.fund(t, c, buyerAddr, "USDC", "400")
	assert.False(t, c.BuyerDeposited)

	// Two transfers covering the amount together count.
	c = f.fund(t, c, buyerAddr, "USDC", "600")
	assert.True(t, c.BuyerDeposited)
}

func TestAuditTrailRecordsLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := newTraditional(t, f)
	f.fund(t, c, buyerAddr, "USDC", "1000")
	f.fund(t, c, sellerAddr, "USDC", "100")
	_, err := f.svc.Confirm(ctx, c.ID, buyerAddr, "")
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, c.ID, sellerAddr, "")
	require.NoError(t, err)

	var actions []string
	for _, a := range f.audit.Actions() {
		if a.EscrowID == c.ID {
			actions = append(actions, a.Action)
		}
	}
	assert.Contains(t, actions, "escrow_created")
	assert.Contains(t, actions, "deposit_detected")
	assert.Contains(t, actions, "escrow_fully_funded")
	assert.Contains(t, actions, "escrow_confirmed")
	assert.Contains(t, actions, "escrow_released")
}
