package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fault"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/timeouts"
)

func newSwap(t *testing.T, f *fixture) *Contract {
	t.Helper()
	c, err := f.svc.CreateSwap(context.Background(), SwapCreateRequest{
		PartyA:       buyerAddr,
		PartyB:       sellerAddr,
		AssetA:       SwapAsset{Token: "TOKA", Amount: "10"},
		AssetB:       SwapAsset{Token: "TOKB", Amount: "1000"},
		TimeoutHours: 24,
	})
	require.NoError(t, err)
	return c
}

// swapTimeout fabricates the expired deadline row the monitor would hand
// to the resolver.
func swapTimeout(c *Contract) *timeouts.Timeout {
	return timeouts.New(c.ID, string(KindAtomicSwap), timeouts.TypeSwap,
		time.Now().Add(-time.Minute), time.Now().Add(-2*time.Hour))
}

func TestCreateSwapValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateSwap(ctx, SwapCreateRequest{
		PartyA: buyerAddr,
		PartyB: buyerAddr,
		AssetA: SwapAsset{Token: "TOKA", Amount: "10"},
		AssetB: SwapAsset{Token: "TOKB", Amount: "1000"},
	})
	assert.True(t, fault.IsKind(err, fault.Validation))

	_, err = f.svc.CreateSwap(ctx, SwapCreateRequest{
		PartyA: buyerAddr,
		PartyB: sellerAddr,
		AssetA: SwapAsset{Token: "TOKA", Amount: "0"},
		AssetB: SwapAsset{Token: "TOKB", Amount: "1000"},
	})
	assert.True(t, fault.IsKind(err, fault.Validation))

	_, err = f.svc.CreateSwap(ctx, SwapCreateRequest{
		PartyA: buyerAddr,
		PartyB: sellerAddr,
		AssetA: SwapAsset{Token: "", Amount: "10"},
		AssetB: SwapAsset{Token: "TOKB", Amount: "1000"},
	})
	assert.True(t, fault.IsKind(err, fault.Validation))

	_, err = f.svc.CreateSwap(ctx, SwapCreateRequest{
		PartyB: sellerAddr,
		AssetA: SwapAsset{Token: "TOKA", Amount: "10"},
		AssetB: SwapAsset{Token: "TOKB", Amount: "1000"},
	})
	assert.True(t, fault.IsKind(err, fault.Validation), "missing party A must be rejected, got %v", err)

	_, err = f.svc.CreateSwap(ctx, SwapCreateRequest{
		PartyA: buyerAddr,
		PartyB: sellerAddr,
		AssetA: SwapAsset{Token: "TOKA", Amount: "10"},
		AssetB: SwapAsset{Token: "TOKB"},
	})
	assert.True(t, fault.IsKind(err, fault.Validation), "missing amount B must be rejected, got %v", err)
}

func TestDetectBothDepositsReadiness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := newSwap(t, f)

	status, err := f.svc.DetectBothDeposits(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, status.PartyADeposited)
	assert.False(t, status.PartyBDeposited)
	assert.False(t, status.ReadyForSwap)

	f.fund(t, c, buyerAddr, "TOKA", "10")
	status, err = f.svc.DetectBothDeposits(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, status.PartyADeposited)
	assert.False(t, status.PartyBDeposited)
	assert.False(t, status.ReadyForSwap)

	f.fund(t, c, sellerAddr, "TOKB", "1000")
	status, err = f.svc.DetectBothDeposits(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, status.PartyADeposited)
	assert.True(t, status.PartyBDeposited)
	assert.True(t, status.ReadyForSwap)
}

func TestExecuteSwapCrossTransfers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := newSwap(t, f)
	f.fund(t, c, buyerAddr, "TOKA", "10")
	f.fund(t, c, sellerAddr, "TOKB", "1000")

	got, err := f.svc.ExecuteSwap(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.True(t, got.SwapExecuted)

	// Each side pays its own 3% fee: B receives 9.7 TOKA, A receives
	// 970 TOKB, the treasury collects 0.3 TOKA and 30 TOKB.
	assertAmount(t, "9.7", f.balance(t, sellerAddr, "TOKA"))
	assertAmount(t, "970", f.balance(t, buyerAddr, "TOKB"))
	assertAmount(t, "0.3", f.balance(t, treasuryAddr, "TOKA"))
	assertAmount(t, "30", f.balance(t, treasuryAddr, "TOKB"))
	assertAmount(t, "0", f.balance(t, got.EscrowAddr, "TOKA"))
	assertAmount(t, "0", f.balance(t, got.EscrowAddr, "TOKB"))

	// Executing twice is a conflict, not a second settlement.
	_, err = f.svc.ExecuteSwap(ctx, c.ID)
	assert.True(t, fault.IsKind(err, fault.StateConflict))
}

func TestExecuteSwapRequiresBothDeposits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := newSwap(t, f)
	f.fund(t, c, buyerAddr, "TOKA", "10")

	_, err := f.svc.ExecuteSwap(ctx, c.ID)
	assert.True(t, fault.IsKind(err, fault.StateConflict))
}

func TestSwapExpiryNoDepositsCancels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := newSwap(t, f)

	outcome, err := f.svc.HandleExpiry(ctx, swapTimeout(c))
	require.NoError(t, err)
	assert.Equal(t, "cancelled", outcome.Resolution)
	assert.False(t, outcome.Escalated)

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestSwapExpirySingleDepositRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := newSwap(t, f)
	f.fund(t, c, buyerAddr, "TOKA", "10")

	outcome, err := f.svc.HandleExpiry(ctx, swapTimeout(c))
	require.NoError(t, err)
	assert.Equal(t, "refunded", outcome.Resolution)

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
	assert.False(t, got.SwapExecuted)

	// Full refund, no fee.
	assertAmount(t, "10", f.balance(t, buyerAddr, "TOKA"))
	assertAmount(t, "0", f.balance(t, treasuryAddr, "TOKA"))
}

func TestSwapExpiryBothDepositsExecutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := newSwap(t, f)
	f.fund(t, c, buyerAddr, "TOKA", "10")
	f.fund(t, c, sellerAddr, "TOKB", "1000")

	// Deposit completeness supersedes the deadline.
	outcome, err := f.svc.HandleExpiry(ctx, swapTimeout(c))
	require.NoError(t, err)
	assert.Equal(t, "executed", outcome.Resolution)

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.True(t, got.SwapExecuted)
}

func TestTraditionalExpiryEscalates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := newTraditional(t, f)
	f.fund(t, c, buyerAddr, "USDC", "1000")
	f.fund(t, c, sellerAddr, "USDC", "100")

	tmo := timeouts.New(c.ID, string(KindTraditional), timeouts.TypeConfirmation,
		time.Now().Add(-time.Minute), time.Now().Add(-2*time.Hour))
	outcome, err := f.svc.HandleExpiry(ctx, tmo)
	require.NoError(t, err)
	assert.True(t, outcome.Escalated)
	assert.Equal(t, "escalated", outcome.Resolution)

	// No funds moved and the contract is untouched.
	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFullyFunded, got.Status)
	assertAmount(t, "1100", f.balance(t, got.EscrowAddr, "USDC"))
}

func TestExpiryOnSettledContract(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := newSwap(t, f)
	f.fund(t, c, buyerAddr, "TOKA", "10")
	f.fund(t, c, sellerAddr, "TOKB", "1000")
	_, err := f.svc.ExecuteSwap(ctx, c.ID)
	require.NoError(t, err)

	outcome, err := f.svc.HandleExpiry(ctx, swapTimeout(c))
	require.NoError(t, err)
	assert.Equal(t, "already_resolved", outcome.Resolution)
}
