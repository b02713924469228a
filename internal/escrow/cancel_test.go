package escrow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fault"
)

func TestRequestCancellationPendingUntilCounterparty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := fundedTraditional(t, f)

	r, err := f.svc.RequestCancellation(ctx, c.ID, buyerAddr, "project cancelled")
	require.NoError(t, err)
	assert.Equal(t, CancellationPending, r.Status)
	assert.True(t, r.BuyerApproved, "requester is auto-approved")
	assert.False(t, r.SellerApproved)

	// Contract is untouched until the counterparty approves.
	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFullyFunded, got.Status)
}

func TestMutualCancellationRefundsMinusFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := fundedTraditional(t, f)

	_, err := f.svc.RequestCancellation(ctx, c.ID, buyerAddr, "mutual agreement")
	require.NoError(t, err)
	r, err := f.svc.ApproveCancellation(ctx, c.ID, sellerAddr)
	require.NoError(t, err)
	assert.Equal(t, CancellationApproved, r.Status)
	assert.True(t, r.BuyerApproved)
	assert.True(t, r.SellerApproved)

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	// 1% cancellation fee on each confirmed deposit.
	assertAmount(t, "990", f.balance(t, buyerAddr, "USDC"))
	assertAmount(t, "99", f.balance(t, sellerAddr, "USDC"))
	assertAmount(t, "11", f.balance(t, treasuryAddr, "USDC"))
	assertAmount(t, "0", f.balance(t, got.EscrowAddr, "USDC"))
}

func TestApproveCancellationTwiceRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := fundedTraditional(t, f)

	_, err := f.svc.RequestCancellation(ctx, c.ID, buyerAddr, "")
	require.NoError(t, err)

	// The requester's side is already approved.
	_, err = f.svc.ApproveCancellation(ctx, c.ID, buyerAddr)
	assert.True(t, fault.IsKind(err, fault.StateConflict))
}

func TestApproveWithoutPendingRequest(t *testing.T) {
	f := newFixture(t)
	c := fundedTraditional(t, f)

	_, err := f.svc.ApproveCancellation(context.Background(), c.ID, sellerAddr)
	assert.True(t, fault.IsKind(err, fault.NotFound))
}

func TestSecondCancellationRequestRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := fundedTraditional(t, f)

	_, err := f.svc.RequestCancellation(ctx, c.ID, buyerAddr, "")
	require.NoError(t, err)
	_, err = f.svc.RequestCancellation(ctx, c.ID, sellerAddr, "")
	assert.True(t, fault.IsKind(err, fault.StateConflict))
}

func TestUnilateralCancelBeforeFunding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := newTraditional(t, f)

	r, err := f.svc.RequestCancellation(ctx, c.ID, buyerAddr, "never mind")
	require.NoError(t, err)
	assert.Equal(t, CancellationApproved, r.Status)

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestUnilateralCancelRefundsPartialDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := newTraditional(t, f)

	// Buyer deposited but the seller never did: not fully funded.
	f.fund(t, c, buyerAddr, "USDC", "1000")

	_, err := f.svc.RequestCancellation(ctx, c.ID, buyerAddr, "seller never funded")
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	// Partial deposit refunds in full with the fee flag off.
	assertAmount(t, "1000", f.balance(t, buyerAddr, "USDC"))
	assertAmount(t, "0", f.balance(t, treasuryAddr, "USDC"))
}

func TestUnilateralCancelFeeFlag(t *testing.T) {
	f := newFixture(t)
	f.svc.unfundedCancelFee = true
	ctx := context.Background()
	c := newTraditional(t, f)
	f.fund(t, c, buyerAddr, "USDC", "1000")

	_, err := f.svc.RequestCancellation(ctx, c.ID, buyerAddr, "")
	require.NoError(t, err)

	assertAmount(t, "990", f.balance(t, buyerAddr, "USDC"))
	assertAmount(t, "10", f.balance(t, treasuryAddr, "USDC"))
}

func TestUnilateralCancelBlockedOnceFunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := fundedTraditional(t, f)

	r, err := f.svc.RequestCancellation(ctx, c.ID, sellerAddr, "")
	require.NoError(t, err)

	// A funded contract needs the counterparty: the request stays
	// pending, nothing is refunded.
	assert.Equal(t, CancellationPending, r.Status)
	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFullyFunded, got.Status)
}

func TestCancellationAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := fundedTraditional(t, f)

	_, err := f.svc.RequestCancellation(ctx, c.ID, strangerAddr, "")
	assert.True(t, fault.IsKind(err, fault.Authorization))

	_, err = f.svc.RequestCancellation(ctx, c.ID, buyerAddr, "")
	require.NoError(t, err)
	_, err = f.svc.ApproveCancellation(ctx, c.ID, strangerAddr)
	assert.True(t, fault.IsKind(err, fault.Authorization))
}

func TestCancelTerminalContractRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := fundedTraditional(t, f)
	_, err := f.svc.Confirm(ctx, c.ID, buyerAddr, "")
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, c.ID, sellerAddr, "")
	require.NoError(t, err)

	_, err = f.svc.RequestCancellation(ctx, c.ID, buyerAddr, "")
	assert.True(t, fault.IsKind(err, fault.StateConflict))
}
