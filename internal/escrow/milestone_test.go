package escrow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fault"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/money"
)

func TestValidateMilestones(t *testing.T) {
	cases := []struct {
		name    string
		list    []MilestoneInput
		wantErr bool
	}{
		{"empty list", nil, true},
		{"sum under 100", []MilestoneInput{
			{Description: "a", Percentage: 30},
			{Description: "b", Percentage: 60},
		}, true},
		{"sum over 100", []MilestoneInput{
			{Description: "a", Percentage: 60},
			{Description: "b", Percentage: 60},
		}, true},
		{"zero percentage", []MilestoneInput{
			{Description: "a", Percentage: 0},
			{Description: "b", Percentage: 100},
		}, true},
		{"over 100 percentage", []MilestoneInput{
			{Description: "a", Percentage: 101},
		}, true},
		{"empty description", []MilestoneInput{
			{Description: "", Percentage: 100},
		}, true},
		{"valid pair", []MilestoneInput{
			{Description: "design", Percentage: 30},
			{Description: "build", Percentage: 70},
		}, false},
		{"fractional valid", []MilestoneInput{
			{Description: "a", Percentage: 33.5},
			{Description: "b", Percentage: 66.5},
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateMilestones(tc.list)
			if tc.wantErr {
				assert.True(t, fault.IsKind(err, fault.Validation), "want validation error, got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateMilestonesTooMany(t *testing.T) {
	list := make([]MilestoneInput, MaxMilestones+1)
	for i := range list {
		list[i] = MilestoneInput{Description: "step", Percentage: 100.0 / float64(len(list))}
	}
	_, err := ValidateMilestones(list)
	assert.True(t, fault.IsKind(err, fault.Validation))
}

func TestValidateMilestonesSingleWarns(t *testing.T) {
	warning, err := ValidateMilestones([]MilestoneInput{{Description: "all", Percentage: 100}})
	require.NoError(t, err)
	assert.NotEmpty(t, warning)
}

func TestMilestoneAmounts(t *testing.T) {
	ms, err := calculateMilestoneAmounts("esc_x", "1000", []MilestoneInput{
		{Description: "design", Percentage: 30},
		{Description: "build", Percentage: 70},
	})
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assertAmount(t, "300", ms[0].Amount)
	assertAmount(t, "700", ms[1].Amount)
	assert.Equal(t, 1, ms[0].Order)
	assert.Equal(t, 2, ms[1].Order)
}

func TestMilestoneAmountsConserveTotal(t *testing.T) {
	// Thirds do not divide evenly; the last milestone absorbs the
	// remainder.
	ms, err := calculateMilestoneAmounts("esc_x", "100", []MilestoneInput{
		{Description: "a", Percentage: 33.33},
		{Description: "b", Percentage: 33.33},
		{Description: "c", Percentage: 33.34},
	})
	require.NoError(t, err)

	sum := "0"
	for _, m := range ms {
		sum = money.Add(sum, m.Amount)
	}
	assertAmount(t, "100", sum)
}

func TestCreateMilestoneContractValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := []MilestoneInput{
		{Description: "design", Percentage: 30},
		{Description: "build", Percentage: 70},
	}

	cases := []struct {
		name string
		req  MilestoneCreateRequest
	}{
		{"missing buyer", MilestoneCreateRequest{
			SellerAddr: sellerAddr, TotalAmount: "1000", Asset: "USDC", Milestones: plan,
		}},
		{"missing seller", MilestoneCreateRequest{
			BuyerAddr: buyerAddr, TotalAmount: "1000", Asset: "USDC", Milestones: plan,
		}},
		{"missing amount", MilestoneCreateRequest{
			BuyerAddr: buyerAddr, SellerAddr: sellerAddr, Asset: "USDC", Milestones: plan,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := f.svc.CreateMilestoneContract(ctx, tc.req)
			assert.True(t, fault.IsKind(err, fault.Validation), "want validation error, got %v", err)
		})
	}
}

func newMilestoneContract(t *testing.T, f *fixture) (*Contract, []*Milestone) {
	t.Helper()
	c, ms, err := f.svc.CreateMilestoneContract(context.Background(), MilestoneCreateRequest{
		BuyerAddr:   buyerAddr,
		SellerAddr:  sellerAddr,
		TotalAmount: "1000",
		Asset:       "USDC",
		Milestones: []MilestoneInput{
			{Description: "design", Percentage: 30},
			{Description: "build", Percentage: 70},
		},
	})
	require.NoError(t, err)
	return c, ms
}

func fundMilestoneContract(t *testing.T, f *fixture, c *Contract) *Contract {
	t.Helper()
	updated := f.fund(t, c, buyerAddr, "USDC", "1000")
	require.Equal(t, StatusFullyFunded, updated.Status, "buyer deposit alone funds a milestone contract")
	return updated
}

func TestMilestoneBuyerOnlyFunding(t *testing.T) {
	f := newFixture(t)
	c, _ := newMilestoneContract(t, f)
	fundMilestoneContract(t, f, c)
}

func TestSubmitWorkSequential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, ms := newMilestoneContract(t, f)
	fundMilestoneContract(t, f, c)

	// Milestone 2 before milestone 1 is released.
	_, err := f.svc.SubmitWork(ctx, ms[1].ID, sellerAddr, "", nil)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.StateConflict))
	assert.Contains(t, err.Error(), "Previous milestones must be completed")

	// Milestone 1 proceeds.
	m1, err := f.svc.SubmitWork(ctx, ms[0].ID, sellerAddr, "design done", []string{"ipfs://design"})
	require.NoError(t, err)
	assert.Equal(t, MilestoneWorkSubmitted, m1.Status)

	// Milestone 2 still blocked: milestone 1 is submitted, not released.
	_, err = f.svc.SubmitWork(ctx, ms[1].ID, sellerAddr, "", nil)
	assert.True(t, fault.IsKind(err, fault.StateConflict))

	_, err = f.svc.Approve(ctx, ms[0].ID, buyerAddr, "")
	require.NoError(t, err)

	// Now milestone 2 may proceed.
	m2, err := f.svc.SubmitWork(ctx, ms[1].ID, sellerAddr, "", nil)
	require.NoError(t, err)
	assert.Equal(t, MilestoneWorkSubmitted, m2.Status)
}

func TestSubmitWorkAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, ms := newMilestoneContract(t, f)
	fundMilestoneContract(t, f, c)

	_, err := f.svc.SubmitWork(ctx, ms[0].ID, buyerAddr, "", nil)
	assert.True(t, fault.IsKind(err, fault.Authorization))
}

func TestApproveAuthorizationAndState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, ms := newMilestoneContract(t, f)
	fundMilestoneContract(t, f, c)

	// Approving before submission is a state conflict.
	_, err := f.svc.Approve(ctx, ms[0].ID, buyerAddr, "")
	assert.True(t, fault.IsKind(err, fault.StateConflict))

	_, err = f.svc.SubmitWork(ctx, ms[0].ID, sellerAddr, "", nil)
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, ms[0].ID, sellerAddr, "")
	assert.True(t, fault.IsKind(err, fault.Authorization))
}

func TestMilestoneReleasePaysSellerNet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, ms := newMilestoneContract(t, f)
	fundMilestoneContract(t, f, c)

	_, err := f.svc.SubmitWork(ctx, ms[0].ID, sellerAddr, "", nil)
	require.NoError(t, err)
	m1, err := f.svc.Approve(ctx, ms[0].ID, buyerAddr, "accepted")
	require.NoError(t, err)

	assert.Equal(t, MilestoneReleased, m1.Status)
	assert.NotEmpty(t, m1.ReleaseTxRef)
	require.NotNil(t, m1.ReleasedAt)

	// 3% of 300 = 9 to treasury, 291 to the seller.
	assertAmount(t, "291", f.balance(t, sellerAddr, "USDC"))
	assertAmount(t, "9", f.balance(t, treasuryAddr, "USDC"))

	// One milestone left: contract still active.
	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFullyFunded, got.Status)
}

func TestAllMilestonesReleasedCompletesContract(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, ms := newMilestoneContract(t, f)
	fundMilestoneContract(t, f, c)

	for _, m := range ms {
		_, err := f.svc.SubmitWork(ctx, m.ID, sellerAddr, "", nil)
		require.NoError(t, err)
		_, err = f.svc.Approve(ctx, m.ID, buyerAddr, "")
		require.NoError(t, err)
	}

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// 970 net across both milestones, 30 in fees, wallet drained.
	assertAmount(t, "970", f.balance(t, sellerAddr, "USDC"))
	assertAmount(t, "30", f.balance(t, treasuryAddr, "USDC"))
	assertAmount(t, "0", f.balance(t, got.EscrowAddr, "USDC"))
}

func TestSubmitWorkBeforeFunding(t *testing.T) {
	f := newFixture(t)
	c, ms := newMilestoneContract(t, f)

	_, err := f.svc.SubmitWork(context.Background(), ms[0].ID, sellerAddr, "", nil)
	assert.True(t, fault.IsKind(err, fault.StateConflict))
	_ = c
}
