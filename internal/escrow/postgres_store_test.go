package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/testutil"
)

func testContract(id string) *Contract {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Contract{
		ID:           id,
		Kind:         KindTraditional,
		BuyerAddr:    buyerAddr,
		SellerAddr:   sellerAddr,
		BuyerAmount:  "1000",
		BuyerAsset:   "USDC",
		SellerAmount: "100",
		SellerAsset:  "USDC",
		Status:       StatusCreated,
		EscrowAddr:   testAddr("Vau1t"),
		EncryptedKey: "opaque-ciphertext",
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(48 * time.Hour),
	}
}

func TestPostgresContractStoreRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	store := NewPostgresContractStore(db)
	c := testContract("esc_pg_1")
	require.NoError(t, store.Create(ctx, c))

	got, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c.Kind, got.Kind)
	assert.Equal(t, c.BuyerAddr, got.BuyerAddr)
	assert.Equal(t, c.EncryptedKey, got.EncryptedKey)
	assert.Equal(t, StatusCreated, got.Status)
	assert.Nil(t, got.FundedAt)

	missing, err := store.Get(ctx, "esc_pg_nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	now := time.Now().UTC().Truncate(time.Microsecond)
	got.Status = StatusFullyFunded
	got.BuyerDeposited = true
	got.SellerDeposited = true
	got.FundedAt = &now
	got.UpdatedAt = now
	require.NoError(t, store.Update(ctx, got))

	got, err = store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFullyFunded, got.Status)
	require.NotNil(t, got.FundedAt)

	byParty, err := store.ListByParty(ctx, buyerAddr, 10)
	require.NoError(t, err)
	require.Len(t, byParty, 1)

	byStatus, err := store.ListByStatus(ctx, StatusFullyFunded, 10)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
}

func TestPostgresMilestoneStoreBatch(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	contracts := NewPostgresContractStore(db)
	c := testContract("esc_pg_ms")
	c.Kind = KindMilestone
	require.NoError(t, contracts.Create(ctx, c))

	store := NewPostgresMilestoneStore(db)
	ms := []*Milestone{
		{ID: "mls_pg_1", EscrowID: c.ID, Order: 1, Description: "design", Percentage: 40, Amount: "400", Status: MilestonePending},
		{ID: "mls_pg_2", EscrowID: c.ID, Order: 2, Description: "build", Percentage: 60, Amount: "600", Status: MilestonePending, EvidenceURIs: []string{"https://example.com/brief"}},
	}
	require.NoError(t, store.CreateBatch(ctx, ms))

	listed, err := store.ListByEscrow(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, 1, listed[0].Order)
	assert.Equal(t, 2, listed[1].Order)
	assert.Equal(t, []string{"https://example.com/brief"}, listed[1].EvidenceURIs)

	now := time.Now().UTC().Truncate(time.Microsecond)
	first := listed[0]
	first.Status = MilestoneWorkSubmitted
	first.SubmissionNotes = "done"
	first.SubmittedAt = &now
	require.NoError(t, store.Update(ctx, first))

	got, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, MilestoneWorkSubmitted, got.Status)
	assert.Equal(t, "done", got.SubmissionNotes)
	require.NotNil(t, got.SubmittedAt)
}

func TestPostgresDepositStoreDedupe(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	contracts := NewPostgresContractStore(db)
	c := testContract("esc_pg_dep")
	require.NoError(t, contracts.Create(ctx, c))

	store := NewPostgresDepositStore(db)
	d := &Deposit{
		ID:         "dep_pg_1",
		EscrowID:   c.ID,
		Party:      PartyBuyer,
		Amount:     "1000",
		Asset:      "USDC",
		TxRef:      "tx_pg_1",
		Confirmed:  true,
		DetectedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, store.Create(ctx, d))

	got, err := store.GetByTxRef(ctx, c.ID, "tx_pg_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, PartyBuyer, got.Party)

	missing, err := store.GetByTxRef(ctx, c.ID, "tx_pg_other")
	require.NoError(t, err)
	assert.Nil(t, missing)

	listed, err := store.ListByEscrow(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

func TestPostgresDisputeStoreOpenLookup(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	contracts := NewPostgresContractStore(db)
	c := testContract("esc_pg_dsp")
	require.NoError(t, contracts.Create(ctx, c))

	store := NewPostgresDisputeStore(db)
	d := &Dispute{
		ID:         "dsp_pg_1",
		EscrowID:   c.ID,
		RaisedBy:   buyerAddr,
		RaisedRole: PartyBuyer,
		Reason:     "work not delivered",
		Status:     DisputeOpen,
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, store.Create(ctx, d))

	open, err := store.OpenByEscrow(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Empty(t, open.MilestoneID)

	now := time.Now().UTC().Truncate(time.Microsecond)
	open.Status = DisputeResolved
	open.Decision = DecisionRefund
	open.ResolutionTxRef = "tx_pg_ruling"
	open.ResolvedAt = &now
	require.NoError(t, store.Update(ctx, open))

	open, err = store.OpenByEscrow(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, open)

	listed, err := store.ListByEscrow(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, DecisionRefund, listed[0].Decision)
}

func TestPostgresCancellationStorePendingLookup(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	contracts := NewPostgresContractStore(db)
	c := testContract("esc_pg_cxl")
	require.NoError(t, contracts.Create(ctx, c))

	store := NewPostgresCancellationStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)
	r := &CancellationRequest{
		ID:              "cnl_pg_1",
		EscrowID:        c.ID,
		RequestedBy:     buyerAddr,
		Status:          CancellationPending,
		BuyerApproved:   true,
		BuyerApprovedAt: &now,
		CreatedAt:       now,
	}
	require.NoError(t, store.Create(ctx, r))

	pending, err := store.PendingByEscrow(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.True(t, pending.BuyerApproved)
	assert.False(t, pending.SellerApproved)

	pending.Status = CancellationApproved
	pending.SellerApproved = true
	pending.SellerApprovedAt = &now
	require.NoError(t, store.Update(ctx, pending))

	none, err := store.PendingByEscrow(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, none)
}
