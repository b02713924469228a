package escrow

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresContractStore persists contracts in PostgreSQL. Absent rows are
// (nil, nil); the service layer owns the not-found error.
type PostgresContractStore struct {
	db *sql.DB
}

// NewPostgresContractStore creates a new PostgreSQL-backed contract store.
func NewPostgresContractStore(db *sql.DB) *PostgresContractStore {
	return &PostgresContractStore{db: db}
}

const contractColumns = `id, kind, buyer_addr, seller_addr, buyer_amount, buyer_asset,
		seller_amount, seller_asset, status, escrow_addr, encrypted_key,
		buyer_deposited, seller_deposited, buyer_confirmed, seller_confirmed,
		swap_executed, created_at, updated_at, funded_at, completed_at, expires_at`

func (p *PostgresContractStore) Create(ctx context.Context, c *Contract) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_contracts (`+contractColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
		        $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		c.ID, string(c.Kind), c.BuyerAddr, c.SellerAddr, c.BuyerAmount, c.BuyerAsset,
		c.SellerAmount, c.SellerAsset, string(c.Status), c.EscrowAddr, c.EncryptedKey,
		c.BuyerDeposited, c.SellerDeposited, c.BuyerConfirmed, c.SellerConfirmed,
		c.SwapExecuted, c.CreatedAt, c.UpdatedAt, c.FundedAt, c.CompletedAt, c.ExpiresAt,
	)
	return err
}

func (p *PostgresContractStore) Get(ctx context.Context, id string) (*Contract, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM escrow_contracts WHERE id = $1`, id)
	c, err := scanContract(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (p *PostgresContractStore) Update(ctx context.Context, c *Contract) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE escrow_contracts SET
			status = $2, buyer_deposited = $3, seller_deposited = $4,
			buyer_confirmed = $5, seller_confirmed = $6, swap_executed = $7,
			updated_at = $8, funded_at = $9, completed_at = $10, expires_at = $11
		WHERE id = $1`,
		c.ID, string(c.Status), c.BuyerDeposited, c.SellerDeposited,
		c.BuyerConfirmed, c.SellerConfirmed, c.SwapExecuted,
		c.UpdatedAt, c.FundedAt, c.CompletedAt, c.ExpiresAt,
	)
	return err
}

func (p *PostgresContractStore) ListByParty(ctx context.Context, addr string, limit int) ([]*Contract, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+contractColumns+` FROM escrow_contracts
		WHERE buyer_addr = $1 OR seller_addr = $1
		ORDER BY created_at DESC LIMIT $2`, addr, limit)
	if err != nil {
		return nil, err
	}
	return collectContracts(rows)
}

func (p *PostgresContractStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Contract, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+contractColumns+` FROM escrow_contracts
		WHERE status = $1
		ORDER BY created_at DESC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	return collectContracts(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanContract(row rowScanner) (*Contract, error) {
	var c Contract
	var kind, status string
	err := row.Scan(
		&c.ID, &kind, &c.BuyerAddr, &c.SellerAddr, &c.BuyerAmount, &c.BuyerAsset,
		&c.SellerAmount, &c.SellerAsset, &status, &c.EscrowAddr, &c.EncryptedKey,
		&c.BuyerDeposited, &c.SellerDeposited, &c.BuyerConfirmed, &c.SellerConfirmed,
		&c.SwapExecuted, &c.CreatedAt, &c.UpdatedAt, &c.FundedAt, &c.CompletedAt, &c.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	c.Kind = Kind(kind)
	c.Status = Status(status)
	return &c, nil
}

func collectContracts(rows *sql.Rows) ([]*Contract, error) {
	defer rows.Close()
	var out []*Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PostgresMilestoneStore persists milestones in PostgreSQL.
type PostgresMilestoneStore struct {
	db *sql.DB
}

// NewPostgresMilestoneStore creates a new PostgreSQL-backed milestone store.
func NewPostgresMilestoneStore(db *sql.DB) *PostgresMilestoneStore {
	return &PostgresMilestoneStore{db: db}
}

const milestoneColumns = `id, escrow_id, seq, description, percentage, amount, status,
		submission_notes, evidence_uris, submitted_at,
		approval_notes, approved_at, release_tx_ref, released_at`

func (p *PostgresMilestoneStore) CreateBatch(ctx context.Context, ms []*Milestone) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, m := range ms {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO milestones (`+milestoneColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			m.ID, m.EscrowID, m.Order, m.Description, m.Percentage, m.Amount, string(m.Status),
			m.SubmissionNotes, pq.Array(m.EvidenceURIs), m.SubmittedAt,
			m.ApprovalNotes, m.ApprovedAt, m.ReleaseTxRef, m.ReleasedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresMilestoneStore) Get(ctx context.Context, id string) (*Milestone, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id)
	m, err := scanMilestone(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (p *PostgresMilestoneStore) Update(ctx context.Context, m *Milestone) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE milestones SET
			status = $2, submission_notes = $3, evidence_uris = $4, submitted_at = $5,
			approval_notes = $6, approved_at = $7, release_tx_ref = $8, released_at = $9
		WHERE id = $1`,
		m.ID, string(m.Status), m.SubmissionNotes, pq.Array(m.EvidenceURIs), m.SubmittedAt,
		m.ApprovalNotes, m.ApprovedAt, m.ReleaseTxRef, m.ReleasedAt,
	)
	return err
}

func (p *PostgresMilestoneStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Milestone, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+milestoneColumns+` FROM milestones
		WHERE escrow_id = $1 ORDER BY seq`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMilestone(row rowScanner) (*Milestone, error) {
	var m Milestone
	var status string
	err := row.Scan(
		&m.ID, &m.EscrowID, &m.Order, &m.Description, &m.Percentage, &m.Amount, &status,
		&m.SubmissionNotes, pq.Array(&m.EvidenceURIs), &m.SubmittedAt,
		&m.ApprovalNotes, &m.ApprovedAt, &m.ReleaseTxRef, &m.ReleasedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Status = MilestoneStatus(status)
	return &m, nil
}

// PostgresDepositStore persists deposits in PostgreSQL.
type PostgresDepositStore struct {
	db *sql.DB
}

// NewPostgresDepositStore creates a new PostgreSQL-backed deposit store.
func NewPostgresDepositStore(db *sql.DB) *PostgresDepositStore {
	return &PostgresDepositStore{db: db}
}

const depositColumns = `id, escrow_id, party, amount, asset, tx_ref, confirmed, detected_at`

func (p *PostgresDepositStore) Create(ctx context.Context, d *Deposit) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deposits (`+depositColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.EscrowID, string(d.Party), d.Amount, d.Asset, d.TxRef, d.Confirmed, d.DetectedAt,
	)
	return err
}

func (p *PostgresDepositStore) GetByTxRef(ctx context.Context, escrowID, txRef string) (*Deposit, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+depositColumns+` FROM deposits
		WHERE escrow_id = $1 AND tx_ref = $2`, escrowID, txRef)
	d, err := scanDeposit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (p *PostgresDepositStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Deposit, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+depositColumns+` FROM deposits
		WHERE escrow_id = $1 ORDER BY detected_at`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDeposit(row rowScanner) (*Deposit, error) {
	var d Deposit
	var party string
	err := row.Scan(&d.ID, &d.EscrowID, &party, &d.Amount, &d.Asset, &d.TxRef, &d.Confirmed, &d.DetectedAt)
	if err != nil {
		return nil, err
	}
	d.Party = Party(party)
	return &d, nil
}

// PostgresDisputeStore persists disputes in PostgreSQL.
type PostgresDisputeStore struct {
	db *sql.DB
}

// NewPostgresDisputeStore creates a new PostgreSQL-backed dispute store.
func NewPostgresDisputeStore(db *sql.DB) *PostgresDisputeStore {
	return &PostgresDisputeStore{db: db}
}

const disputeColumns = `id, escrow_id, milestone_id, raised_by, raised_role, reason, status,
		decision, resolution_notes, resolution_tx_ref, resolved_at, created_at`

func (p *PostgresDisputeStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.EscrowID, nullStr(d.MilestoneID), d.RaisedBy, string(d.RaisedRole), d.Reason, string(d.Status),
		d.Decision, d.ResolutionNotes, d.ResolutionTxRef, d.ResolvedAt, d.CreatedAt,
	)
	return err
}

func (p *PostgresDisputeStore) Update(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $2, decision = $3, resolution_notes = $4,
			resolution_tx_ref = $5, resolved_at = $6
		WHERE id = $1`,
		d.ID, string(d.Status), d.Decision, d.ResolutionNotes, d.ResolutionTxRef, d.ResolvedAt,
	)
	return err
}

func (p *PostgresDisputeStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE escrow_id = $1 ORDER BY created_at`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresDisputeStore) OpenByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE escrow_id = $1 AND status = $2
		ORDER BY created_at LIMIT 1`, escrowID, string(DisputeOpen))
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func scanDispute(row rowScanner) (*Dispute, error) {
	var d Dispute
	var role, status string
	var milestoneID sql.NullString
	err := row.Scan(
		&d.ID, &d.EscrowID, &milestoneID, &d.RaisedBy, &role, &d.Reason, &status,
		&d.Decision, &d.ResolutionNotes, &d.ResolutionTxRef, &d.ResolvedAt, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.MilestoneID = milestoneID.String
	d.RaisedRole = Party(role)
	d.Status = DisputeStatus(status)
	return &d, nil
}

// PostgresCancellationStore persists cancellation requests in PostgreSQL.
type PostgresCancellationStore struct {
	db *sql.DB
}

// NewPostgresCancellationStore creates a new PostgreSQL-backed
// cancellation store.
func NewPostgresCancellationStore(db *sql.DB) *PostgresCancellationStore {
	return &PostgresCancellationStore{db: db}
}

const cancellationColumns = `id, escrow_id, requested_by, reason, status,
		buyer_approved, seller_approved, buyer_approved_at, seller_approved_at, created_at`

func (p *PostgresCancellationStore) Create(ctx context.Context, r *CancellationRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO cancellation_requests (`+cancellationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.EscrowID, r.RequestedBy, r.Reason, string(r.Status),
		r.BuyerApproved, r.SellerApproved, r.BuyerApprovedAt, r.SellerApprovedAt, r.CreatedAt,
	)
	return err
}

func (p *PostgresCancellationStore) Update(ctx context.Context, r *CancellationRequest) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE cancellation_requests SET
			status = $2, buyer_approved = $3, seller_approved = $4,
			buyer_approved_at = $5, seller_approved_at = $6
		WHERE id = $1`,
		r.ID, string(r.Status), r.BuyerApproved, r.SellerApproved,
		r.BuyerApprovedAt, r.SellerApprovedAt,
	)
	return err
}

func (p *PostgresCancellationStore) PendingByEscrow(ctx context.Context, escrowID string) (*CancellationRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+cancellationColumns+` FROM cancellation_requests
		WHERE escrow_id = $1 AND status = $2
		ORDER BY created_at LIMIT 1`, escrowID, string(CancellationPending))
	r, err := scanCancellation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (p *PostgresCancellationStore) ListByEscrow(ctx context.Context, escrowID string) ([]*CancellationRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+cancellationColumns+` FROM cancellation_requests
		WHERE escrow_id = $1 ORDER BY created_at`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*CancellationRequest
	for rows.Next() {
		r, err := scanCancellation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanCancellation(row rowScanner) (*CancellationRequest, error) {
	var r CancellationRequest
	var status string
	err := row.Scan(
		&r.ID, &r.EscrowID, &r.RequestedBy, &r.Reason, &status,
		&r.BuyerApproved, &r.SellerApproved, &r.BuyerApprovedAt, &r.SellerApprovedAt, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = CancellationStatus(status)
	return &r, nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
