package timeouts

import (
	"context"
	"database/sql"
	"time"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fault"
)

// PostgresStore persists timeouts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed timeout store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const timeoutColumns = `id, escrow_id, contract_kind, timeout_type, expires_at, warn_at,
		warning_sent, resolved, created_at`

func (p *PostgresStore) Create(ctx context.Context, t *Timeout) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO timeouts (`+timeoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.EscrowID, t.ContractKind, string(t.Type), t.ExpiresAt, t.WarnAt,
		t.WarningSent, t.Resolved, t.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Timeout, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+timeoutColumns+` FROM timeouts WHERE id = $1`, id)
	t, err := scanTimeout(row)
	if err == sql.ErrNoRows {
		return nil, fault.Newf(fault.NotFound, "timeout %s not found", id)
	}
	return t, err
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Timeout, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+timeoutColumns+` FROM timeouts
		WHERE resolved = FALSE AND expires_at < $1
		ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectTimeouts(rows)
}

func (p *PostgresStore) ListNeedingWarning(ctx context.Context, now time.Time, limit int) ([]*Timeout, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+timeoutColumns+` FROM timeouts
		WHERE resolved = FALSE AND warning_sent = FALSE
		  AND warn_at < $1 AND expires_at >= $1
		ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectTimeouts(rows)
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Timeout, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+timeoutColumns+` FROM timeouts
		WHERE escrow_id = $1 ORDER BY expires_at`, escrowID)
	if err != nil {
		return nil, err
	}
	return collectTimeouts(rows)
}

func (p *PostgresStore) MarkWarned(ctx context.Context, id string) error {
	return p.setFlag(ctx, id, "warning_sent")
}

func (p *PostgresStore) MarkResolved(ctx context.Context, id string) error {
	return p.setFlag(ctx, id, "resolved")
}

func (p *PostgresStore) setFlag(ctx context.Context, id, column string) error {
	// column is one of two trusted literals, never user input.
	result, err := p.db.ExecContext(ctx,
		`UPDATE timeouts SET `+column+` = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fault.Newf(fault.NotFound, "timeout %s not found", id)
	}
	return nil
}

func (p *PostgresStore) ResolveByEscrow(ctx context.Context, escrowID string, typ Type) error {
	if typ == "" {
		_, err := p.db.ExecContext(ctx,
			`UPDATE timeouts SET resolved = TRUE WHERE escrow_id = $1 AND resolved = FALSE`, escrowID)
		return err
	}
	_, err := p.db.ExecContext(ctx,
		`UPDATE timeouts SET resolved = TRUE WHERE escrow_id = $1 AND timeout_type = $2 AND resolved = FALSE`,
		escrowID, string(typ))
	return err
}

func collectTimeouts(rows *sql.Rows) ([]*Timeout, error) {
	defer func() { _ = rows.Close() }()
	var out []*Timeout
	for rows.Next() {
		t, err := scanTimeout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTimeout(row rowScanner) (*Timeout, error) {
	t := &Timeout{}
	var typ string
	if err := row.Scan(&t.ID, &t.EscrowID, &t.ContractKind, &typ, &t.ExpiresAt, &t.WarnAt,
		&t.WarningSent, &t.Resolved, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Type = Type(typ)
	return t, nil
}
