package multisig

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fault"
)

// PostgresStore persists multi-sig transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed multi-sig store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const msTxColumns = `id, escrow_id, wallet_addr, provider, required_signatures,
		signers, signed_by, status, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	signersJSON, _ := json.Marshal(tx.Signers)
	signedJSON, _ := json.Marshal(tx.SignedBy)
	if tx.SignedBy == nil {
		signedJSON = []byte("[]")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO multisig_transactions (`+msTxColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tx.ID, tx.EscrowID, tx.WalletAddr, tx.Provider, tx.RequiredSignatures,
		signersJSON, signedJSON, string(tx.Status), tx.CreatedAt, tx.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+msTxColumns+` FROM multisig_transactions WHERE id = $1`, id)
	tx, err := scanTx(row)
	if err == sql.ErrNoRows {
		return nil, fault.Newf(fault.NotFound, "multi-sig transaction %s not found", id)
	}
	return tx, err
}

func (p *PostgresStore) Update(ctx context.Context, tx *Transaction) error {
	signedJSON, _ := json.Marshal(tx.SignedBy)
	result, err := p.db.ExecContext(ctx, `
		UPDATE multisig_transactions
		SET signed_by = $1, status = $2, updated_at = $3
		WHERE id = $4`,
		signedJSON, string(tx.Status), tx.UpdatedAt, tx.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fault.Newf(fault.NotFound, "multi-sig transaction %s not found", tx.ID)
	}
	return nil
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+msTxColumns+` FROM multisig_transactions WHERE escrow_id = $1 ORDER BY created_at`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTx(row rowScanner) (*Transaction, error) {
	tx := &Transaction{}
	var status string
	var signersRaw, signedRaw []byte
	if err := row.Scan(&tx.ID, &tx.EscrowID, &tx.WalletAddr, &tx.Provider, &tx.RequiredSignatures,
		&signersRaw, &signedRaw, &status, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
		return nil, err
	}
	tx.Status = Status(status)
	_ = json.Unmarshal(signersRaw, &tx.Signers)
	_ = json.Unmarshal(signedRaw, &tx.SignedBy)
	return tx, nil
}
