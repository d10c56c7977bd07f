package signature

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"settleflow/agreement"
)

// Repository defines signature persistence. Writes always run inside the
// caller's dispute transaction.
type Repository interface {
	Upsert(ctx context.Context, tx pgx.Tx, sig Signature) (Signature, error)
	DeleteAll(ctx context.Context, tx pgx.Tx, disputeID string) (int64, error)
	ListTx(ctx context.Context, tx pgx.Tx, disputeID string) ([]Signature, error)
	List(ctx context.Context, disputeID string) ([]Signature, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const signatureColumns = `dispute_id::text, party_role, COALESCE(user_id::text, ''), signature_type, typed_name, signature_image_data, document_version, document_hash, signed_at`

func (r *PGRepository) Upsert(ctx context.Context, tx pgx.Tx, sig Signature) (Signature, error) {
	const upsertSQL = `
INSERT INTO signatures (dispute_id, party_role, user_id, signature_type, typed_name, signature_image_data, document_version, document_hash, signed_at)
VALUES ($1, $2, NULLIF($3, '')::uuid, $4, $5, $6, $7, $8, $9)
ON CONFLICT (dispute_id, party_role) DO UPDATE
SET user_id = EXCLUDED.user_id,
    signature_type = EXCLUDED.signature_type,
    typed_name = EXCLUDED.typed_name,
    signature_image_data = EXCLUDED.signature_image_data,
    document_version = EXCLUDED.document_version,
    document_hash = EXCLUDED.document_hash,
    signed_at = EXCLUDED.signed_at
RETURNING ` + signatureColumns

	out, err := scanSignature(tx.QueryRow(ctx, upsertSQL,
		sig.DisputeID, string(sig.PartyRole), sig.UserID, string(sig.Type), sig.TypedName, sig.ImageData,
		sig.DocumentVersion, sig.DocumentHash, sig.SignedAt))
	if err != nil {
		return Signature{}, fmt.Errorf("signature: upsert: %w", err)
	}
	return out, nil
}

func (r *PGRepository) DeleteAll(ctx context.Context, tx pgx.Tx, disputeID string) (int64, error) {
	tag, err := tx.Exec(ctx, `DELETE FROM signatures WHERE dispute_id = $1`, disputeID)
	if err != nil {
		return 0, fmt.Errorf("signature: delete all: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PGRepository) ListTx(ctx context.Context, tx pgx.Tx, disputeID string) ([]Signature, error) {
	rows, err := tx.Query(ctx, `SELECT `+signatureColumns+` FROM signatures WHERE dispute_id = $1 ORDER BY party_role`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("signature: list: %w", err)
	}
	return collect(rows)
}

func (r *PGRepository) List(ctx context.Context, disputeID string) ([]Signature, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+signatureColumns+` FROM signatures WHERE dispute_id = $1 ORDER BY party_role`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("signature: list: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]Signature, error) {
	defer rows.Close()
	out := make([]Signature, 0, 2)
	for rows.Next() {
		sig, err := scanSignature(rows)
		if err != nil {
			return nil, fmt.Errorf("signature: scan: %w", err)
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signature: iterate: %w", err)
	}
	return out, nil
}

func scanSignature(row pgx.Row) (Signature, error) {
	var (
		sig   Signature
		party string
		typ   string
	)
	err := row.Scan(&sig.DisputeID, &party, &sig.UserID, &typ, &sig.TypedName, &sig.ImageData,
		&sig.DocumentVersion, &sig.DocumentHash, &sig.SignedAt)
	if err != nil {
		return Signature{}, err
	}
	sig.PartyRole = agreement.Party(party)
	sig.Type = Type(typ)
	return sig, nil
}
