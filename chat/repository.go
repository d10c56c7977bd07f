package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const messageColumns = `id::text, dispute_id::text, seq, user_id::text, sender_name, content, created_at`

func (r *PGRepository) Count(ctx context.Context, tx pgx.Tx, disputeID string) (int, error) {
	var n int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM messages WHERE dispute_id = $1`, disputeID).Scan(&n); err != nil {
		return 0, fmt.Errorf("chat: count: %w", err)
	}
	return n, nil
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, msg Message) (Message, error) {
	const insertSQL = `
INSERT INTO messages (id, dispute_id, seq, user_id, sender_name, content, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING ` + messageColumns

	out, err := scanMessage(tx.QueryRow(ctx, insertSQL,
		msg.ID, msg.DisputeID, msg.Seq, msg.UserID, msg.SenderName, msg.Content, msg.CreatedAt))
	if err != nil {
		var pgErr *pgconn.PgError
		// 23514: the seq <= 20 check; 23505: a racing insert took the slot.
		if errors.As(err, &pgErr) && (pgErr.Code == "23514" || pgErr.Code == "23505") {
			return Message{}, ErrLimitExceeded
		}
		return Message{}, fmt.Errorf("chat: insert: %w", err)
	}
	return out, nil
}

func (r *PGRepository) List(ctx context.Context, disputeID string) ([]Message, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+messageColumns+` FROM messages WHERE dispute_id = $1 ORDER BY seq`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("chat: list: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, MaxMessages)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("chat: scan: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: iterate: %w", err)
	}
	return out, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var msg Message
	err := row.Scan(&msg.ID, &msg.DisputeID, &msg.Seq, &msg.UserID, &msg.SenderName, &msg.Content, &msg.CreatedAt)
	return msg, err
}
