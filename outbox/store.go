package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// PGStore implements Store on the outbox table.
type PGStore struct{}

func NewStore() *PGStore {
	return &PGStore{}
}

// Claim locks pending rows; SKIP LOCKED lets several relays share the table.
func (s *PGStore) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	rows, err := tx.Query(ctx, `
SELECT id, topic, partition_key, payload, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY id
LIMIT $1
FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.PartitionKey, &msg.Payload, &msg.Attempts, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return out, nil
}

func (s *PGStore) MarkProcessed(ctx context.Context, tx pgx.Tx, id int64) error {
	if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', processed_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, tx pgx.Tx, id int64, lastErr string, dead bool) error {
	status := "pending"
	if dead {
		status = "dead"
	}
	if _, err := tx.Exec(ctx, `
UPDATE outbox
SET attempts = attempts + 1, last_error = $2, status = $3
WHERE id = $1`, id, lastErr, status); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}
