package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event is one append-only entry of a dispute's audit trail.
type Event struct {
	ID        int64
	DisputeID string
	Type      string
	ActorID   *string
	Payload   map[string]any
	CreatedAt time.Time
}

// Writer appends events inside the caller's transaction.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Append(ctx context.Context, tx pgx.Tx, disputeID, eventType, actorID string, payload map[string]any) error {
	if disputeID == "" || eventType == "" {
		return fmt.Errorf("timeline: dispute id and event type are required")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("timeline: marshal payload: %w", err)
	}

	var actor any
	if actorID != "" {
		actor = actorID
	}

	const insertSQL = `
INSERT INTO dispute_events (dispute_id, type, payload, actor_id)
VALUES ($1, $2, $3, $4::uuid);
`
	if _, err := tx.Exec(ctx, insertSQL, disputeID, eventType, payloadBytes, actor); err != nil {
		return fmt.Errorf("timeline: insert event: %w", err)
	}
	return nil
}

// Reader lists events outside any transaction.
type Reader struct {
	pool *pgxpool.Pool
}

func NewReader(pool *pgxpool.Pool) *Reader {
	return &Reader{pool: pool}
}

func (r *Reader) List(ctx context.Context, disputeID string) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, dispute_id::text, type, actor_id::text, payload, created_at
FROM dispute_events
WHERE dispute_id = $1
ORDER BY id`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("timeline: list: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 16)
	for rows.Next() {
		var (
			ev  Event
			raw []byte
		)
		if err := rows.Scan(&ev.ID, &ev.DisputeID, &ev.Type, &ev.ActorID, &raw, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("timeline: scan: %w", err)
		}
		if err := json.Unmarshal(raw, &ev.Payload); err != nil {
			return nil, fmt.Errorf("timeline: decode payload: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("timeline: iterate: %w", err)
	}
	return out, nil
}
