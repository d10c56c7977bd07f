package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "resolved_has_text",
			SQL:  `SELECT id, status FROM disputes WHERE status = 'Resolved' AND resolution_text IS NULL`,
		},
		{
			Name: "message_cap",
			SQL: `SELECT dispute_id, COUNT(*) FROM messages
                  GROUP BY dispute_id HAVING COUNT(*) > 20`,
		},
		{
			Name: "message_seq_dense",
			SQL: `WITH numbered AS (
                      SELECT dispute_id, seq,
                             ROW_NUMBER() OVER (PARTITION BY dispute_id ORDER BY seq) AS n
                      FROM messages)
                  SELECT * FROM numbered WHERE seq <> n`,
		},
		{
			Name: "messages_only_after_accept",
			SQL: `SELECT m.dispute_id, m.seq FROM messages m
                  JOIN disputes d ON d.id = m.dispute_id
                  WHERE d.accepted_at IS NULL OR m.created_at < d.accepted_at`,
		},
		{
			Name: "both_agreed_left_negotiation",
			SQL: `SELECT id FROM disputes
                  WHERE status = 'InProgress' AND plaintiff_agreed AND defendant_agreed`,
		},
		{
			Name: "both_escalated_left_negotiation",
			SQL: `SELECT id FROM disputes
                  WHERE status = 'InProgress' AND plaintiff_escalated AND defendant_escalated`,
		},
		{
			Name: "agreement_flags_need_text",
			SQL: `SELECT id FROM disputes
                  WHERE (plaintiff_agreed OR defendant_agreed) AND resolution_text IS NULL`,
		},
		{
			Name: "pending_signatures_current",
			SQL: `SELECT s.dispute_id, s.party_role, s.document_version, d.resolution_version
                  FROM signatures s JOIN disputes d ON d.id = s.dispute_id
                  WHERE d.status = 'PendingApproval' AND s.document_version <> d.resolution_version`,
		},
		{
			Name: "transition_has_event",
			SQL: `SELECT d.id, d.status FROM disputes d
                  WHERE d.status <> 'Open'
                    AND NOT EXISTS (SELECT 1 FROM dispute_events e WHERE e.dispute_id = d.id)`,
		},
		{
			Name: "outbox_not_dead",
			SQL:  `SELECT id, topic, attempts, last_error FROM outbox WHERE status = 'dead'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
