package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines dispute persistence. Mutations take the caller's
// transaction so the row lock taken by GetForUpdate covers them.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	Update(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	Delete(ctx context.Context, tx pgx.Tx, id string) error
	List(ctx context.Context, q ListQuery) ([]Record, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const disputeColumns = `
	id::text, status, creator_id::text, creator_email, defendant_email, defendant_id::text,
	title, category, description, amount_disputed::float8, evidence_file,
	resolution_text, resolution_version, plaintiff_agreed, defendant_agreed,
	plaintiff_escalated, defendant_escalated, ai_analysis, ai_suggestions,
	pending_approval_since, accepted_at, rejected_at, escalated_at, resolved_at,
	admin_notes, revision, created_at, updated_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const insertSQL = `
INSERT INTO disputes (id, status, creator_id, creator_email, defendant_email, title, category, description, amount_disputed, evidence_file)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING ` + disputeColumns

	out, err := scanRecord(tx.QueryRow(ctx, insertSQL,
		rec.ID, string(rec.Status), rec.CreatorID, rec.CreatorEmail, rec.DefendantEmail,
		rec.Title, rec.Category, rec.Description, rec.AmountDisputed, rec.EvidenceFile))
	if err != nil {
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: lock: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const updateSQL = `
UPDATE disputes
SET status = $2,
    defendant_id = $3,
    resolution_text = $4,
    resolution_version = $5,
    plaintiff_agreed = $6,
    defendant_agreed = $7,
    plaintiff_escalated = $8,
    defendant_escalated = $9,
    ai_analysis = $10,
    ai_suggestions = $11::jsonb,
    pending_approval_since = $12,
    accepted_at = $13,
    rejected_at = $14,
    escalated_at = $15,
    resolved_at = $16,
    admin_notes = $17,
    revision = revision + 1,
    updated_at = now()
WHERE id = $1 AND revision = $18
RETURNING ` + disputeColumns

	suggestions, err := json.Marshal(nonNilSuggestions(rec.AISuggestions))
	if err != nil {
		return Record{}, fmt.Errorf("dispute: marshal suggestions: %w", err)
	}

	l := rec.Agreement
	out, err := scanRecord(tx.QueryRow(ctx, updateSQL,
		rec.ID, string(rec.Status), rec.DefendantID,
		l.ResolutionText, l.Version, l.PlaintiffAgreed, l.DefendantAgreed, l.PlaintiffEscalated, l.DefendantEscalated,
		rec.AIAnalysis, string(suggestions),
		rec.PendingApprovalSince, rec.AcceptedAt, rec.RejectedAt, rec.EscalatedAt, rec.ResolvedAt,
		rec.AdminNotes, rec.Revision))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("dispute: update %s: revision %d no longer current", rec.ID, rec.Revision)
		}
		return Record{}, fmt.Errorf("dispute: update: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Delete(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM disputes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("dispute: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) List(ctx context.Context, q ListQuery) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if q.CreatorID != "" || q.CreatorEmail != "" {
		var or []string
		if q.CreatorID != "" {
			or = append(or, "creator_id::text = "+arg(q.CreatorID))
		}
		if q.CreatorEmail != "" {
			or = append(or, "lower(creator_email) = lower("+arg(q.CreatorEmail)+")")
		}
		where = append(where, "("+strings.Join(or, " OR ")+")")
	}
	if q.DefendantEmail != "" {
		where = append(where, "lower(defendant_email) = lower("+arg(q.DefendantEmail)+")")
	}
	if q.PartyID != "" || q.PartyEmail != "" {
		var or []string
		if q.PartyID != "" {
			or = append(or, "creator_id::text = "+arg(q.PartyID))
		}
		if q.PartyEmail != "" {
			p := arg(q.PartyEmail)
			or = append(or, "lower(creator_email) = lower("+p+")", "lower(defendant_email) = lower("+p+")")
		}
		where = append(where, "("+strings.Join(or, " OR ")+")")
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}

	query := `SELECT ` + disputeColumns + ` FROM disputes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if q.OrderByUpdated {
		query += " ORDER BY updated_at DESC"
	} else {
		query += " ORDER BY created_at DESC"
	}
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func (r *PGRepository) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, count(*) FROM disputes GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("dispute: count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int, 6)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("dispute: scan count: %w", err)
		}
		out[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate counts: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec         Record
		status      string
		suggestions []byte
	)
	l := &rec.Agreement
	err := row.Scan(
		&rec.ID, &status, &rec.CreatorID, &rec.CreatorEmail, &rec.DefendantEmail, &rec.DefendantID,
		&rec.Title, &rec.Category, &rec.Description, &rec.AmountDisputed, &rec.EvidenceFile,
		&l.ResolutionText, &l.Version, &l.PlaintiffAgreed, &l.DefendantAgreed,
		&l.PlaintiffEscalated, &l.DefendantEscalated, &rec.AIAnalysis, &suggestions,
		&rec.PendingApprovalSince, &rec.AcceptedAt, &rec.RejectedAt, &rec.EscalatedAt, &rec.ResolvedAt,
		&rec.AdminNotes, &rec.Revision, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	if len(suggestions) > 0 {
		if err := json.Unmarshal(suggestions, &rec.AISuggestions); err != nil {
			return Record{}, fmt.Errorf("decode suggestions: %w", err)
		}
	}
	return rec, nil
}

func nonNilSuggestions(s []Suggestion) []Suggestion {
	if s == nil {
		return []Suggestion{}
	}
	return s
}
