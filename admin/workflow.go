package admin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"settleflow/auth"
	"settleflow/dispute"
	"settleflow/signature"
)

// Decision is the admin's answer to a pending resolution.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Disputes is the part of dispute.Service the workflow drives.
type Disputes interface {
	Mutate(ctx context.Context, id string, op dispute.Op, actor auth.Principal, fn dispute.MutateFunc) (dispute.Record, error)
	Query(ctx context.Context, q dispute.ListQuery) ([]dispute.Record, error)
	StatusCounts(ctx context.Context) (map[dispute.Status]int, error)
	Now() time.Time
}

// Signatures checks whether both parties signed the current document.
type Signatures interface {
	BothSigned(ctx context.Context, tx pgx.Tx, disputeID string, doc signature.Document) (bool, error)
}

// Users lists registered accounts.
type Users interface {
	ListUsers(ctx context.Context) ([]auth.User, error)
}

// Stats is the admin dashboard summary.
type Stats struct {
	TotalDisputes   int `json:"total_disputes"`
	PendingApproval int `json:"pending_approval"`
	Resolved        int `json:"resolved"`
	InProgress      int `json:"in_progress"`
	OpenDisputes    int `json:"open_disputes"`
	Rejected        int `json:"rejected"`
	Escalated       int `json:"escalated"`
	TotalUsers      int `json:"total_users"`
}

type Workflow struct {
	disputes          Disputes
	signatures        Signatures
	users             Users
	requireSignatures bool
	logger            *slog.Logger
}

type Option func(*Workflow)

// WithRequireSignatures toggles the both-signatures gate on approval.
func WithRequireSignatures(v bool) Option {
	return func(w *Workflow) { w.requireSignatures = v }
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) {
		if l != nil {
			w.logger = l
		}
	}
}

func NewWorkflow(disputes Disputes, signatures Signatures, users Users, opts ...Option) *Workflow {
	w := &Workflow{
		disputes:          disputes,
		signatures:        signatures,
		users:             users,
		requireSignatures: true,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func requireAdmin(p auth.Principal) error {
	if !p.IsAdmin() {
		return fmt.Errorf("%w: admin access required", dispute.ErrForbidden)
	}
	return nil
}

// Decide applies an approve or reject decision to a pending resolution.
func (w *Workflow) Decide(ctx context.Context, p auth.Principal, id string, decision Decision, notes string) (dispute.Record, error) {
	switch Decision(strings.ToLower(strings.TrimSpace(string(decision)))) {
	case DecisionApprove:
		return w.ApproveResolution(ctx, p, id, notes)
	case DecisionReject:
		return w.RejectResolution(ctx, p, id, notes)
	}
	if err := requireAdmin(p); err != nil {
		return dispute.Record{}, err
	}
	return dispute.Record{}, &dispute.ValidationError{Field: "decision", Reason: "must be approve or reject"}
}

func (w *Workflow) ApproveResolution(ctx context.Context, p auth.Principal, id, notes string) (dispute.Record, error) {
	if err := requireAdmin(p); err != nil {
		return dispute.Record{}, err
	}
	rec, err := w.disputes.Mutate(ctx, id, dispute.OpApprove, p, func(ctx context.Context, tx pgx.Tx, rec *dispute.Record) (dispute.Change, error) {
		signed := false
		if w.requireSignatures && rec.Status == dispute.StatusPendingApproval {
			doc := signature.DocumentFor(rec.Agreement.ResolutionText, rec.Agreement.Version)
			var err error
			if signed, err = w.signatures.BothSigned(ctx, tx, rec.ID, doc); err != nil {
				return dispute.Change{}, err
			}
		}
		return dispute.ApproveResolution(rec, notes, signed, w.requireSignatures, w.disputes.Now())
	})
	if err != nil {
		return dispute.Record{}, err
	}
	w.logger.InfoContext(ctx, "resolution approved", "dispute_id", id, "admin_id", p.ID)
	return rec, nil
}

func (w *Workflow) RejectResolution(ctx context.Context, p auth.Principal, id, notes string) (dispute.Record, error) {
	if err := requireAdmin(p); err != nil {
		return dispute.Record{}, err
	}
	rec, err := w.disputes.Mutate(ctx, id, dispute.OpRejectResolution, p, func(_ context.Context, _ pgx.Tx, rec *dispute.Record) (dispute.Change, error) {
		return dispute.RejectResolution(rec, notes, w.disputes.Now())
	})
	if err != nil {
		return dispute.Record{}, err
	}
	w.logger.InfoContext(ctx, "resolution rejected", "dispute_id", id, "admin_id", p.ID)
	return rec, nil
}

// ResolveEscalation imposes verdict on an escalated dispute.
func (w *Workflow) ResolveEscalation(ctx context.Context, p auth.Principal, id, verdict, notes string) (dispute.Record, error) {
	if err := requireAdmin(p); err != nil {
		return dispute.Record{}, err
	}
	rec, err := w.disputes.Mutate(ctx, id, dispute.OpResolveEscalation, p, func(_ context.Context, _ pgx.Tx, rec *dispute.Record) (dispute.Change, error) {
		return dispute.ResolveEscalation(rec, verdict, notes, w.disputes.Now())
	})
	if err != nil {
		return dispute.Record{}, err
	}
	w.logger.InfoContext(ctx, "escalation resolved", "dispute_id", id, "admin_id", p.ID)
	return rec, nil
}

func (w *Workflow) ListPending(ctx context.Context, p auth.Principal) ([]dispute.Record, error) {
	return w.list(ctx, p, dispute.StatusPendingApproval)
}

func (w *Workflow) ListEscalated(ctx context.Context, p auth.Principal) ([]dispute.Record, error) {
	return w.list(ctx, p, dispute.StatusEscalated)
}

func (w *Workflow) ListAll(ctx context.Context, p auth.Principal) ([]dispute.Record, error) {
	return w.list(ctx, p)
}

func (w *Workflow) list(ctx context.Context, p auth.Principal, statuses ...dispute.Status) ([]dispute.Record, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	return w.disputes.Query(ctx, dispute.ListQuery{Statuses: statuses, OrderByUpdated: true})
}

func (w *Workflow) ListUsers(ctx context.Context, p auth.Principal) ([]auth.User, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	return w.users.ListUsers(ctx)
}

func (w *Workflow) Stats(ctx context.Context, p auth.Principal) (Stats, error) {
	if err := requireAdmin(p); err != nil {
		return Stats{}, err
	}
	counts, err := w.disputes.StatusCounts(ctx)
	if err != nil {
		return Stats{}, err
	}
	users, err := w.users.ListUsers(ctx)
	if err != nil {
		return Stats{}, err
	}

	var total int
	for _, n := range counts {
		total += n
	}
	return Stats{
		TotalDisputes:   total,
		PendingApproval: counts[dispute.StatusPendingApproval],
		Resolved:        counts[dispute.StatusResolved],
		InProgress:      counts[dispute.StatusInProgress],
		OpenDisputes:    counts[dispute.StatusOpen],
		Rejected:        counts[dispute.StatusRejected],
		Escalated:       counts[dispute.StatusEscalated],
		TotalUsers:      len(users),
	}, nil
}
