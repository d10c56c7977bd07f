package admin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"settleflow/agreement"
	"settleflow/auth"
	"settleflow/dispute"
	"settleflow/signature"
)

const disputeID = "7b1c1c55-8d0e-4a64-9d7c-1f3a5f6c0a11"

var (
	adminUser = auth.Principal{ID: "admin-1", Email: "ops@settleflow.test", Role: auth.RoleAdmin}
	plainUser = auth.Principal{ID: "user-1", Email: "alice@example.com", Role: auth.RoleUser}
)

func TestWorkflow_RequiresAdmin(t *testing.T) {
	w := NewWorkflow(newFakeDisputes(), &fakeSignatures{}, &fakeUsers{})
	ctx := context.Background()

	checks := map[string]error{}
	_, checks["approve"] = w.ApproveResolution(ctx, plainUser, disputeID, "")
	_, checks["reject"] = w.RejectResolution(ctx, plainUser, disputeID, "no")
	_, checks["resolve"] = w.ResolveEscalation(ctx, plainUser, disputeID, "split", "")
	_, checks["decide"] = w.Decide(ctx, plainUser, disputeID, "maybe", "")
	_, checks["pending"] = w.ListPending(ctx, plainUser)
	_, checks["users"] = w.ListUsers(ctx, plainUser)
	_, checks["stats"] = w.Stats(ctx, plainUser)

	for name, err := range checks {
		if !errors.Is(err, dispute.ErrForbidden) {
			t.Errorf("%s: expected ErrForbidden, got %v", name, err)
		}
	}
}

func TestWorkflow_ApproveNeedsBothSignatures(t *testing.T) {
	disputes := newFakeDisputes()
	disputes.put(pendingRecord())
	sigs := &fakeSignatures{}
	w := NewWorkflow(disputes, sigs, &fakeUsers{})

	_, err := w.ApproveResolution(context.Background(), adminUser, disputeID, "")
	var terr *dispute.TransitionError
	if !errors.As(err, &terr) || terr.Status != dispute.StatusPendingApproval {
		t.Fatalf("expected invalid transition while unsigned, got %v", err)
	}

	sigs.both = true
	rec, err := w.ApproveResolution(context.Background(), adminUser, disputeID, "looks fair")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if rec.Status != dispute.StatusResolved || rec.ResolvedAt == nil {
		t.Fatalf("expected resolved record, got %+v", rec)
	}
	if rec.AdminNotes == nil || *rec.AdminNotes != "looks fair" {
		t.Fatalf("expected admin notes to be stored, got %v", rec.AdminNotes)
	}
	if want := signature.DocumentFor(rec.Agreement.ResolutionText, rec.Agreement.Version); sigs.lastDoc != want {
		t.Fatalf("signatures checked against %+v, want %+v", sigs.lastDoc, want)
	}
}

func TestWorkflow_ApproveWithoutSignatureGate(t *testing.T) {
	disputes := newFakeDisputes()
	disputes.put(pendingRecord())
	w := NewWorkflow(disputes, &fakeSignatures{}, &fakeUsers{}, WithRequireSignatures(false))

	rec, err := w.Decide(context.Background(), adminUser, disputeID, " Approve ", "")
	if err != nil {
		t.Fatalf("decide approve: %v", err)
	}
	if rec.Status != dispute.StatusResolved {
		t.Fatalf("expected Resolved, got %s", rec.Status)
	}
}

func TestWorkflow_RejectClearsAgreement(t *testing.T) {
	disputes := newFakeDisputes()
	disputes.put(pendingRecord())
	w := NewWorkflow(disputes, &fakeSignatures{}, &fakeUsers{})

	if _, err := w.Decide(context.Background(), adminUser, disputeID, DecisionReject, "  "); !errors.Is(err, dispute.ErrValidation) {
		t.Fatalf("expected notes validation error, got %v", err)
	}

	rec, err := w.Decide(context.Background(), adminUser, disputeID, DecisionReject, "amount is unclear")
	if err != nil {
		t.Fatalf("decide reject: %v", err)
	}
	if rec.Status != dispute.StatusInProgress {
		t.Fatalf("expected InProgress, got %s", rec.Status)
	}
	if rec.Agreement.ResolutionText != nil || rec.Agreement.PlaintiffAgreed || rec.Agreement.DefendantAgreed {
		t.Fatalf("expected cleared agreement, got %+v", rec.Agreement)
	}
	if rec.PendingApprovalSince != nil {
		t.Fatal("expected pending approval timestamp to be cleared")
	}
	if got := disputes.changes[len(disputes.changes)-1]; !got.InvalidateSignatures {
		t.Fatal("reject must invalidate signatures")
	}
}

func TestWorkflow_DecideUnknown(t *testing.T) {
	w := NewWorkflow(newFakeDisputes(), &fakeSignatures{}, &fakeUsers{})
	if _, err := w.Decide(context.Background(), adminUser, disputeID, "defer", ""); !errors.Is(err, dispute.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestWorkflow_ResolveEscalation(t *testing.T) {
	disputes := newFakeDisputes()
	rec := pendingRecord()
	rec.Status = dispute.StatusEscalated
	rec.Agreement.PlaintiffEscalated, rec.Agreement.DefendantEscalated = true, true
	disputes.put(rec)
	w := NewWorkflow(disputes, &fakeSignatures{}, &fakeUsers{})

	if _, err := w.ResolveEscalation(context.Background(), adminUser, disputeID, "", ""); !errors.Is(err, dispute.ErrValidation) {
		t.Fatalf("expected verdict validation error, got %v", err)
	}

	got, err := w.ResolveEscalation(context.Background(), adminUser, disputeID, "Defendant refunds 300", "binding")
	if err != nil {
		t.Fatalf("resolve escalation: %v", err)
	}
	if got.Status != dispute.StatusResolved || got.Agreement.ResolutionText == nil || *got.Agreement.ResolutionText != "Defendant refunds 300" {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.Agreement.Version != rec.Agreement.Version+1 {
		t.Fatalf("expected version bump, got %d", got.Agreement.Version)
	}

	if _, err := w.ResolveEscalation(context.Background(), adminUser, disputeID, "again", ""); !errors.Is(err, dispute.ErrInvalidTransition) {
		t.Fatalf("second resolve should be invalid, got %v", err)
	}
}

func TestWorkflow_ListingsAndStats(t *testing.T) {
	disputes := newFakeDisputes()
	disputes.counts = map[dispute.Status]int{
		dispute.StatusOpen:            2,
		dispute.StatusInProgress:      3,
		dispute.StatusPendingApproval: 1,
		dispute.StatusEscalated:       1,
		dispute.StatusResolved:        4,
	}
	users := &fakeUsers{users: []auth.User{{ID: "a"}, {ID: "b"}}}
	w := NewWorkflow(disputes, &fakeSignatures{}, users)
	ctx := context.Background()

	if _, err := w.ListEscalated(ctx, adminUser); err != nil {
		t.Fatalf("list escalated: %v", err)
	}
	q := disputes.lastQuery
	if len(q.Statuses) != 1 || q.Statuses[0] != dispute.StatusEscalated || !q.OrderByUpdated {
		t.Fatalf("unexpected escalated query %+v", q)
	}
	if _, err := w.ListAll(ctx, adminUser); err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(disputes.lastQuery.Statuses) != 0 {
		t.Fatalf("list all must not filter by status, got %+v", disputes.lastQuery)
	}

	stats, err := w.Stats(ctx, adminUser)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := Stats{TotalDisputes: 11, PendingApproval: 1, Resolved: 4, InProgress: 3, OpenDisputes: 2, Escalated: 1, TotalUsers: 2}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}
}

func pendingRecord() dispute.Record {
	text := "Plaintiff receives 500"
	since := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return dispute.Record{
		ID:             disputeID,
		Status:         dispute.StatusPendingApproval,
		CreatorID:      "user-1",
		CreatorEmail:   "alice@example.com",
		DefendantEmail: "bob@example.com",
		Title:          "Unpaid invoice",
		Category:       "Business",
		Agreement: agreement.Ledger{
			ResolutionText:  &text,
			Version:         2,
			PlaintiffAgreed: true,
			DefendantAgreed: true,
		},
		PendingApprovalSince: &since,
	}
}

type fakeDisputes struct {
	mu        sync.Mutex
	records   map[string]dispute.Record
	changes   []dispute.Change
	counts    map[dispute.Status]int
	lastQuery dispute.ListQuery
}

func newFakeDisputes() *fakeDisputes {
	return &fakeDisputes{records: make(map[string]dispute.Record)}
}

func (f *fakeDisputes) put(rec dispute.Record) {
	f.records[rec.ID] = rec
}

func (f *fakeDisputes) Mutate(ctx context.Context, id string, _ dispute.Op, _ auth.Principal, fn dispute.MutateFunc) (dispute.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return dispute.Record{}, dispute.ErrNotFound
	}
	change, err := fn(ctx, nil, &rec)
	if err != nil {
		return dispute.Record{}, err
	}
	f.changes = append(f.changes, change)
	if !change.Noop {
		rec.Revision++
		f.records[id] = rec
	}
	return rec, nil
}

func (f *fakeDisputes) Query(_ context.Context, q dispute.ListQuery) ([]dispute.Record, error) {
	f.lastQuery = q
	return nil, nil
}

func (f *fakeDisputes) StatusCounts(context.Context) (map[dispute.Status]int, error) {
	return f.counts, nil
}

func (f *fakeDisputes) Now() time.Time {
	return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
}

type fakeSignatures struct {
	both    bool
	lastDoc signature.Document
}

func (f *fakeSignatures) BothSigned(_ context.Context, _ pgx.Tx, _ string, doc signature.Document) (bool, error) {
	f.lastDoc = doc
	return f.both, nil
}

type fakeUsers struct {
	users []auth.User
}

func (f *fakeUsers) ListUsers(context.Context) ([]auth.User, error) {
	return f.users, nil
}
