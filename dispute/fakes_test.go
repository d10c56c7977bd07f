package dispute

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"settleflow/agreement"
	"settleflow/auth"
	"settleflow/signature"
)

// memStore is an in-memory stand-in for Postgres. Writes are staged on the
// fakeTx and applied on commit; GetForUpdate holds a per-row mutex until the
// transaction ends, which is what FOR UPDATE gives us in production.
type memStore struct {
	mu         sync.Mutex
	records    map[string]Record
	rowLocks   map[string]*sync.Mutex
	signatures map[string]map[agreement.Party]signature.Signature
	events     []storedEvent
	outbox     []storedMessage
}

type storedEvent struct {
	DisputeID string
	Type      string
	ActorID   string
	Payload   map[string]any
}

type storedMessage struct {
	Topic   string
	Key     string
	Payload map[string]any
}

func newMemStore() *memStore {
	return &memStore{
		records:    make(map[string]Record),
		rowLocks:   make(map[string]*sync.Mutex),
		signatures: make(map[string]map[agreement.Party]signature.Signature),
	}
}

func (m *memStore) Begin(context.Context) (pgx.Tx, error) {
	return &fakeTx{store: m}, nil
}

func (m *memStore) rowLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rowLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.rowLocks[id] = l
	}
	return l
}

func (m *memStore) topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.outbox))
	for _, msg := range m.outbox {
		out = append(out, msg.Topic)
	}
	return out
}

func (m *memStore) countTopic(topic string) int {
	n := 0
	for _, t := range m.topics() {
		if t == topic {
			n++
		}
	}
	return n
}

func (m *memStore) record(id string) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id]
}

func (m *memStore) signatureCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.signatures[id])
}

type fakeTx struct {
	store     *memStore
	staged    []func()
	held      []*sync.Mutex
	done      bool
	committed bool
}

func (f *fakeTx) stage(fn func()) {
	f.staged = append(f.staged, fn)
}

func (f *fakeTx) release() {
	for _, l := range f.held {
		l.Unlock()
	}
	f.held = nil
	f.done = true
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	if f.done {
		return pgx.ErrTxClosed
	}
	f.store.mu.Lock()
	for _, fn := range f.staged {
		fn()
	}
	f.store.mu.Unlock()
	f.committed = true
	f.release()
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if f.done {
		return nil
	}
	f.release()
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

// memRepository implements Repository on top of memStore.
type memRepository struct {
	store *memStore
}

func (r *memRepository) Insert(_ context.Context, tx pgx.Tx, rec Record) (Record, error) {
	rec.Revision = 1
	rec.CreatedAt = time.Now().UTC()
	rec.UpdatedAt = rec.CreatedAt
	tx.(*fakeTx).stage(func() { r.store.records[rec.ID] = rec })
	return rec, nil
}

func (r *memRepository) Get(_ context.Context, id string) (Record, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	rec, ok := r.store.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (r *memRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	l := r.store.rowLock(id)
	l.Lock()
	ft := tx.(*fakeTx)
	ft.held = append(ft.held, l)
	return r.Get(ctx, id)
}

func (r *memRepository) Update(_ context.Context, tx pgx.Tx, rec Record) (Record, error) {
	rec.Revision++
	tx.(*fakeTx).stage(func() { r.store.records[rec.ID] = rec })
	return rec, nil
}

func (r *memRepository) Delete(_ context.Context, tx pgx.Tx, id string) error {
	tx.(*fakeTx).stage(func() {
		delete(r.store.records, id)
		delete(r.store.signatures, id)
	})
	return nil
}

func (r *memRepository) List(_ context.Context, q ListQuery) ([]Record, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	out := make([]Record, 0, len(r.store.records))
	for _, rec := range r.store.records {
		if q.PartyEmail != "" && RoleOf(principalFor(q.PartyID, q.PartyEmail), rec) == RoleNone {
			continue
		}
		if q.CreatorID != "" && rec.CreatorID != q.CreatorID {
			continue
		}
		if q.DefendantEmail != "" && rec.DefendantEmail != q.DefendantEmail {
			continue
		}
		if len(q.Statuses) > 0 && !containsStatus(q.Statuses, rec.Status) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memRepository) CountByStatus(_ context.Context) (map[Status]int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	out := make(map[Status]int)
	for _, rec := range r.store.records {
		out[rec.Status]++
	}
	return out, nil
}

func principalFor(id, email string) auth.Principal {
	return auth.Principal{ID: id, Email: email, Role: auth.RoleUser}
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// memSignatures implements signature.Repository on top of memStore.
type memSignatures struct {
	store *memStore
}

func (m *memSignatures) Upsert(_ context.Context, tx pgx.Tx, sig signature.Signature) (signature.Signature, error) {
	tx.(*fakeTx).stage(func() {
		if m.store.signatures[sig.DisputeID] == nil {
			m.store.signatures[sig.DisputeID] = make(map[agreement.Party]signature.Signature)
		}
		m.store.signatures[sig.DisputeID][sig.PartyRole] = sig
	})
	return sig, nil
}

func (m *memSignatures) DeleteAll(_ context.Context, tx pgx.Tx, disputeID string) (int64, error) {
	tx.(*fakeTx).stage(func() { delete(m.store.signatures, disputeID) })
	return 0, nil
}

func (m *memSignatures) ListTx(ctx context.Context, _ pgx.Tx, disputeID string) ([]signature.Signature, error) {
	return m.List(ctx, disputeID)
}

func (m *memSignatures) List(_ context.Context, disputeID string) ([]signature.Signature, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	out := make([]signature.Signature, 0, 2)
	for _, sig := range m.store.signatures[disputeID] {
		out = append(out, sig)
	}
	return out, nil
}

type memTimeline struct {
	store *memStore
}

func (m *memTimeline) Append(_ context.Context, tx pgx.Tx, disputeID, eventType, actorID string, payload map[string]any) error {
	tx.(*fakeTx).stage(func() {
		m.store.events = append(m.store.events, storedEvent{DisputeID: disputeID, Type: eventType, ActorID: actorID, Payload: payload})
	})
	return nil
}

type memOutbox struct {
	store *memStore
}

func (m *memOutbox) Enqueue(_ context.Context, tx pgx.Tx, topic, key string, payload map[string]any) error {
	tx.(*fakeTx).stage(func() {
		m.store.outbox = append(m.store.outbox, storedMessage{Topic: topic, Key: key, Payload: payload})
	})
	return nil
}
