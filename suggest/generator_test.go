package suggest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"settleflow/auth"
	"settleflow/chat"
	"settleflow/dispute"
)

const disputeID = "0d3cf4a4-9d6b-4bd8-a3a2-2b7d6b9c1e55"

var party = auth.Principal{ID: "u-1", Email: "alice@example.com", Role: auth.RoleUser}

func TestGenerator_CachesAndReuses(t *testing.T) {
	disputes := newFakeDisputes()
	completer := &fakeCompleter{content: `{"analysis":"fair","suggestions":[{"id":1,"text":"Split"}]}`}
	g := NewGenerator(disputes, fakeTranscript{}, completer)
	ctx := context.Background()

	first, err := g.Generate(ctx, party, disputeID, false)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if first.Cached || first.Analysis != "fair" || len(first.Suggestions) != 1 {
		t.Fatalf("unexpected first result %+v", first)
	}

	second, err := g.Generate(ctx, party, disputeID, false)
	if err != nil {
		t.Fatalf("generate cached: %v", err)
	}
	if !second.Cached || second.Suggestions[0].Text != "Split" {
		t.Fatalf("expected cached result, got %+v", second)
	}
	if completer.calls.Load() != 1 {
		t.Fatalf("expected one provider call, got %d", completer.calls.Load())
	}

	completer.content = `{"analysis":"newer","suggestions":[{"id":1,"text":"Refund"}]}`
	third, err := g.Generate(ctx, party, disputeID, true)
	if err != nil {
		t.Fatalf("generate forced: %v", err)
	}
	if third.Cached || third.Suggestions[0].Text != "Refund" {
		t.Fatalf("forced generation should replace cache, got %+v", third)
	}
	if got := disputes.rec.AISuggestions[0].Text; got != "Refund" {
		t.Fatalf("latest set must win, stored %q", got)
	}
}

func TestGenerator_ProviderFailureIsWarning(t *testing.T) {
	disputes := newFakeDisputes()
	g := NewGenerator(disputes, fakeTranscript{}, &fakeCompleter{err: ErrNotConfigured})

	res, err := g.Generate(context.Background(), party, disputeID, false)
	if err != nil {
		t.Fatalf("provider failure must not fail the call: %v", err)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Code != dispute.WarnExternalService {
		t.Fatalf("expected external service warning, got %+v", res.Warnings)
	}
	if disputes.rec.AIAnalysis == nil || *disputes.rec.AIAnalysis != res.Analysis {
		t.Fatalf("error text should be stored as analysis, got %v", disputes.rec.AIAnalysis)
	}
	if len(res.Suggestions) != 0 {
		t.Fatalf("no options expected on failure, got %v", res.Suggestions)
	}
}

func TestGenerator_AccessDenied(t *testing.T) {
	disputes := newFakeDisputes()
	disputes.getErr = dispute.ErrForbidden
	completer := &fakeCompleter{}
	g := NewGenerator(disputes, fakeTranscript{}, completer)

	if _, err := g.Generate(context.Background(), party, disputeID, true); !errors.Is(err, dispute.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if completer.calls.Load() != 0 {
		t.Fatal("provider must not be called for outsiders")
	}
}

func TestGenerator_ConcurrentCallsCollapse(t *testing.T) {
	disputes := newFakeDisputes()
	completer := &fakeCompleter{content: `{"analysis":"a","suggestions":[{"id":1,"text":"x"}]}`, delay: 20 * time.Millisecond}
	g := NewGenerator(disputes, fakeTranscript{}, completer)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Generate(context.Background(), party, disputeID, false); err != nil {
				t.Errorf("generate: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := completer.calls.Load(); n != 1 {
		t.Fatalf("expected a single provider call, got %d", n)
	}
}

func TestGenerator_CancelledCallerDoesNotFailOthers(t *testing.T) {
	disputes := newFakeDisputes()
	completer := &fakeCompleter{
		content: `{"analysis":"shared","suggestions":[{"id":1,"text":"Split"}]}`,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	g := NewGenerator(disputes, fakeTranscript{}, completer)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := g.Generate(firstCtx, party, disputeID, false)
		firstErr <- err
	}()
	<-completer.started

	type outcome struct {
		res Result
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := g.Generate(context.Background(), party, disputeID, false)
		second <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller should see its own cancellation, got %v", err)
	}
	close(completer.release)

	got := <-second
	if got.err != nil {
		t.Fatalf("live caller failed: %v", got.err)
	}
	if got.res.Analysis != "shared" || len(got.res.Suggestions) != 1 {
		t.Fatalf("unexpected result %+v", got.res)
	}
	if a := disputes.rec.AIAnalysis; a == nil || *a != "shared" {
		t.Fatalf("stored analysis = %v, want the generated one", a)
	}
	if n := completer.calls.Load(); n != 1 {
		t.Fatalf("expected a single provider call, got %d", n)
	}
}

func TestGenerator_WaitsForForeignLock(t *testing.T) {
	disputes := newFakeDisputes()
	locker := &fakeLocker{busyFor: 2}
	completer := &fakeCompleter{content: `{"analysis":"a","suggestions":[]}`}
	g := NewGenerator(disputes, fakeTranscript{}, completer, WithLocker(locker), WithLockTiming(time.Second, time.Second))

	if _, err := g.Generate(context.Background(), party, disputeID, false); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if locker.attempts != 3 || !locker.released {
		t.Fatalf("expected lock retries then release, got attempts=%d released=%v", locker.attempts, locker.released)
	}
}

type fakeDisputes struct {
	mu     sync.Mutex
	rec    dispute.Record
	getErr error
}

func newFakeDisputes() *fakeDisputes {
	return &fakeDisputes{rec: dispute.Record{ID: disputeID, Status: dispute.StatusInProgress, Title: "Fence"}}
}

func (f *fakeDisputes) Get(context.Context, auth.Principal, string) (dispute.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return dispute.Record{}, f.getErr
	}
	return f.rec, nil
}

func (f *fakeDisputes) Mutate(ctx context.Context, _ string, _ dispute.Op, _ auth.Principal, fn dispute.MutateFunc) (dispute.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.rec
	if _, err := fn(ctx, nil, &rec); err != nil {
		return dispute.Record{}, err
	}
	f.rec = rec
	return rec, nil
}

type fakeTranscript struct{}

func (fakeTranscript) List(context.Context, auth.Principal, string) ([]chat.Message, error) {
	return []chat.Message{{SenderName: "Alice", Content: "hello"}}, nil
}

type fakeCompleter struct {
	calls   atomic.Int32
	content string
	err     error
	delay   time.Duration
	// started is closed on the first call; the call then blocks on release.
	started chan struct{}
	release chan struct{}
}

func (f *fakeCompleter) Complete(ctx context.Context, _, _ string) (string, error) {
	if f.calls.Add(1) == 1 && f.started != nil {
		close(f.started)
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	time.Sleep(f.delay)
	return f.content, f.err
}

type fakeLocker struct {
	busyFor  int
	attempts int
	released bool
}

func (f *fakeLocker) TryLock(context.Context, string, time.Duration) (func(), error) {
	f.attempts++
	if f.attempts <= f.busyFor {
		return nil, nil
	}
	return func() { f.released = true }, nil
}
