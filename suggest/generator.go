package suggest

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/singleflight"

	"settleflow/auth"
	"settleflow/chat"
	"settleflow/dispute"
	"settleflow/obs"
)

// Disputes is the part of dispute.Service the generator needs.
type Disputes interface {
	Get(ctx context.Context, p auth.Principal, id string) (dispute.Record, error)
	Mutate(ctx context.Context, id string, op dispute.Op, actor auth.Principal, fn dispute.MutateFunc) (dispute.Record, error)
}

// Transcript reads a dispute's chat thread.
type Transcript interface {
	List(ctx context.Context, p auth.Principal, disputeID string) ([]chat.Message, error)
}

// Result is what callers receive. Analysis is rendered as raw_response for
// compatibility with existing clients.
type Result struct {
	Analysis    string               `json:"raw_response"`
	Suggestions []dispute.Suggestion `json:"suggestions"`
	Cached      bool                 `json:"cached"`
	Warnings    []dispute.Warning    `json:"warnings,omitempty"`
}

type Generator struct {
	disputes   Disputes
	transcript Transcript
	completer  Completer
	locker     Locker
	group      singleflight.Group
	lockTTL    time.Duration
	lockWait   time.Duration
	timeout    time.Duration
	logger     *slog.Logger
}

type Option func(*Generator)

// WithLocker enables cross-process collapsing, typically a RedisLocker.
func WithLocker(l Locker) Option {
	return func(g *Generator) {
		if l != nil {
			g.locker = l
		}
	}
}

// WithLockTiming sets how long the lock is held at most and how long a
// caller waits for another holder before generating itself.
func WithLockTiming(ttl, wait time.Duration) Option {
	return func(g *Generator) {
		if ttl > 0 {
			g.lockTTL = ttl
		}
		if wait >= 0 {
			g.lockWait = wait
		}
	}
}

// WithTimeout bounds a shared generation run. The run outlives the caller
// that started it, so it needs its own deadline.
func WithTimeout(d time.Duration) Option {
	return func(g *Generator) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

func NewGenerator(disputes Disputes, transcript Transcript, completer Completer, opts ...Option) *Generator {
	g := &Generator{
		disputes:   disputes,
		transcript: transcript,
		completer:  completer,
		locker:     noopLocker{},
		lockTTL:    60 * time.Second,
		lockWait:   20 * time.Second,
		timeout:    2 * time.Minute,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns settlement options for the dispute. Cached options are
// returned unless force is set. A provider failure does not fail the call: the
// error text is cached as the analysis and a warning is attached.
func (g *Generator) Generate(ctx context.Context, p auth.Principal, disputeID string, force bool) (Result, error) {
	rec, err := g.disputes.Get(ctx, p, disputeID)
	if err != nil {
		return Result{}, err
	}
	if !force && len(rec.AISuggestions) > 0 {
		obs.ObserveSuggestion("cached")
		return cachedResult(rec), nil
	}

	// Callers coalesced onto one run must not inherit the first caller's
	// cancellation; each one stops waiting on its own context instead.
	ch := g.group.DoChan(disputeID, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()
		return g.generate(runCtx, p, disputeID, force)
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	}
}

func (g *Generator) generate(ctx context.Context, p auth.Principal, disputeID string, force bool) (Result, error) {
	release, err := g.acquire(ctx, disputeID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	// Another caller may have filled the cache while we waited.
	rec, err := g.disputes.Get(ctx, p, disputeID)
	if err != nil {
		return Result{}, err
	}
	if !force && len(rec.AISuggestions) > 0 {
		obs.ObserveSuggestion("cached")
		return cachedResult(rec), nil
	}

	messages, err := g.transcript.List(ctx, p, disputeID)
	if err != nil {
		return Result{}, err
	}

	var (
		res    Result
		result = "generated"
	)
	content, cerr := g.completer.Complete(ctx, systemPrompt, BuildPrompt(rec, messages))
	if cerr != nil {
		result = "failed"
		res.Analysis = "AI service error: " + cerr.Error()
		res.Suggestions = []dispute.Suggestion{}
		res.Warnings = []dispute.Warning{{Code: dispute.WarnExternalService, Message: cerr.Error()}}
		g.logger.WarnContext(ctx, "suggestion generation failed", "dispute_id", disputeID, "error", cerr)
	} else {
		res.Analysis, res.Suggestions = Parse(content)
	}

	_, err = g.disputes.Mutate(ctx, disputeID, dispute.OpSaveSuggestions, p, func(_ context.Context, _ pgx.Tx, rec *dispute.Record) (dispute.Change, error) {
		return dispute.SaveSuggestions(rec, res.Analysis, res.Suggestions), nil
	})
	if err != nil {
		return Result{}, err
	}

	obs.ObserveSuggestion(result)
	g.logger.InfoContext(ctx, "suggestions stored", "dispute_id", disputeID, "options", len(res.Suggestions), "result", result)
	return res, nil
}

// acquire takes the cross-process lock, polling while another process holds
// it. After lockWait the caller proceeds without the lock.
func (g *Generator) acquire(ctx context.Context, disputeID string) (func(), error) {
	deadline := time.Now().Add(g.lockWait)
	backoff := 100 * time.Millisecond
	for {
		release, err := g.locker.TryLock(ctx, disputeID, g.lockTTL)
		if err != nil {
			g.logger.WarnContext(ctx, "suggestion lock unavailable", "dispute_id", disputeID, "error", err)
			return func() {}, nil
		}
		if release != nil {
			return release, nil
		}
		if time.Now().After(deadline) {
			return func() {}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

func cachedResult(rec dispute.Record) Result {
	analysis := "Analysis retrieved from database."
	if rec.AIAnalysis != nil && *rec.AIAnalysis != "" {
		analysis = *rec.AIAnalysis
	}
	return Result{Analysis: analysis, Suggestions: rec.AISuggestions, Cached: true}
}
