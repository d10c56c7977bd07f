package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"settleflow/obs"
)

// Handler delivers one message. A returned error schedules a retry.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg Message) error { return f(ctx, msg) }

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store claims and settles outbox rows.
type Store interface {
	Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id int64) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id int64, lastErr string, dead bool) error
}

// Relay polls the outbox and fans messages out to its handlers.
type Relay struct {
	pool        TxBeginner
	store       Store
	handlers    []Handler
	batchSize   int
	maxAttempts int
	interval    time.Duration
	logger      *slog.Logger
}

type RelayOption func(*Relay)

func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithMaxAttempts(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithLogger(l *slog.Logger) RelayOption {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRelay(pool TxBeginner, store Store, handlers []Handler, opts ...RelayOption) *Relay {
	r := &Relay{
		pool:        pool,
		store:       store,
		handlers:    handlers,
		batchSize:   50,
		maxAttempts: 5,
		interval:    2 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls until ctx is cancelled. Full batches are followed immediately by
// the next poll.
func (r *Relay) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		n, err := r.ProcessBatch(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.ErrorContext(ctx, "outbox relay batch failed", "error", err)
		}
		if n == r.batchSize && err == nil {
			timer.Reset(0)
		} else {
			timer.Reset(r.interval)
		}
	}
}

// ProcessBatch claims up to batchSize pending messages and delivers them. It
// returns how many messages were claimed.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := r.store.Claim(ctx, tx, r.batchSize)
	if err != nil {
		return 0, err
	}

	for _, msg := range msgs {
		if herr := r.deliver(ctx, msg); herr != nil {
			dead := msg.Attempts+1 >= r.maxAttempts
			if err := r.store.MarkFailed(ctx, tx, msg.ID, herr.Error(), dead); err != nil {
				return 0, err
			}
			result := "retry"
			if dead {
				result = "dead"
			}
			obs.ObserveDelivery(msg.Topic, result)
			r.logger.WarnContext(ctx, "outbox delivery failed",
				"message_id", msg.ID, "topic", msg.Topic, "attempt", msg.Attempts+1, "dead", dead, "error", herr)
			continue
		}
		if err := r.store.MarkProcessed(ctx, tx, msg.ID); err != nil {
			return 0, err
		}
		obs.ObserveDelivery(msg.Topic, "ok")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit batch: %w", err)
	}
	return len(msgs), nil
}

func (r *Relay) deliver(ctx context.Context, msg Message) error {
	var errs []error
	for _, h := range r.handlers {
		if err := h.Handle(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
