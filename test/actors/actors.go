package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"settleflow/admin"
	"settleflow/auth"
	"settleflow/chat"
	"settleflow/dispute"
	"settleflow/signature"
)

// Board tracks the disputes the actors fight over.
type Board struct {
	mu  sync.Mutex
	ids []string
}

func (b *Board) Add(id string) {
	b.mu.Lock()
	b.ids = append(b.ids, id)
	b.mu.Unlock()
}

// Pick returns a random dispute, favouring the most recent ones so
// negotiations actually finish.
func (b *Board) Pick() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ids) == 0 {
		return "", false
	}
	window := 4
	if len(b.ids) < window {
		window = len(b.ids)
	}
	return b.ids[len(b.ids)-1-rand.Intn(window)], true
}

// Env is what every actor shares.
type Env struct {
	Disputes  *dispute.Service
	Chat      *chat.Service
	Admin     *admin.Workflow
	Plaintiff auth.Principal
	Defendant auth.Principal
	Arbiter   auth.Principal
	Board     *Board
	// Chaos makes connection-level failures expected.
	Chaos bool
}

// expected reports whether err is a refusal the lifecycle produces under
// contention. Anything else fails the run.
func (e *Env) expected(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, dispute.ErrInvalidTransition),
		errors.Is(err, dispute.ErrValidation),
		errors.Is(err, chat.ErrLimitExceeded),
		errors.Is(err, signature.ErrStaleDocument):
		return true
	case errors.Is(err, dispute.ErrForbidden), errors.Is(err, dispute.ErrNotFound):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return e.Chaos
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(min, spread int) {
	time.Sleep(time.Duration(min+rand.Intn(spread)) * time.Millisecond)
}

// Filer keeps opening disputes and having the defendant accept them.
func Filer(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for n := 0; !stopped(ctx, stop); n++ {
		rec, err := env.Disputes.Create(ctx, env.Plaintiff, dispute.CreateParams{
			Title:          fmt.Sprintf("Stress dispute %d", n),
			Category:       "Other",
			Description:    "Filed by the stress harness.",
			DefendantEmail: env.Defendant.Email,
		})
		if err != nil {
			if env.expected(err) {
				continue
			}
			return fmt.Errorf("filer create: %w", err)
		}
		if _, err := env.Disputes.Accept(ctx, env.Defendant, rec.ID); err != nil && !env.expected(err) {
			return fmt.Errorf("filer accept %s: %w", rec.ID, err)
		}
		env.Board.Add(rec.ID)
		pause(150, 150)
	}
	return nil
}

// Negotiator plays one party: proposing, confirming, escalating, chatting
// and signing at random against whatever dispute it picks.
func Negotiator(ctx context.Context, env *Env, party auth.Principal, stop <-chan struct{}) error {
	texts := []string{"Refund half.", "Full refund.", "Replace the item.", "Split the shipping cost."}
	for !stopped(ctx, stop) {
		id, ok := env.Board.Pick()
		if !ok {
			pause(20, 20)
			continue
		}

		var (
			op  string
			err error
		)
		switch rand.Intn(6) {
		case 0:
			op = "propose"
			text := texts[rand.Intn(len(texts))]
			_, err = env.Disputes.Agree(ctx, party, id, &text)
		case 1, 2:
			op = "confirm"
			_, err = env.Disputes.Agree(ctx, party, id, nil)
		case 3:
			op = "escalate"
			if rand.Intn(4) == 0 {
				_, err = env.Disputes.Escalate(ctx, party, id)
			}
		case 4:
			op = "send"
			_, err = env.Chat.Send(ctx, party, id, fmt.Sprintf("note from %s at %d", party.Email, time.Now().UnixNano()))
		default:
			op = "sign"
			err = sign(ctx, env, party, id)
		}
		if !env.expected(err) {
			return fmt.Errorf("negotiator %s %s on %s: %w", party.Email, op, id, err)
		}
		pause(10, 30)
	}
	return nil
}

func sign(ctx context.Context, env *Env, party auth.Principal, id string) error {
	info, err := env.Disputes.SigningInfo(ctx, party, id)
	if err != nil {
		return err
	}
	if info.Status != dispute.StatusPendingApproval {
		return nil
	}
	name := party.Name
	if name == "" {
		name = party.Email
	}
	_, err = env.Disputes.Sign(ctx, party, id, signature.Payload{
		Type:            signature.TypeTyped,
		TypedName:       &name,
		DocumentVersion: info.Document.Version,
		DocumentHash:    info.Document.Hash,
	})
	return err
}

// Arbiter works the admin queues: pending resolutions are approved or sent
// back, escalations get a verdict.
func Arbiter(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		pending, err := env.Admin.ListPending(ctx, env.Arbiter)
		if err != nil {
			if env.expected(err) {
				continue
			}
			return fmt.Errorf("arbiter list pending: %w", err)
		}
		for _, rec := range pending {
			decision := admin.DecisionApprove
			if rand.Intn(3) == 0 {
				decision = admin.DecisionReject
			}
			if _, err := env.Admin.Decide(ctx, env.Arbiter, rec.ID, decision, "stress"); !env.expected(err) {
				return fmt.Errorf("arbiter %s %s: %w", decision, rec.ID, err)
			}
		}

		escalated, err := env.Admin.ListEscalated(ctx, env.Arbiter)
		if err != nil {
			if env.expected(err) {
				continue
			}
			return fmt.Errorf("arbiter list escalated: %w", err)
		}
		for _, rec := range escalated {
			if _, err := env.Admin.ResolveEscalation(ctx, env.Arbiter, rec.ID, "Binding verdict: split evenly.", "stress"); !env.expected(err) {
				return fmt.Errorf("arbiter resolve %s: %w", rec.ID, err)
			}
		}
		pause(200, 200)
	}
	return nil
}
