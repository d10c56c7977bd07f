package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"settleflow/auth"
	"settleflow/dispute"
)

const (
	// MaxMessages is the hard cap of messages per dispute.
	MaxMessages = 20
	// MaxContentLength bounds a single message, in characters.
	MaxContentLength = 2000
)

// ErrLimitExceeded is returned once a dispute holds MaxMessages messages.
var ErrLimitExceeded = errors.New("chat: message limit reached")

// Message mirrors the messages table.
type Message struct {
	ID         string
	DisputeID  string
	Seq        int
	UserID     string
	SenderName string
	Content    string
	CreatedAt  time.Time
}

// Repository defines message persistence.
type Repository interface {
	Count(ctx context.Context, tx pgx.Tx, disputeID string) (int, error)
	Insert(ctx context.Context, tx pgx.Tx, msg Message) (Message, error)
	List(ctx context.Context, disputeID string) ([]Message, error)
}

// Disputes is the part of dispute.Service the gate needs.
type Disputes interface {
	Get(ctx context.Context, p auth.Principal, id string) (dispute.Record, error)
	Mutate(ctx context.Context, id string, op dispute.Op, actor auth.Principal, fn dispute.MutateFunc) (dispute.Record, error)
}

// CanSend reports whether a dispute in status holding count messages accepts
// another one.
func CanSend(status dispute.Status, count int) bool {
	return (status == dispute.StatusInProgress || status == dispute.StatusResolved) && count < MaxMessages
}

type Service struct {
	disputes Disputes
	repo     Repository
	newID    func() string
	now      func() time.Time
}

func NewService(disputes Disputes, repo Repository) *Service {
	return &Service{disputes: disputes, repo: repo, newID: uuid.NewString, now: time.Now}
}

// Send appends a message. The count check and insert run under the dispute
// row lock so concurrent senders cannot push the thread past the cap.
func (s *Service) Send(ctx context.Context, p auth.Principal, disputeID, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, &dispute.ValidationError{Field: "content", Reason: "message cannot be empty"}
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return Message{}, &dispute.ValidationError{Field: "content", Reason: fmt.Sprintf("message exceeds %d characters", MaxContentLength)}
	}

	var sent Message
	_, err := s.disputes.Mutate(ctx, disputeID, dispute.OpSendMessage, p, func(ctx context.Context, tx pgx.Tx, rec *dispute.Record) (dispute.Change, error) {
		role := dispute.RoleOf(p, *rec)
		if !role.IsParty() {
			return dispute.Change{}, fmt.Errorf("%w: only the parties can chat", dispute.ErrForbidden)
		}
		if rec.Status != dispute.StatusInProgress && rec.Status != dispute.StatusResolved {
			return dispute.Change{}, &dispute.TransitionError{Op: dispute.OpSendMessage, Status: rec.Status, Reason: "chat is closed in this status"}
		}

		count, err := s.repo.Count(ctx, tx, rec.ID)
		if err != nil {
			return dispute.Change{}, err
		}
		if !CanSend(rec.Status, count) {
			return dispute.Change{}, fmt.Errorf("%w: %d of %d messages used", ErrLimitExceeded, count, MaxMessages)
		}

		sent, err = s.repo.Insert(ctx, tx, Message{
			ID:         s.newID(),
			DisputeID:  rec.ID,
			Seq:        count + 1,
			UserID:     p.ID,
			SenderName: senderName(p),
			Content:    content,
			CreatedAt:  s.now().UTC(),
		})
		if err != nil {
			return dispute.Change{}, err
		}
		return dispute.Change{Details: map[string]any{"seq": sent.Seq, "party": string(role)}}, nil
	})
	if err != nil {
		return Message{}, err
	}
	return sent, nil
}

// List returns the thread ordered by sequence. Parties and admins may read.
func (s *Service) List(ctx context.Context, p auth.Principal, disputeID string) ([]Message, error) {
	if _, err := s.disputes.Get(ctx, p, disputeID); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, disputeID)
}

func senderName(p auth.Principal) string {
	if p.Name != "" {
		return p.Name
	}
	if at := strings.IndexByte(p.Email, '@'); at > 0 {
		return p.Email[:at]
	}
	return "Unknown"
}
