package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settleflow/auth"
)

var (
	ErrNotFound  = errors.New("notification: not found")
	ErrForbidden = errors.New("notification: not the owner")
)

// Notification is an in-app message for one user.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Link      string    `json:"link"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// Service exposes a user's own notifications.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// List returns the caller's notifications, newest first.
func (s *Service) List(ctx context.Context, p auth.Principal) ([]Notification, error) {
	return s.repo.ListByUser(ctx, p.ID, false)
}

func (s *Service) Unread(ctx context.Context, p auth.Principal) ([]Notification, error) {
	return s.repo.ListByUser(ctx, p.ID, true)
}

// MarkRead flags one notification. Only its owner may do so.
func (s *Service) MarkRead(ctx context.Context, p auth.Principal, id string) error {
	n, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if n.UserID != p.ID {
		return ErrForbidden
	}
	if n.IsRead {
		return nil
	}
	if err := s.repo.MarkRead(ctx, id); err != nil {
		return fmt.Errorf("notification: mark read: %w", err)
	}
	return nil
}

// MarkAllRead flags every unread notification of the caller and returns how
// many changed.
func (s *Service) MarkAllRead(ctx context.Context, p auth.Principal) (int64, error) {
	return s.repo.MarkAllRead(ctx, p.ID)
}
