package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"settleflow/agreement"
	"settleflow/auth"
	"settleflow/obs"
	"settleflow/signature"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TimelineWriter appends audit events inside the transition transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, disputeID, eventType, actorID string, payload map[string]any) error
}

// OutboxWriter enqueues integration events inside the transition transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic, key string, payload map[string]any) error
}

// SignatureVault is the subset of signature.Vault the lifecycle depends on.
type SignatureVault interface {
	Record(ctx context.Context, tx pgx.Tx, disputeID, userID string, party agreement.Party, doc signature.Document, payload signature.Payload) (signature.Signature, error)
	InvalidateAll(ctx context.Context, tx pgx.Tx, disputeID string) error
	BothSigned(ctx context.Context, tx pgx.Tx, disputeID string, doc signature.Document) (bool, error)
	List(ctx context.Context, disputeID string) ([]signature.Signature, error)
}

// MutateFunc applies a transition to the locked record. Returning an error
// rolls the transaction back.
type MutateFunc func(ctx context.Context, tx pgx.Tx, rec *Record) (Change, error)

type Service struct {
	pool     TxBeginner
	repo     Repository
	vault    SignatureVault
	timeline TimelineWriter
	outbox   OutboxWriter
	logger   *slog.Logger
	newID    func() string
	now      func() time.Time
	signing  []Status
}

type Option func(*Service)

func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithSigningStatuses overrides the statuses in which parties may sign.
func WithSigningStatuses(statuses []Status) Option {
	return func(s *Service) {
		if len(statuses) > 0 {
			s.signing = append([]Status(nil), statuses...)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewService(pool TxBeginner, repo Repository, vault SignatureVault, timeline TimelineWriter, outbox OutboxWriter, opts ...Option) *Service {
	s := &Service{
		pool:     pool,
		repo:     repo,
		vault:    vault,
		timeline: timeline,
		outbox:   outbox,
		logger:   slog.Default(),
		newID:    uuid.NewString,
		now:      time.Now,
		signing:  DefaultSigningStatuses,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the service clock in UTC.
func (s *Service) Now() time.Time {
	return s.now().UTC()
}

// Create files a new dispute on behalf of the plaintiff p.
func (s *Service) Create(ctx context.Context, p auth.Principal, params CreateParams) (rec Record, err error) {
	defer func() { obs.ObserveTransition(string(OpCreate), resultOf(err)) }()

	input, err := s.validateCreate(p, params)
	if err != nil {
		return Record{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err = s.repo.Insert(ctx, tx, input)
	if err != nil {
		return Record{}, err
	}

	payload := eventPayload(rec, OpCreate, p, "", nil)
	if err := s.timeline.Append(ctx, tx, rec.ID, string(OpCreate), p.ID, payload); err != nil {
		return Record{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, TopicCreated, rec.ID, payload); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit create: %w", err)
	}

	s.logger.InfoContext(ctx, "dispute filed", "dispute_id", rec.ID, "creator_id", p.ID, "category", rec.Category)
	return rec, nil
}

func (s *Service) validateCreate(p auth.Principal, params CreateParams) (Record, error) {
	if p.ID == "" || p.Email == "" {
		return Record{}, forbidden("an authenticated user is required")
	}

	title := strings.TrimSpace(params.Title)
	if title == "" {
		return Record{}, &ValidationError{Field: "title", Reason: "is required"}
	}
	if utf8.RuneCountInString(title) > 200 {
		return Record{}, &ValidationError{Field: "title", Reason: "must be at most 200 characters"}
	}
	description := strings.TrimSpace(params.Description)
	if description == "" {
		return Record{}, &ValidationError{Field: "description", Reason: "is required"}
	}

	category, ok := canonicalCategory(params.Category)
	if !ok {
		return Record{}, &ValidationError{Field: "category", Reason: fmt.Sprintf("must be one of %s", strings.Join(Categories, ", "))}
	}

	defendant := strings.ToLower(strings.TrimSpace(params.DefendantEmail))
	addr, err := mail.ParseAddress(defendant)
	if err != nil || addr.Address != defendant {
		return Record{}, &ValidationError{Field: "defendant_email", Reason: "is not a valid e-mail address"}
	}
	if strings.EqualFold(defendant, p.Email) {
		return Record{}, &ValidationError{Field: "defendant_email", Reason: "cannot file a dispute against yourself"}
	}

	if params.AmountDisputed != nil && *params.AmountDisputed < 0 {
		return Record{}, &ValidationError{Field: "amount_disputed", Reason: "must not be negative"}
	}

	return Record{
		ID:             s.newID(),
		Status:         StatusOpen,
		CreatorID:      p.ID,
		CreatorEmail:   strings.ToLower(p.Email),
		DefendantEmail: defendant,
		Title:          title,
		Category:       category,
		Description:    description,
		AmountDisputed: params.AmountDisputed,
		EvidenceFile:   params.EvidenceFile,
	}, nil
}

func canonicalCategory(c string) (string, bool) {
	c = strings.TrimSpace(c)
	if c == "" {
		return "Other", true
	}
	for _, known := range Categories {
		if strings.EqualFold(known, c) {
			return known, true
		}
	}
	return "", false
}

// Get returns the dispute if p is a party or an admin.
func (s *Service) Get(ctx context.Context, p auth.Principal, id string) (Record, error) {
	if !validID(id) {
		return Record{}, ErrNotFound
	}
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if !CanView(p, rec) {
		return Record{}, forbidden("not a party to this dispute")
	}
	return rec, nil
}

// Detail is a dispute together with its signatures.
type Detail struct {
	Record
	Signatures []signature.Signature
}

func (s *Service) GetDetail(ctx context.Context, p auth.Principal, id string) (Detail, error) {
	rec, err := s.Get(ctx, p, id)
	if err != nil {
		return Detail{}, err
	}
	sigs, err := s.vault.List(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Record: rec, Signatures: sigs}, nil
}

// List returns the disputes p filed, is named in, or both.
func (s *Service) List(ctx context.Context, p auth.Principal, filter Filter) ([]Record, error) {
	var q ListQuery
	switch filter {
	case FilterFiled:
		q.CreatorID, q.CreatorEmail = p.ID, p.Email
	case FilterAgainst:
		if p.Email == "" {
			return []Record{}, nil
		}
		q.DefendantEmail = p.Email
	case FilterAll, "":
		q.PartyID, q.PartyEmail = p.ID, p.Email
	default:
		return nil, &ValidationError{Field: "filter", Reason: "must be filed, against or all"}
	}
	return s.repo.List(ctx, q)
}

// Query lists disputes without party scoping. Callers authorize.
func (s *Service) Query(ctx context.Context, q ListQuery) ([]Record, error) {
	return s.repo.List(ctx, q)
}

// StatusCounts returns the number of disputes per status.
func (s *Service) StatusCounts(ctx context.Context) (map[Status]int, error) {
	return s.repo.CountByStatus(ctx)
}

// DashboardStats summarises the disputes p takes part in.
func (s *Service) DashboardStats(ctx context.Context, p auth.Principal) (UserStats, error) {
	all, err := s.repo.List(ctx, ListQuery{PartyID: p.ID, PartyEmail: p.Email})
	if err != nil {
		return UserStats{}, err
	}
	stats := UserStats{TotalDisputes: len(all)}
	for _, rec := range all {
		switch RoleOf(p, rec) {
		case RolePlaintiff:
			stats.DisputesFiled++
		case RoleDefendant:
			stats.DisputesAgainst++
		}
		if rec.Status == StatusResolved {
			stats.ResolvedDisputes++
		} else {
			stats.PendingDisputes++
		}
	}
	if len(all) > 5 {
		all = all[:5]
	}
	stats.RecentDisputes = all
	return stats, nil
}

func (s *Service) Accept(ctx context.Context, p auth.Principal, id string) (Record, error) {
	return s.Mutate(ctx, id, OpAccept, p, func(_ context.Context, _ pgx.Tx, rec *Record) (Change, error) {
		return Accept(rec, RoleOf(p, *rec), p.ID, s.Now())
	})
}

func (s *Service) Reject(ctx context.Context, p auth.Principal, id string) (Record, error) {
	return s.Mutate(ctx, id, OpReject, p, func(_ context.Context, _ pgx.Tx, rec *Record) (Change, error) {
		return Reject(rec, RoleOf(p, *rec), s.Now())
	})
}

// Agree proposes text or, when text is nil, confirms the current resolution.
func (s *Service) Agree(ctx context.Context, p auth.Principal, id string, text *string) (Record, error) {
	return s.Mutate(ctx, id, OpAgree, p, func(_ context.Context, _ pgx.Tx, rec *Record) (Change, error) {
		return Agree(rec, RoleOf(p, *rec), text, s.Now())
	})
}

func (s *Service) Escalate(ctx context.Context, p auth.Principal, id string) (Record, error) {
	return s.Mutate(ctx, id, OpEscalate, p, func(_ context.Context, _ pgx.Tx, rec *Record) (Change, error) {
		return Escalate(rec, RoleOf(p, *rec), s.Now())
	})
}

// SigningInfo tells the caller which side they sign for and what document.
type SigningInfo struct {
	IsPlaintiff    bool
	IsDefendant    bool
	Document       signature.Document
	ResolutionText *string
	Status         Status
	Signatures     []signature.Signature
}

func (s *Service) SigningInfo(ctx context.Context, p auth.Principal, id string) (SigningInfo, error) {
	d, err := s.GetDetail(ctx, p, id)
	if err != nil {
		return SigningInfo{}, err
	}
	role := RoleOf(p, d.Record)
	return SigningInfo{
		IsPlaintiff:    role == RolePlaintiff,
		IsDefendant:    role == RoleDefendant,
		Document:       signature.DocumentFor(d.Agreement.ResolutionText, d.Agreement.Version),
		ResolutionText: d.Agreement.ResolutionText,
		Status:         d.Status,
		Signatures:     d.Signatures,
	}, nil
}

// Sign records the caller's signature on the current resolution text.
func (s *Service) Sign(ctx context.Context, p auth.Principal, id string, payload signature.Payload) (signature.Signature, error) {
	var sig signature.Signature
	_, err := s.Mutate(ctx, id, OpSign, p, func(ctx context.Context, tx pgx.Tx, rec *Record) (Change, error) {
		role := RoleOf(p, *rec)
		if err := CheckSign(*rec, role, s.signing); err != nil {
			return Change{}, err
		}
		doc := signature.DocumentFor(rec.Agreement.ResolutionText, rec.Agreement.Version)
		var err error
		sig, err = s.vault.Record(ctx, tx, rec.ID, p.ID, role.Party(), doc, payload)
		if err != nil {
			return Change{}, err
		}
		return Change{
			Topics: []string{TopicSigned},
			Details: map[string]any{
				"party":            string(role),
				"signature_type":   string(sig.Type),
				"document_version": doc.Version,
				"document_hash":    doc.Hash,
			},
		}, nil
	})
	if err != nil {
		return signature.Signature{}, err
	}
	return sig, nil
}

// Delete removes the dispute and its dependents. Only the plaintiff may
// delete, and only before adjudication starts.
func (s *Service) Delete(ctx context.Context, p auth.Principal, id string) (err error) {
	defer func() { obs.ObserveTransition(string(OpDelete), resultOf(err)) }()
	if !validID(id) {
		return ErrNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := CheckDelete(rec, RoleOf(p, rec)); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, tx, id); err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, tx, TopicDeleted, id, eventPayload(rec, OpDelete, p, rec.Status, nil)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit delete: %w", err)
	}

	s.logger.InfoContext(ctx, "dispute deleted", "dispute_id", id, "actor_id", p.ID)
	return nil
}

// Mutate runs fn against the dispute under its row lock and persists the
// result together with the timeline event and outbox messages.
func (s *Service) Mutate(ctx context.Context, id string, op Op, actor auth.Principal, fn MutateFunc) (rec Record, err error) {
	defer func() { obs.ObserveTransition(string(op), resultOf(err)) }()
	if !validID(id) {
		return Record{}, ErrNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}
	previous := current.Status

	change, err := fn(ctx, tx, &current)
	if err != nil {
		return Record{}, err
	}
	if change.Noop {
		return current, nil
	}

	if change.InvalidateSignatures {
		if err := s.vault.InvalidateAll(ctx, tx, id); err != nil {
			return Record{}, err
		}
	}

	updated, err := s.repo.Update(ctx, tx, current)
	if err != nil {
		return Record{}, err
	}

	payload := eventPayload(updated, op, actor, previous, change.Details)
	if err := s.timeline.Append(ctx, tx, id, string(op), actor.ID, payload); err != nil {
		return Record{}, err
	}
	for _, topic := range change.Topics {
		if err := s.outbox.Enqueue(ctx, tx, topic, id, payload); err != nil {
			return Record{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit %s: %w", op, err)
	}

	if previous != updated.Status {
		s.logger.InfoContext(ctx, "dispute transitioned",
			"dispute_id", id, "op", string(op), "from", string(previous), "to", string(updated.Status), "actor_id", actor.ID)
	}
	return updated, nil
}

func eventPayload(rec Record, op Op, actor auth.Principal, previous Status, details map[string]any) map[string]any {
	payload := map[string]any{
		"dispute_id":      rec.ID,
		"operation":       string(op),
		"title":           rec.Title,
		"status":          string(rec.Status),
		"creator_id":      rec.CreatorID,
		"creator_email":   rec.CreatorEmail,
		"defendant_email": rec.DefendantEmail,
	}
	if previous != "" {
		payload["previous_status"] = string(previous)
	}
	if rec.DefendantID != nil {
		payload["defendant_id"] = *rec.DefendantID
	}
	if rec.Agreement.ResolutionText != nil {
		payload["resolution_text"] = *rec.Agreement.ResolutionText
	}
	if actor.ID != "" {
		payload["actor_id"] = actor.ID
		payload["actor_name"] = actor.Name
	}
	for k, v := range details {
		payload[k] = v
	}
	return payload
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func resultOf(err error) string {
	var transition *TransitionError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &transition):
		return "invalid_transition"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	}
	return "error"
}
