package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"settleflow/agreement"
	"settleflow/auth"
	"settleflow/chat"
	"settleflow/dispute"
	"settleflow/notification"
	"settleflow/signature"
	"settleflow/suggest"
	"settleflow/timeline"
)

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	RequestID string    `json:"request_id,omitempty"`
	Error     errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	writeJSON(w, status, errorEnvelope{
		RequestID: requestIDFrom(r.Context()),
		Error:     errorBody{Code: code, Message: message, Details: details},
	})
}

// writeDomainError maps package sentinels onto HTTP statuses. Anything not
// recognised is logged and reported as a 500 without leaking the cause.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		transition *dispute.TransitionError
		validation *dispute.ValidationError
	)
	switch {
	case errors.As(err, &transition):
		writeError(w, r, http.StatusConflict, "INVALID_TRANSITION", err.Error(), map[string]any{
			"operation": string(transition.Op),
			"status":    string(transition.Status),
		})
	case errors.As(err, &validation):
		var details map[string]any
		if validation.Field != "" {
			details = map[string]any{"field": validation.Field}
		}
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), details)
	case errors.Is(err, dispute.ErrNotFound), errors.Is(err, notification.ErrNotFound), errors.Is(err, auth.ErrUserNotFound):
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, dispute.ErrForbidden), errors.Is(err, notification.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "FORBIDDEN", err.Error(), nil)
	case errors.Is(err, chat.ErrLimitExceeded):
		writeError(w, r, http.StatusUnprocessableEntity, "LIMIT_EXCEEDED", err.Error(), map[string]any{"limit": chat.MaxMessages})
	case errors.Is(err, signature.ErrStaleDocument):
		writeError(w, r, http.StatusPreconditionFailed, "STALE_DOCUMENT", err.Error(), nil)
	case errors.Is(err, signature.ErrInvalidSignature),
		errors.Is(err, agreement.ErrEmptyProposal),
		errors.Is(err, agreement.ErrNothingToConfirm),
		errors.Is(err, dispute.ErrValidation),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrInvalidEmail):
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, dispute.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", err.Error(), nil)
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, r, http.StatusConflict, "DUPLICATE", err.Error(), nil)
	case errors.Is(err, suggest.ErrExternalService):
		writeError(w, r, http.StatusBadGateway, "EXTERNAL_SERVICE_ERROR", err.Error(), nil)
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "request_id", requestIDFrom(r.Context()), "error", err)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal server error", nil)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &dispute.ValidationError{Reason: "malformed request body: " + err.Error()}
	}
	return nil
}

// decodeOptionalJSON tolerates an absent or empty body.
func decodeOptionalJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &dispute.ValidationError{Reason: "malformed request body: " + err.Error()}
	}
	return nil
}

func formatTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC().Format(time.RFC3339)
	return &v
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	FullName  string `json:"full_name,omitempty"`
	Role      string `json:"role"`
	Provider  string `json:"auth_provider"`
	CreatedAt string `json:"created_at"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		Username:  u.Username,
		FullName:  u.FullName,
		Role:      string(u.Role),
		Provider:  string(u.Provider),
		CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type disputeResponse struct {
	ID                   string               `json:"id"`
	Status               string               `json:"status"`
	CreatorID            string               `json:"user_id"`
	CreatorEmail         string               `json:"creator_email"`
	DefendantEmail       string               `json:"defendant_email"`
	DefendantID          *string              `json:"defendant_id,omitempty"`
	Title                string               `json:"title"`
	Category             string               `json:"category"`
	Description          string               `json:"description"`
	AmountDisputed       *float64             `json:"amount_disputed,omitempty"`
	EvidenceFile         *string              `json:"evidence_file,omitempty"`
	ResolutionText       *string              `json:"resolution_text"`
	ResolutionVersion    int                  `json:"resolution_version"`
	PlaintiffAgreed      bool                 `json:"plaintiff_agreed"`
	DefendantAgreed      bool                 `json:"defendant_agreed"`
	PlaintiffEscalated   bool                 `json:"plaintiff_escalated"`
	DefendantEscalated   bool                 `json:"defendant_escalated"`
	AIAnalysis           *string              `json:"ai_analysis"`
	AISuggestions        []dispute.Suggestion `json:"ai_suggestions"`
	PendingApprovalSince *string              `json:"pending_approval_since,omitempty"`
	AcceptedAt           *string              `json:"accepted_at,omitempty"`
	RejectedAt           *string              `json:"rejected_at,omitempty"`
	EscalatedAt          *string              `json:"escalated_at,omitempty"`
	ResolvedAt           *string              `json:"resolved_at,omitempty"`
	AdminNotes           *string              `json:"admin_notes,omitempty"`
	Signatures           []signatureResponse  `json:"signatures,omitempty"`
	Warnings             []dispute.Warning    `json:"warnings,omitempty"`
	CreatedAt            string               `json:"created_at"`
	UpdatedAt            string               `json:"updated_at"`
}

func toDisputeResponse(rec dispute.Record) disputeResponse {
	suggestions := rec.AISuggestions
	if suggestions == nil {
		suggestions = []dispute.Suggestion{}
	}
	return disputeResponse{
		ID:                   rec.ID,
		Status:               string(rec.Status),
		CreatorID:            rec.CreatorID,
		CreatorEmail:         rec.CreatorEmail,
		DefendantEmail:       rec.DefendantEmail,
		DefendantID:          rec.DefendantID,
		Title:                rec.Title,
		Category:             rec.Category,
		Description:          rec.Description,
		AmountDisputed:       rec.AmountDisputed,
		EvidenceFile:         rec.EvidenceFile,
		ResolutionText:       rec.Agreement.ResolutionText,
		ResolutionVersion:    rec.Agreement.Version,
		PlaintiffAgreed:      rec.Agreement.PlaintiffAgreed,
		DefendantAgreed:      rec.Agreement.DefendantAgreed,
		PlaintiffEscalated:   rec.Agreement.PlaintiffEscalated,
		DefendantEscalated:   rec.Agreement.DefendantEscalated,
		AIAnalysis:           rec.AIAnalysis,
		AISuggestions:        suggestions,
		PendingApprovalSince: formatTime(rec.PendingApprovalSince),
		AcceptedAt:           formatTime(rec.AcceptedAt),
		RejectedAt:           formatTime(rec.RejectedAt),
		EscalatedAt:          formatTime(rec.EscalatedAt),
		ResolvedAt:           formatTime(rec.ResolvedAt),
		AdminNotes:           rec.AdminNotes,
		CreatedAt:            rec.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:            rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toDisputeList(recs []dispute.Record) []disputeResponse {
	out := make([]disputeResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toDisputeResponse(rec))
	}
	return out
}

type signatureResponse struct {
	PartyRole       string  `json:"party_role"`
	UserID          string  `json:"user_id,omitempty"`
	Type            string  `json:"signature_type"`
	TypedName       *string `json:"typed_name,omitempty"`
	ImageData       *string `json:"signature_image_data,omitempty"`
	DocumentVersion int     `json:"document_version"`
	DocumentHash    string  `json:"document_hash"`
	SignedAt        string  `json:"signed_at"`
}

func toSignatureResponse(sig signature.Signature) signatureResponse {
	return signatureResponse{
		PartyRole:       string(sig.PartyRole),
		UserID:          sig.UserID,
		Type:            string(sig.Type),
		TypedName:       sig.TypedName,
		ImageData:       sig.ImageData,
		DocumentVersion: sig.DocumentVersion,
		DocumentHash:    sig.DocumentHash,
		SignedAt:        sig.SignedAt.UTC().Format(time.RFC3339),
	}
}

func toSignatureList(sigs []signature.Signature) []signatureResponse {
	out := make([]signatureResponse, 0, len(sigs))
	for _, sig := range sigs {
		out = append(out, toSignatureResponse(sig))
	}
	return out
}

type messageResponse struct {
	ID         string `json:"id"`
	DisputeID  string `json:"dispute_id"`
	Seq        int    `json:"seq"`
	UserID     string `json:"user_id"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	CreatedAt  string `json:"created_at"`
}

func toMessageResponse(m chat.Message) messageResponse {
	return messageResponse{
		ID:         m.ID,
		DisputeID:  m.DisputeID,
		Seq:        m.Seq,
		UserID:     m.UserID,
		SenderName: m.SenderName,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type eventResponse struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	ActorID   *string        `json:"actor_id,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at"`
}

func toEventResponse(e timeline.Event) eventResponse {
	return eventResponse{
		ID:        e.ID,
		Type:      e.Type,
		ActorID:   e.ActorID,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type notificationResponse struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Link      string `json:"link,omitempty"`
	IsRead    bool   `json:"is_read"`
	CreatedAt string `json:"created_at"`
}

func toNotificationList(items []notification.Notification) []notificationResponse {
	out := make([]notificationResponse, 0, len(items))
	for _, n := range items {
		out = append(out, notificationResponse{
			ID:        n.ID,
			Type:      n.Type,
			Title:     n.Title,
			Message:   n.Message,
			Link:      n.Link,
			IsRead:    n.IsRead,
			CreatedAt: n.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

// logAttrs is shared by the request logger and panic recovery.
func logAttrs(r *http.Request, status int, elapsed time.Duration) []any {
	return []any{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", elapsed),
		slog.String("request_id", requestIDFrom(r.Context())),
	}
}
