package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"settleflow/admin"
	"settleflow/auth"
	"settleflow/dispute"
	"settleflow/signature"
)

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready.Ready(ctx); err != nil {
			s.logger.WarnContext(r.Context(), "readiness check failed", "error", err)
			writeError(w, r, http.StatusServiceUnavailable, "NOT_READY", "dependencies unavailable", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type authResponse struct {
	User        userResponse `json:"user"`
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	user, err := s.auth.Register(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	token, err := s.auth.IssueToken(*user)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{User: toUserResponse(*user), AccessToken: token, TokenType: "bearer"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	res, err := s.auth.Login(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{User: toUserResponse(res.User), AccessToken: res.Token, TokenType: "bearer"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.GetUserByID(r.Context(), principalFrom(r).ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(*user))
}

type createDisputeRequest struct {
	Title          string   `json:"title"`
	Category       string   `json:"category"`
	Description    string   `json:"description"`
	DefendantEmail string   `json:"defendant_email"`
	AmountDisputed *float64 `json:"amount_disputed"`
	EvidenceFile   *string  `json:"evidence_file"`
}

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	var req createDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	p := principalFrom(r)
	rec, err := s.disputes.Create(r.Context(), p, dispute.CreateParams{
		Title:          req.Title,
		Category:       req.Category,
		Description:    req.Description,
		DefendantEmail: req.DefendantEmail,
		AmountDisputed: req.AmountDisputed,
		EvidenceFile:   req.EvidenceFile,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	resp := toDisputeResponse(rec)
	if s.generateOnCreate && s.suggestions != nil {
		result, err := s.suggestions.Generate(r.Context(), p, rec.ID, false)
		switch {
		case err != nil:
			s.logger.WarnContext(r.Context(), "suggestions on create failed", "dispute_id", rec.ID, "error", err)
			resp.Warnings = append(resp.Warnings, dispute.Warning{Code: dispute.WarnExternalService, Message: "suggestions unavailable"})
		default:
			resp.AIAnalysis = &result.Analysis
			resp.AISuggestions = result.Suggestions
			resp.Warnings = append(resp.Warnings, result.Warnings...)
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	s.listWithFilter(dispute.Filter(r.URL.Query().Get("filter")))(w, r)
}

func (s *Server) listWithFilter(filter dispute.Filter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := s.disputes.List(r.Context(), principalFrom(r), filter)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeList(recs))
	}
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputes.GetDetail(r.Context(), principalFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	resp := toDisputeResponse(d.Record)
	resp.Signatures = toSignatureList(d.Signatures)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteDispute(w http.ResponseWriter, r *http.Request) {
	if err := s.disputes.Delete(r.Context(), principalFrom(r), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transitionFunc func(ctx context.Context, p auth.Principal, id string) (dispute.Record, error)

func (s *Server) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := fn(r.Context(), principalFrom(r), chi.URLParam(r, "id"))
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(rec))
	}
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.transition(s.disputes.Accept)(w, r)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.transition(s.disputes.Reject)(w, r)
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	s.transition(s.disputes.Escalate)(w, r)
}

type agreeRequest struct {
	ResolutionText *string `json:"resolution_text"`
}

// handleAgree accepts an empty body, which confirms the current text.
func (s *Server) handleAgree(w http.ResponseWriter, r *http.Request) {
	var req agreeRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	rec, err := s.disputes.Agree(r.Context(), principalFrom(r), chi.URLParam(r, "id"), req.ResolutionText)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

type messageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	msg, err := s.chat.Send(r.Context(), principalFrom(r), chi.URLParam(r, "id"), req.Content)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.chat.List(r.Context(), principalFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

type signingInfoResponse struct {
	IsPlaintiff     bool                `json:"is_plaintiff"`
	IsDefendant     bool                `json:"is_defendant"`
	Status          string              `json:"status"`
	ResolutionText  *string             `json:"resolution_text"`
	DocumentVersion int                 `json:"agreement_document_version"`
	DocumentHash    string              `json:"agreement_document_hash"`
	Signatures      []signatureResponse `json:"signatures"`
}

func (s *Server) handleSigningInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.disputes.SigningInfo(r.Context(), principalFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, signingInfoResponse{
		IsPlaintiff:     info.IsPlaintiff,
		IsDefendant:     info.IsDefendant,
		Status:          string(info.Status),
		ResolutionText:  info.ResolutionText,
		DocumentVersion: info.Document.Version,
		DocumentHash:    info.Document.Hash,
		Signatures:      toSignatureList(info.Signatures),
	})
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var payload signature.Payload
	if err := decodeJSON(r, &payload); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	sig, err := s.disputes.Sign(r.Context(), principalFrom(r), chi.URLParam(r, "id"), payload)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSignatureResponse(sig))
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.disputes.Get(r.Context(), principalFrom(r), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	events, err := s.timeline.List(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, toEventResponse(e))
	}
	writeJSON(w, http.StatusOK, out)
}

type suggestionRequest struct {
	DisputeID string `json:"dispute_id"`
	Force     bool   `json:"force"`
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	var req suggestionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if req.DisputeID == "" {
		s.writeDomainError(w, r, &dispute.ValidationError{Field: "dispute_id", Reason: "is required"})
		return
	}
	res, err := s.suggestions.Generate(r.Context(), principalFrom(r), req.DisputeID, req.Force)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type dashboardResponse struct {
	dispute.UserStats
	RecentDisputes []disputeResponse `json:"recent_disputes"`
}

func (s *Server) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.disputes.DashboardStats(r.Context(), principalFrom(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dashboardResponse{UserStats: stats, RecentDisputes: toDisputeList(stats.RecentDisputes)})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	items, err := s.notifications.List(r.Context(), principalFrom(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toNotificationList(items))
}

func (s *Server) handleUnreadNotifications(w http.ResponseWriter, r *http.Request) {
	items, err := s.notifications.Unread(r.Context(), principalFrom(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toNotificationList(items))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.notifications.MarkRead(r.Context(), principalFrom(r), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.notifications.MarkAllRead(r.Context(), principalFrom(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "updated": n})
}

func (s *Server) adminList(list func(context.Context, auth.Principal) ([]dispute.Record, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := list(r.Context(), principalFrom(r))
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeList(recs))
	}
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	s.adminList(s.admin.ListPending)(w, r)
}

func (s *Server) handleEscalatedDisputes(w http.ResponseWriter, r *http.Request) {
	s.adminList(s.admin.ListEscalated)(w, r)
}

func (s *Server) handleAllDisputes(w http.ResponseWriter, r *http.Request) {
	s.adminList(s.admin.ListAll)(w, r)
}

func (s *Server) handleAllUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.admin.ListUsers(r.Context(), principalFrom(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.admin.Stats(r.Context(), principalFrom(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type decisionRequest struct {
	Decision   string `json:"decision"`
	AdminNotes string `json:"admin_notes"`
}

func (s *Server) handleApproveResolution(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	rec, err := s.admin.Decide(r.Context(), principalFrom(r), chi.URLParam(r, "id"), admin.Decision(req.Decision), req.AdminNotes)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

type verdictRequest struct {
	Verdict    string `json:"verdict"`
	AdminNotes string `json:"admin_notes"`
}

func (s *Server) handleResolveEscalation(w http.ResponseWriter, r *http.Request) {
	var req verdictRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	rec, err := s.admin.ResolveEscalation(r.Context(), principalFrom(r), chi.URLParam(r, "id"), req.Verdict, req.AdminNotes)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}
