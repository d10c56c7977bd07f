package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"settleflow/admin"
	"settleflow/auth"
	"settleflow/chat"
	"settleflow/dispute"
	"settleflow/notification"
	"settleflow/obs"
	"settleflow/signature"
	"settleflow/suggest"
	"settleflow/timeline"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
	VerifyToken(token string) (auth.Principal, error)
	IssueToken(user auth.User) (string, error)
}

type disputeService interface {
	Create(ctx context.Context, p auth.Principal, params dispute.CreateParams) (dispute.Record, error)
	Get(ctx context.Context, p auth.Principal, id string) (dispute.Record, error)
	GetDetail(ctx context.Context, p auth.Principal, id string) (dispute.Detail, error)
	List(ctx context.Context, p auth.Principal, filter dispute.Filter) ([]dispute.Record, error)
	Delete(ctx context.Context, p auth.Principal, id string) error
	Accept(ctx context.Context, p auth.Principal, id string) (dispute.Record, error)
	Reject(ctx context.Context, p auth.Principal, id string) (dispute.Record, error)
	Agree(ctx context.Context, p auth.Principal, id string, text *string) (dispute.Record, error)
	Escalate(ctx context.Context, p auth.Principal, id string) (dispute.Record, error)
	SigningInfo(ctx context.Context, p auth.Principal, id string) (dispute.SigningInfo, error)
	Sign(ctx context.Context, p auth.Principal, id string, payload signature.Payload) (signature.Signature, error)
	DashboardStats(ctx context.Context, p auth.Principal) (dispute.UserStats, error)
}

type chatService interface {
	Send(ctx context.Context, p auth.Principal, disputeID, content string) (chat.Message, error)
	List(ctx context.Context, p auth.Principal, disputeID string) ([]chat.Message, error)
}

type suggestionService interface {
	Generate(ctx context.Context, p auth.Principal, disputeID string, force bool) (suggest.Result, error)
}

type adminService interface {
	Decide(ctx context.Context, p auth.Principal, id string, decision admin.Decision, notes string) (dispute.Record, error)
	ResolveEscalation(ctx context.Context, p auth.Principal, id, verdict, notes string) (dispute.Record, error)
	ListPending(ctx context.Context, p auth.Principal) ([]dispute.Record, error)
	ListEscalated(ctx context.Context, p auth.Principal) ([]dispute.Record, error)
	ListAll(ctx context.Context, p auth.Principal) ([]dispute.Record, error)
	ListUsers(ctx context.Context, p auth.Principal) ([]auth.User, error)
	Stats(ctx context.Context, p auth.Principal) (admin.Stats, error)
}

type notificationService interface {
	List(ctx context.Context, p auth.Principal) ([]notification.Notification, error)
	Unread(ctx context.Context, p auth.Principal) ([]notification.Notification, error)
	MarkRead(ctx context.Context, p auth.Principal, id string) error
	MarkAllRead(ctx context.Context, p auth.Principal) (int64, error)
}

type timelineReader interface {
	List(ctx context.Context, disputeID string) ([]timeline.Event, error)
}

type readinessChecker interface {
	Ready(ctx context.Context) error
}

// Server exposes the dispute lifecycle over HTTP/JSON.
type Server struct {
	auth          authService
	disputes      disputeService
	chat          chatService
	suggestions   suggestionService
	admin         adminService
	notifications notificationService
	timeline      timelineReader
	ready         readinessChecker
	logger        *slog.Logger

	// generateOnCreate asks the suggestion generator for options right after
	// filing. Failures surface as warnings on the create response.
	generateOnCreate bool
	limiter          *ipLimiter
	maxBody          int64
}

func (s *Server) Routes() http.Handler {
	if s.logger == nil {
		s.logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.recoverPanics)
	r.Use(s.logRequests)
	r.Use(obs.Instrument)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", obs.Handler())

	r.Route("/api", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.middleware)
		}
		r.Use(maxBodyBytes(s.maxBody))

		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Get("/auth/me", s.handleMe)

			r.Route("/disputes", func(r chi.Router) {
				r.Post("/", s.handleCreateDispute)
				r.Get("/", s.handleListDisputes)
				r.Get("/filed", s.listWithFilter(dispute.FilterFiled))
				r.Get("/against", s.listWithFilter(dispute.FilterAgainst))

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDispute)
					r.Delete("/", s.handleDeleteDispute)
					r.Post("/accept", s.handleAccept)
					r.Post("/reject", s.handleReject)
					r.Post("/agree", s.handleAgree)
					r.Post("/escalate", s.handleEscalate)
					r.Get("/messages", s.handleListMessages)
					r.Post("/messages", s.handleSendMessage)
					r.Get("/signing-info", s.handleSigningInfo)
					r.Post("/sign", s.handleSign)
					r.Get("/timeline", s.handleTimeline)
				})
			})

			r.Post("/ai/suggestions", s.handleSuggestions)
			r.Get("/dashboard/stats", s.handleDashboardStats)

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", s.handleNotifications)
				r.Get("/unread", s.handleUnreadNotifications)
				r.Put("/read-all", s.handleMarkAllRead)
				r.Put("/{id}/read", s.handleMarkRead)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Get("/pending-approvals", s.handlePendingApprovals)
				r.Get("/escalated-disputes", s.handleEscalatedDisputes)
				r.Get("/stats", s.handleAdminStats)
				r.Get("/all-disputes", s.handleAllDisputes)
				r.Get("/all-users", s.handleAllUsers)
				r.Post("/{id}/approve-resolution", s.handleApproveResolution)
				r.Post("/{id}/resolve-escalation", s.handleResolveEscalation)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})
	return r
}
