package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"settleflow/admin"
	"settleflow/agreement"
	"settleflow/auth"
	"settleflow/chat"
	"settleflow/dispute"
	"settleflow/notification"
	"settleflow/signature"
	"settleflow/suggest"
	"settleflow/timeline"
)

var (
	alice = auth.Principal{ID: "u-alice", Email: "alice@example.com", Name: "Alice", Role: auth.RoleUser}
	root  = auth.Principal{ID: "u-admin", Email: "admin@example.com", Name: "Admin", Role: auth.RoleAdmin}
)

type stubAuth struct {
	err error
}

func (s *stubAuth) Register(_ context.Context, req auth.RegisterRequest) (*auth.User, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &auth.User{ID: "u-new", Email: req.Email, Username: req.Username, Role: auth.RoleUser}, nil
}

func (s *stubAuth) Login(context.Context, auth.LoginRequest) (auth.LoginResult, error) {
	return auth.LoginResult{}, auth.ErrInvalidCredentials
}

func (s *stubAuth) GetUserByID(_ context.Context, id string) (*auth.User, error) {
	return &auth.User{ID: id, Email: alice.Email}, nil
}

func (s *stubAuth) VerifyToken(token string) (auth.Principal, error) {
	switch token {
	case "alice":
		return alice, nil
	case "admin":
		return root, nil
	}
	return auth.Principal{}, auth.ErrInvalidToken
}

func (s *stubAuth) IssueToken(auth.User) (string, error) { return "token-1", nil }

type stubDisputes struct {
	rec       dispute.Record
	err       error
	agreeText *string
	agreed    bool
	sigErr    error
	lastActor auth.Principal
}

func (s *stubDisputes) result(p auth.Principal) (dispute.Record, error) {
	s.lastActor = p
	return s.rec, s.err
}

func (s *stubDisputes) Create(_ context.Context, p auth.Principal, params dispute.CreateParams) (dispute.Record, error) {
	if s.err != nil {
		return dispute.Record{}, s.err
	}
	rec := s.rec
	rec.Title = params.Title
	rec.CreatorID = p.ID
	return rec, nil
}

func (s *stubDisputes) Get(_ context.Context, p auth.Principal, _ string) (dispute.Record, error) {
	return s.result(p)
}

func (s *stubDisputes) GetDetail(_ context.Context, p auth.Principal, _ string) (dispute.Detail, error) {
	rec, err := s.result(p)
	return dispute.Detail{Record: rec}, err
}

func (s *stubDisputes) List(_ context.Context, p auth.Principal, filter dispute.Filter) ([]dispute.Record, error) {
	if filter != "" && filter != dispute.FilterAll && filter != dispute.FilterFiled && filter != dispute.FilterAgainst {
		return nil, &dispute.ValidationError{Field: "filter", Reason: "must be filed, against or all"}
	}
	rec, err := s.result(p)
	if err != nil {
		return nil, err
	}
	return []dispute.Record{rec}, nil
}

func (s *stubDisputes) Delete(_ context.Context, p auth.Principal, _ string) error {
	_, err := s.result(p)
	return err
}

func (s *stubDisputes) Accept(_ context.Context, p auth.Principal, _ string) (dispute.Record, error) {
	return s.result(p)
}

func (s *stubDisputes) Reject(_ context.Context, p auth.Principal, _ string) (dispute.Record, error) {
	return s.result(p)
}

func (s *stubDisputes) Agree(_ context.Context, p auth.Principal, _ string, text *string) (dispute.Record, error) {
	s.agreed = true
	s.agreeText = text
	return s.result(p)
}

func (s *stubDisputes) Escalate(_ context.Context, p auth.Principal, _ string) (dispute.Record, error) {
	return s.result(p)
}

func (s *stubDisputes) SigningInfo(_ context.Context, p auth.Principal, _ string) (dispute.SigningInfo, error) {
	rec, err := s.result(p)
	return dispute.SigningInfo{
		IsPlaintiff:    true,
		Document:       signature.DocumentFor(rec.Agreement.ResolutionText, rec.Agreement.Version),
		ResolutionText: rec.Agreement.ResolutionText,
		Status:         rec.Status,
	}, err
}

func (s *stubDisputes) Sign(_ context.Context, p auth.Principal, id string, payload signature.Payload) (signature.Signature, error) {
	s.lastActor = p
	if s.sigErr != nil {
		return signature.Signature{}, s.sigErr
	}
	return signature.Signature{DisputeID: id, Type: payload.Type, DocumentHash: payload.DocumentHash}, nil
}

func (s *stubDisputes) DashboardStats(_ context.Context, p auth.Principal) (dispute.UserStats, error) {
	rec, err := s.result(p)
	return dispute.UserStats{TotalDisputes: 1, RecentDisputes: []dispute.Record{rec}}, err
}

type stubChat struct{ err error }

func (s *stubChat) Send(_ context.Context, p auth.Principal, id, content string) (chat.Message, error) {
	if s.err != nil {
		return chat.Message{}, s.err
	}
	return chat.Message{ID: "m-1", DisputeID: id, Seq: 1, UserID: p.ID, SenderName: p.Name, Content: content}, nil
}

func (s *stubChat) List(context.Context, auth.Principal, string) ([]chat.Message, error) {
	return nil, s.err
}

type stubSuggestions struct {
	res   suggest.Result
	err   error
	calls int
}

func (s *stubSuggestions) Generate(context.Context, auth.Principal, string, bool) (suggest.Result, error) {
	s.calls++
	return s.res, s.err
}

type stubAdmin struct {
	decision admin.Decision
}

func (s *stubAdmin) Decide(_ context.Context, p auth.Principal, id string, d admin.Decision, _ string) (dispute.Record, error) {
	if !p.IsAdmin() {
		return dispute.Record{}, dispute.ErrForbidden
	}
	s.decision = d
	return dispute.Record{ID: id, Status: dispute.StatusResolved}, nil
}

func (s *stubAdmin) ResolveEscalation(_ context.Context, _ auth.Principal, _ string, verdict, _ string) (dispute.Record, error) {
	if verdict == "" {
		return dispute.Record{}, &dispute.ValidationError{Field: "verdict", Reason: "is required"}
	}
	return dispute.Record{Status: dispute.StatusResolved, Agreement: ledgerWith(verdict)}, nil
}

func (s *stubAdmin) ListPending(context.Context, auth.Principal) ([]dispute.Record, error) {
	return nil, nil
}

func (s *stubAdmin) ListEscalated(context.Context, auth.Principal) ([]dispute.Record, error) {
	return nil, nil
}

func (s *stubAdmin) ListAll(context.Context, auth.Principal) ([]dispute.Record, error) {
	return nil, nil
}

func (s *stubAdmin) ListUsers(context.Context, auth.Principal) ([]auth.User, error) {
	return nil, nil
}

func (s *stubAdmin) Stats(context.Context, auth.Principal) (admin.Stats, error) {
	return admin.Stats{TotalDisputes: 3}, nil
}

type stubNotifications struct{ err error }

func (s *stubNotifications) List(context.Context, auth.Principal) ([]notification.Notification, error) {
	return []notification.Notification{{ID: "n-1", Title: "hello"}}, nil
}

func (s *stubNotifications) Unread(context.Context, auth.Principal) ([]notification.Notification, error) {
	return nil, nil
}

func (s *stubNotifications) MarkRead(context.Context, auth.Principal, string) error { return s.err }

func (s *stubNotifications) MarkAllRead(context.Context, auth.Principal) (int64, error) {
	return 2, nil
}

type stubTimeline struct{}

func (stubTimeline) List(_ context.Context, id string) ([]timeline.Event, error) {
	return []timeline.Event{{ID: 1, DisputeID: id, Type: "accept"}}, nil
}

type stubReady struct{ err error }

func (s stubReady) Ready(context.Context) error { return s.err }

func ledgerWith(text string) agreement.Ledger {
	return agreement.Ledger{ResolutionText: &text, Version: 1}
}

func newTestServer(d *stubDisputes) *Server {
	return &Server{
		auth:          &stubAuth{},
		disputes:      d,
		chat:          &stubChat{},
		suggestions:   &stubSuggestions{},
		admin:         &stubAdmin{},
		notifications: &stubNotifications{},
		timeline:      stubTimeline{},
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func do(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return env
}

const disputeID = "7b7f0c9e-4c8b-4b7e-9c55-1f1f6b1a0d11"

func TestHealthAndReadiness(t *testing.T) {
	srv := newTestServer(&stubDisputes{})
	srv.ready = stubReady{err: errors.New("db down")}
	h := srv.Routes()

	if rec := do(t, h, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/readyz", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d", rec.Code)
	}
	if env := decodeError(t, rec); env.Error.Code != "NOT_READY" || env.RequestID == "" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestAuthRequired(t *testing.T) {
	h := newTestServer(&stubDisputes{}).Routes()

	if rec := do(t, h, http.MethodGet, "/api/disputes", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/disputes", "forged", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/disputes", "alice", ""); rec.Code != http.StatusOK {
		t.Fatalf("valid token = %d", rec.Code)
	}
}

func TestRegisterIssuesToken(t *testing.T) {
	h := newTestServer(&stubDisputes{}).Routes()

	rec := do(t, h, http.MethodPost, "/api/auth/register", "", `{"email":"new@example.com","username":"new","password":"longenough"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp authResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AccessToken != "token-1" || resp.User.Email != "new@example.com" || resp.TokenType != "bearer" {
		t.Fatalf("unexpected response %+v", resp)
	}

	if rec := do(t, h, http.MethodPost, "/api/auth/login", "", `{"email":"a@b.c","password":"nope"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("login with bad credentials = %d", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"not found", dispute.ErrNotFound, http.MethodGet, "/api/disputes/" + disputeID, "", http.StatusNotFound, "NOT_FOUND"},
		{"forbidden", fmtForbidden(), http.MethodGet, "/api/disputes/" + disputeID, "", http.StatusForbidden, "FORBIDDEN"},
		{"transition", &dispute.TransitionError{Op: dispute.OpAccept, Status: dispute.StatusResolved}, http.MethodPost, "/api/disputes/" + disputeID + "/accept", "", http.StatusConflict, "INVALID_TRANSITION"},
		{"validation", &dispute.ValidationError{Field: "title", Reason: "is required"}, http.MethodPost, "/api/disputes", `{"title":""}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unexpected", errors.New("connection reset"), http.MethodPost, "/api/disputes/" + disputeID + "/escalate", "", http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestServer(&stubDisputes{err: tc.err}).Routes()
			rec := do(t, h, tc.method, tc.path, "alice", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.status, rec.Body.String())
			}
			env := decodeError(t, rec)
			if env.Error.Code != tc.code {
				t.Fatalf("code = %s, want %s", env.Error.Code, tc.code)
			}
			if tc.status == http.StatusInternalServerError && strings.Contains(env.Error.Message, "connection reset") {
				t.Fatal("internal error details must not leak")
			}
		})
	}
}

func fmtForbidden() error {
	return errors.Join(dispute.ErrForbidden, errors.New("not a party"))
}

func TestTransitionConflictCarriesDetails(t *testing.T) {
	h := newTestServer(&stubDisputes{err: &dispute.TransitionError{Op: dispute.OpAgree, Status: dispute.StatusOpen}}).Routes()

	rec := do(t, h, http.MethodPost, "/api/disputes/"+disputeID+"/agree", "alice", `{"resolution_text":"50/50"}`)
	env := decodeError(t, rec)
	if env.Error.Details["operation"] != "agree" || env.Error.Details["status"] != "Open" {
		t.Fatalf("unexpected details %+v", env.Error.Details)
	}
}

func TestAgreeBodyIsOptional(t *testing.T) {
	text := "50/50 split"
	d := &stubDisputes{rec: dispute.Record{ID: disputeID, Status: dispute.StatusInProgress}}
	h := newTestServer(d).Routes()

	if rec := do(t, h, http.MethodPost, "/api/disputes/"+disputeID+"/agree", "alice", ""); rec.Code != http.StatusOK {
		t.Fatalf("confirm = %d body=%s", rec.Code, rec.Body.String())
	}
	if !d.agreed || d.agreeText != nil {
		t.Fatalf("empty body must confirm, got %v", d.agreeText)
	}

	if rec := do(t, h, http.MethodPost, "/api/disputes/"+disputeID+"/agree", "alice", `{"resolution_text":"`+text+`"}`); rec.Code != http.StatusOK {
		t.Fatalf("propose = %d", rec.Code)
	}
	if d.agreeText == nil || *d.agreeText != text {
		t.Fatalf("proposal text not forwarded: %v", d.agreeText)
	}
	if d.lastActor.ID != alice.ID {
		t.Fatalf("principal not propagated: %+v", d.lastActor)
	}
}

func TestMessageLimitAndStaleSignature(t *testing.T) {
	srv := newTestServer(&stubDisputes{sigErr: signature.ErrStaleDocument})
	srv.chat = &stubChat{err: chat.ErrLimitExceeded}
	h := srv.Routes()

	rec := do(t, h, http.MethodPost, "/api/disputes/"+disputeID+"/messages", "alice", `{"content":"hi"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("limit = %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/api/disputes/"+disputeID+"/sign", "alice",
		`{"signature_type":"TYPED","typed_name":"Alice","document_hash":"sha256:00"}`)
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("stale signature = %d", rec.Code)
	}
}

func TestCreateWithSuggestionWarning(t *testing.T) {
	gen := &stubSuggestions{
		res: suggest.Result{
			Analysis: "AI service error: timeout",
			Warnings: []dispute.Warning{{Code: dispute.WarnExternalService, Message: "timeout"}},
		},
	}
	srv := newTestServer(&stubDisputes{rec: dispute.Record{ID: disputeID, Status: dispute.StatusOpen, CreatedAt: time.Now()}})
	srv.suggestions = gen
	srv.generateOnCreate = true
	h := srv.Routes()

	rec := do(t, h, http.MethodPost, "/api/disputes", "alice", `{"title":"Fence","description":"d","defendant_email":"bob@example.com"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp disputeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gen.calls != 1 || len(resp.Warnings) != 1 || resp.Warnings[0].Code != dispute.WarnExternalService {
		t.Fatalf("expected a suggestion warning, got %+v (calls=%d)", resp.Warnings, gen.calls)
	}
	if resp.Title != "Fence" || resp.Status != "Open" {
		t.Fatalf("dispute should still be created: %+v", resp)
	}
}

func TestAdminRoutes(t *testing.T) {
	srv := newTestServer(&stubDisputes{})
	adm := &stubAdmin{}
	srv.admin = adm
	h := srv.Routes()

	rec := do(t, h, http.MethodPost, "/api/admin/"+disputeID+"/approve-resolution", "alice", `{"decision":"approve"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin approve = %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/api/admin/"+disputeID+"/approve-resolution", "admin", `{"decision":"approve","admin_notes":"ok"}`)
	if rec.Code != http.StatusOK || adm.decision != admin.DecisionApprove {
		t.Fatalf("admin approve = %d decision=%s", rec.Code, adm.decision)
	}
	rec = do(t, h, http.MethodPost, "/api/admin/"+disputeID+"/resolve-escalation", "admin", `{"verdict":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty verdict = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/admin/stats", "admin", ""); rec.Code != http.StatusOK {
		t.Fatalf("stats = %d", rec.Code)
	}
}

func TestNotificationsRoutes(t *testing.T) {
	srv := newTestServer(&stubDisputes{})
	srv.notifications = &stubNotifications{err: notification.ErrForbidden}
	h := srv.Routes()

	if rec := do(t, h, http.MethodGet, "/api/notifications", "alice", ""); rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPut, "/api/notifications/n-9/read", "alice", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("mark other's notification = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPut, "/api/notifications/read-all", "alice", ""); rec.Code != http.StatusOK {
		t.Fatalf("read-all = %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(&stubDisputes{})
	srv.limiter = newIPLimiter(1, 2)
	h := srv.Routes()

	var last int
	for i := 0; i < 3; i++ {
		last = do(t, h, http.MethodGet, "/api/disputes", "alice", "").Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", last)
	}
}

func TestRateLimitIgnoresForwardedForUnlessTrusted(t *testing.T) {
	send := func(h http.Handler, forwarded string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/disputes", nil)
		req.Header.Set("Authorization", "Bearer alice")
		req.Header.Set("X-Forwarded-For", forwarded)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	srv := newTestServer(&stubDisputes{})
	srv.limiter = newIPLimiter(1, 2)
	h := srv.Routes()
	var last int
	for i := 0; i < 3; i++ {
		last = send(h, "10.0.0."+string(rune('1'+i)))
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("spoofed X-Forwarded-For must not mint buckets, third request = %d", last)
	}

	trusted := newTestServer(&stubDisputes{})
	trusted.limiter = newIPLimiter(1, 2)
	trusted.limiter.trustProxy = true
	h = trusted.Routes()
	for i := 0; i < 3; i++ {
		last = send(h, "10.0.0."+string(rune('1'+i))+", 192.0.2.1")
	}
	if last == http.StatusTooManyRequests {
		t.Fatal("behind a trusted proxy each forwarded client gets its own bucket")
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")

	if got := clientIP(req, false); got != "192.0.2.7" {
		t.Fatalf("untrusted clientIP = %q", got)
	}
	if got := clientIP(req, true); got != "203.0.113.9" {
		t.Fatalf("trusted clientIP = %q", got)
	}
	req.Header.Set("X-Forwarded-For", " , ")
	if got := clientIP(req, true); got != "192.0.2.7" {
		t.Fatalf("blank forwarded entry should fall back, got %q", got)
	}
}

type stubEnsurer struct {
	got     auth.RegisterRequest
	calls   int
	created bool
	err     error
}

func (s *stubEnsurer) EnsureAdmin(_ context.Context, req auth.RegisterRequest) (*auth.User, bool, error) {
	s.calls++
	s.got = req
	if s.err != nil {
		return nil, false, s.err
	}
	return &auth.User{ID: "u-admin", Email: req.Email, Role: auth.RoleAdmin}, s.created, nil
}

func TestBootstrapAdmin(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	skipped := &stubEnsurer{}
	if err := bootstrapAdmin(ctx, skipped, "", "", logger); err != nil || skipped.calls != 0 {
		t.Fatalf("no e-mail configured must skip, calls=%d err=%v", skipped.calls, err)
	}

	ensured := &stubEnsurer{created: true}
	if err := bootstrapAdmin(ctx, ensured, "root@example.com", "admin-pass-1", logger); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if ensured.calls != 1 || ensured.got.Email != "root@example.com" || ensured.got.Password != "admin-pass-1" {
		t.Fatalf("unexpected ensure call %+v", ensured)
	}

	failing := &stubEnsurer{err: auth.ErrWeakPassword}
	if err := bootstrapAdmin(ctx, failing, "root@example.com", "x", logger); !errors.Is(err, auth.ErrWeakPassword) {
		t.Fatalf("expected weak password to abort startup, got %v", err)
	}
}

func TestRequestIDPropagates(t *testing.T) {
	h := newTestServer(&stubDisputes{err: dispute.ErrNotFound}).Routes()
	req := httptest.NewRequest(http.MethodGet, "/api/disputes/"+disputeID, nil)
	req.Header.Set("Authorization", "Bearer alice")
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") != "req-123" {
		t.Fatalf("response header = %q", rec.Header().Get("X-Request-ID"))
	}
	if env := decodeError(t, rec); env.RequestID != "req-123" {
		t.Fatalf("envelope request id = %q", env.RequestID)
	}
}
