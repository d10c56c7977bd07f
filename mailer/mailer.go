// Package mailer sends templated e-mail through the EmailJS REST API.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Template names known to the dispatcher.
const (
	TemplateDisputeFiled       = "dispute_filed"
	TemplateConfirmation       = "confirmation"
	TemplateAccepted           = "accepted"
	TemplateRejected           = "rejected"
	TemplateProposal           = "proposal"
	TemplateResolutionApproved = "resolution_approved"
	TemplateResolutionRejected = "resolution_rejected"
	TemplateEscalationResolved = "escalation_resolved"
	TemplateDisputeDropped     = "dispute_dropped"
)

// ErrNotConfigured is returned when no EmailJS template is mapped for an
// e-mail. Callers treat it as "skip".
var ErrNotConfigured = errors.New("mailer: template not configured")

type Email struct {
	To       string
	Template string
	Params   map[string]string
}

type Sender interface {
	Send(ctx context.Context, email Email) error
}

type Config struct {
	Endpoint   string
	ServiceID  string
	PublicKey  string
	PrivateKey string
	// Templates maps template names to EmailJS template ids.
	Templates map[string]string
	Timeout   time.Duration
}

// Enabled reports whether enough is configured to send anything.
func (c Config) Enabled() bool {
	return c.ServiceID != "" && c.PublicKey != ""
}

type EmailJS struct {
	cfg    Config
	client *http.Client
}

func NewEmailJS(cfg Config) *EmailJS {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.emailjs.com/api/v1.0/email/send"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &EmailJS{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type sendRequest struct {
	ServiceID      string            `json:"service_id"`
	TemplateID     string            `json:"template_id"`
	UserID         string            `json:"user_id"`
	AccessToken    string            `json:"accessToken,omitempty"`
	TemplateParams map[string]string `json:"template_params"`
}

func (m *EmailJS) Send(ctx context.Context, email Email) error {
	templateID := m.cfg.Templates[email.Template]
	if templateID == "" || !m.cfg.Enabled() {
		return fmt.Errorf("%w: %s", ErrNotConfigured, email.Template)
	}

	params := make(map[string]string, len(email.Params)+1)
	for k, v := range email.Params {
		params[k] = v
	}
	params["to_email"] = email.To

	body, err := json.Marshal(sendRequest{
		ServiceID:      m.cfg.ServiceID,
		TemplateID:     templateID,
		UserID:         m.cfg.PublicKey,
		AccessToken:    m.cfg.PrivateKey,
		TemplateParams: params,
	})
	if err != nil {
		return fmt.Errorf("mailer: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mailer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("mailer: send %s: %w", email.Template, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("mailer: send %s: status %d: %s", email.Template, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// LogSender only logs. Used when EmailJS is not configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, email Email) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.DebugContext(ctx, "email skipped", "template", email.Template, "to", email.To)
	return nil
}
