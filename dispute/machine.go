package dispute

import (
	"errors"
	"strings"
	"time"

	"settleflow/agreement"
)

// Op names a lifecycle operation.
type Op string

const (
	OpCreate            Op = "create"
	OpAccept            Op = "accept"
	OpReject            Op = "reject"
	OpAgree             Op = "agree"
	OpEscalate          Op = "escalate"
	OpSign              Op = "sign"
	OpSendMessage       Op = "send_message"
	OpApprove           Op = "approve_resolution"
	OpRejectResolution  Op = "reject_resolution"
	OpResolveEscalation Op = "resolve_escalation"
	OpSaveSuggestions   Op = "save_suggestions"
	OpDelete            Op = "delete"
)

// Outbox topics.
const (
	TopicCreated             = "dispute.created"
	TopicAccepted            = "dispute.accepted"
	TopicRejected            = "dispute.rejected"
	TopicProposal            = "dispute.proposal"
	TopicPendingApproval     = "dispute.pending_approval"
	TopicEscalationRequested = "dispute.escalation_requested"
	TopicEscalated           = "dispute.escalated"
	TopicSigned              = "dispute.signed"
	TopicResolutionApproved  = "dispute.resolution_approved"
	TopicResolutionRejected  = "dispute.resolution_rejected"
	TopicEscalationResolved  = "dispute.escalation_resolved"
	TopicDeleted             = "dispute.deleted"
)

// Change describes what a transition did so the service can persist it.
type Change struct {
	// Noop skips the write entirely; used for idempotent repeats.
	Noop                 bool
	Topics               []string
	InvalidateSignatures bool
	Details              map[string]any
}

// DefaultSigningStatuses lists where parties may sign unless configured otherwise.
var DefaultSigningStatuses = []Status{StatusPendingApproval}

// Accept moves an Open dispute into negotiation.
func Accept(rec *Record, role Role, actorID string, now time.Time) (Change, error) {
	if role != RoleDefendant {
		return Change{}, forbidden("only the defendant can accept")
	}
	if rec.Status != StatusOpen {
		return Change{}, invalid(OpAccept, rec.Status, "dispute is not open")
	}
	rec.Status = StatusInProgress
	rec.AcceptedAt = &now
	if actorID != "" {
		rec.DefendantID = &actorID
	}
	return Change{Topics: []string{TopicAccepted}}, nil
}

// Reject declines an Open dispute.
func Reject(rec *Record, role Role, now time.Time) (Change, error) {
	if role != RoleDefendant {
		return Change{}, forbidden("only the defendant can reject")
	}
	if rec.Status != StatusOpen {
		return Change{}, invalid(OpReject, rec.Status, "dispute is not open")
	}
	rec.Status = StatusRejected
	rec.RejectedAt = &now
	return Change{Topics: []string{TopicRejected}}, nil
}

// Agree proposes text, or confirms the current text when text is nil or
// blank. Once both parties agree the dispute awaits admin approval.
func Agree(rec *Record, role Role, text *string, now time.Time) (Change, error) {
	if !role.IsParty() {
		return Change{}, forbidden("not a party to this dispute")
	}
	if rec.Status != StatusInProgress {
		return Change{}, invalid(OpAgree, rec.Status, "agreement is only possible while in progress")
	}

	var (
		out agreement.Outcome
		err error
	)
	if text != nil && strings.TrimSpace(*text) != "" {
		out, err = rec.Agreement.Propose(role.Party(), *text)
	} else {
		out, err = rec.Agreement.Confirm(role.Party())
	}
	if err != nil {
		if errors.Is(err, agreement.ErrNothingToConfirm) {
			return Change{}, &ValidationError{Field: "resolution_text", Reason: "no resolution text to confirm"}
		}
		return Change{}, &ValidationError{Field: "resolution_text", Reason: err.Error()}
	}
	if !out.TextChanged && !out.FlagChanged {
		return Change{Noop: true}, nil
	}

	change := Change{
		Topics:               []string{TopicProposal},
		InvalidateSignatures: out.TextChanged,
		Details: map[string]any{
			"party":              string(role),
			"text_changed":       out.TextChanged,
			"resolution_version": rec.Agreement.Version,
		},
	}
	if rec.Agreement.BothAgreed() {
		rec.Status = StatusPendingApproval
		rec.PendingApprovalSince = &now
		change.Topics = append(change.Topics, TopicPendingApproval)
	}
	return change, nil
}

// Escalate records the caller's request for a binding admin verdict. A
// repeated request is a no-op.
func Escalate(rec *Record, role Role, now time.Time) (Change, error) {
	if !role.IsParty() {
		return Change{}, forbidden("not a party to this dispute")
	}
	if rec.Status != StatusInProgress {
		return Change{}, invalid(OpEscalate, rec.Status, "escalation is only possible while in progress")
	}
	changed, err := rec.Agreement.Escalate(role.Party())
	if err != nil {
		return Change{}, &ValidationError{Reason: err.Error()}
	}
	if !changed {
		return Change{Noop: true}, nil
	}

	change := Change{
		Topics:  []string{TopicEscalationRequested},
		Details: map[string]any{"party": string(role)},
	}
	if rec.Agreement.BothEscalated() {
		rec.Status = StatusEscalated
		rec.EscalatedAt = &now
		change.Topics = append(change.Topics, TopicEscalated)
	}
	return change, nil
}

// CheckSign validates that role may sign rec in its current status.
func CheckSign(rec Record, role Role, allowed []Status) error {
	if !role.IsParty() {
		return forbidden("not a party to this dispute")
	}
	if len(allowed) == 0 {
		allowed = DefaultSigningStatuses
	}
	ok := false
	for _, s := range allowed {
		if rec.Status == s {
			ok = true
			break
		}
	}
	if !ok {
		return invalid(OpSign, rec.Status, "signing is not open in this status")
	}
	if rec.Agreement.ResolutionText == nil {
		return invalid(OpSign, rec.Status, "there is no resolution text to sign")
	}
	return nil
}

// ApproveResolution finalises a pending resolution. When signatures are
// required both parties must have signed the current text.
func ApproveResolution(rec *Record, notes string, bothSigned, requireSignatures bool, now time.Time) (Change, error) {
	if rec.Status != StatusPendingApproval {
		return Change{}, invalid(OpApprove, rec.Status, "dispute is not pending approval")
	}
	if rec.Agreement.ResolutionText == nil {
		return Change{}, invalid(OpApprove, rec.Status, "there is no resolution text")
	}
	if requireSignatures && !bothSigned {
		return Change{}, invalid(OpApprove, rec.Status, "both parties must sign before approval")
	}
	rec.Status = StatusResolved
	rec.ResolvedAt = &now
	setNotes(rec, notes)
	return Change{
		Topics:  []string{TopicResolutionApproved},
		Details: notesDetails(notes),
	}, nil
}

// RejectResolution sends a pending resolution back to negotiation. The text,
// both agreement flags and all signatures are dropped.
func RejectResolution(rec *Record, notes string, now time.Time) (Change, error) {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return Change{}, &ValidationError{Field: "admin_notes", Reason: "notes are required when rejecting a resolution"}
	}
	if rec.Status != StatusPendingApproval {
		return Change{}, invalid(OpRejectResolution, rec.Status, "dispute is not pending approval")
	}
	rec.Agreement.Clear()
	rec.Status = StatusInProgress
	rec.PendingApprovalSince = nil
	setNotes(rec, notes)
	return Change{
		Topics:               []string{TopicResolutionRejected},
		InvalidateSignatures: true,
		Details:              notesDetails(notes),
	}, nil
}

// ResolveEscalation imposes the admin's verdict on an escalated dispute.
// Party signatures are not required.
func ResolveEscalation(rec *Record, verdict, notes string, now time.Time) (Change, error) {
	verdict = strings.TrimSpace(verdict)
	if verdict == "" {
		return Change{}, &ValidationError{Field: "resolution_text", Reason: "verdict is required"}
	}
	if rec.Status != StatusEscalated {
		return Change{}, invalid(OpResolveEscalation, rec.Status, "dispute is not escalated")
	}
	out := rec.Agreement.Impose(verdict)
	rec.Status = StatusResolved
	rec.ResolvedAt = &now
	setNotes(rec, notes)
	details := notesDetails(notes)
	details["resolution_version"] = rec.Agreement.Version
	return Change{
		Topics:               []string{TopicEscalationResolved},
		InvalidateSignatures: out.TextChanged,
		Details:              details,
	}, nil
}

// CheckDelete validates that role may delete rec.
func CheckDelete(rec Record, role Role) error {
	if role != RolePlaintiff {
		return forbidden("only the plaintiff can delete a dispute")
	}
	switch rec.Status {
	case StatusOpen, StatusInProgress, StatusRejected:
		return nil
	}
	return invalid(OpDelete, rec.Status, "dispute is locked for adjudication")
}

// SaveSuggestions caches a generated suggestion set; the latest set wins.
func SaveSuggestions(rec *Record, analysis string, suggestions []Suggestion) Change {
	rec.AIAnalysis = &analysis
	rec.AISuggestions = append([]Suggestion(nil), suggestions...)
	return Change{Details: map[string]any{"suggestions": len(suggestions)}}
}

func setNotes(rec *Record, notes string) {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return
	}
	rec.AdminNotes = &notes
}

func notesDetails(notes string) map[string]any {
	d := make(map[string]any, 2)
	if n := strings.TrimSpace(notes); n != "" {
		d["admin_notes"] = n
	}
	return d
}
