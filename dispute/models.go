package dispute

import (
	"time"

	"settleflow/agreement"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen            Status = "Open"
	StatusInProgress      Status = "InProgress"
	StatusRejected        Status = "Rejected"
	StatusPendingApproval Status = "PendingApproval"
	StatusEscalated       Status = "Escalated"
	StatusResolved        Status = "Resolved"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusRejected, StatusPendingApproval, StatusEscalated, StatusResolved:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusResolved
}

// Categories accepted at filing time.
var Categories = []string{"Property", "Business", "Family", "Service", "Employment", "Contract", "Other"}

// Suggestion is one structured settlement option produced by the suggestion
// generator.
type Suggestion struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

// Record mirrors the disputes table.
type Record struct {
	ID             string
	Status         Status
	CreatorID      string
	CreatorEmail   string
	DefendantEmail string
	DefendantID    *string
	Title          string
	Category       string
	Description    string
	AmountDisputed *float64
	EvidenceFile   *string

	// Agreement carries the resolution text, its version and the party flags.
	Agreement agreement.Ledger

	AIAnalysis    *string
	AISuggestions []Suggestion

	PendingApprovalSince *time.Time
	AcceptedAt           *time.Time
	RejectedAt           *time.Time
	EscalatedAt          *time.Time
	ResolvedAt           *time.Time
	AdminNotes           *string

	// Revision is the row version, bumped on every write.
	Revision  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateParams carries the filing form.
type CreateParams struct {
	Title          string
	Category       string
	Description    string
	DefendantEmail string
	AmountDisputed *float64
	EvidenceFile   *string
}

// Filter selects which disputes a listing returns.
type Filter string

const (
	FilterAll     Filter = "all"
	FilterFiled   Filter = "filed"
	FilterAgainst Filter = "against"
)

// ListQuery narrows a repository listing. Empty fields do not filter.
type ListQuery struct {
	CreatorID      string
	CreatorEmail   string
	DefendantEmail string
	// Party, when set, includes disputes the user filed or is named in.
	PartyID    string
	PartyEmail string
	Statuses   []Status
	// OrderByUpdated sorts by updated_at instead of created_at.
	OrderByUpdated bool
	Limit          int
}

// UserStats summarises the disputes a user takes part in.
type UserStats struct {
	TotalDisputes    int      `json:"total_disputes"`
	PendingDisputes  int      `json:"pending_disputes"`
	ResolvedDisputes int      `json:"resolved_disputes"`
	DisputesFiled    int      `json:"disputes_filed"`
	DisputesAgainst  int      `json:"disputes_against"`
	RecentDisputes   []Record `json:"-"`
}

// Warning is a non-fatal failure of a side effect attached to an otherwise
// successful operation.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WarnExternalService marks failures of AI or e-mail collaborators.
const WarnExternalService = "EXTERNAL_SERVICE_ERROR"
