package agreement

import (
	"errors"
	"strings"
)

// Party identifies which side of a dispute an agreement flag belongs to.
type Party string

const (
	Plaintiff Party = "plaintiff"
	Defendant Party = "defendant"
)

// Valid reports whether p names one of the two dispute parties.
func (p Party) Valid() bool {
	return p == Plaintiff || p == Defendant
}

// Other returns the opposing party.
func (p Party) Other() Party {
	if p == Plaintiff {
		return Defendant
	}
	return Plaintiff
}

var (
	// ErrUnknownParty is returned when a flag is requested for a non-party.
	ErrUnknownParty = errors.New("agreement: unknown party")
	// ErrNothingToConfirm is returned when a party confirms while no text is proposed.
	ErrNothingToConfirm = errors.New("agreement: no resolution text to confirm")
	// ErrEmptyProposal is returned when a proposal carries only whitespace.
	ErrEmptyProposal = errors.New("agreement: resolution text is empty")
)

// Ledger holds the negotiated settlement text together with per-party
// agreement and escalation flags. The zero value is an empty ledger.
//
// Whenever the text changes, both agreement flags are cleared and Version is
// bumped; signatures bound to the previous version become stale.
type Ledger struct {
	ResolutionText     *string
	Version            int
	PlaintiffAgreed    bool
	DefendantAgreed    bool
	PlaintiffEscalated bool
	DefendantEscalated bool
}

// Outcome reports the effects of a ledger mutation.
type Outcome struct {
	TextChanged bool
	FlagChanged bool
}

// Propose records that party agrees to text. When text differs from the
// current resolution it replaces it and resets both flags first.
func (l *Ledger) Propose(party Party, text string) (Outcome, error) {
	if !party.Valid() {
		return Outcome{}, ErrUnknownParty
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Outcome{}, ErrEmptyProposal
	}

	var out Outcome
	if l.ResolutionText == nil || *l.ResolutionText != text {
		l.setText(&text)
		out.TextChanged = true
	}
	out.FlagChanged = l.setAgreed(party)
	return out, nil
}

// Confirm records that party agrees to the text already on the ledger.
func (l *Ledger) Confirm(party Party) (Outcome, error) {
	if !party.Valid() {
		return Outcome{}, ErrUnknownParty
	}
	if l.ResolutionText == nil {
		return Outcome{}, ErrNothingToConfirm
	}
	return Outcome{FlagChanged: l.setAgreed(party)}, nil
}

// BothAgreed reports whether both parties agree to the current text.
func (l *Ledger) BothAgreed() bool {
	return l.ResolutionText != nil && l.PlaintiffAgreed && l.DefendantAgreed
}

// Agreed reports the flag of a single party.
func (l *Ledger) Agreed(party Party) bool {
	switch party {
	case Plaintiff:
		return l.PlaintiffAgreed
	case Defendant:
		return l.DefendantAgreed
	}
	return false
}

// Escalate raises the escalation flag of party. It reports whether the flag
// was newly set.
func (l *Ledger) Escalate(party Party) (bool, error) {
	switch party {
	case Plaintiff:
		changed := !l.PlaintiffEscalated
		l.PlaintiffEscalated = true
		return changed, nil
	case Defendant:
		changed := !l.DefendantEscalated
		l.DefendantEscalated = true
		return changed, nil
	}
	return false, ErrUnknownParty
}

// BothEscalated reports whether both parties requested escalation.
func (l *Ledger) BothEscalated() bool {
	return l.PlaintiffEscalated && l.DefendantEscalated
}

// Impose replaces the text with a binding verdict. Agreement flags reset as
// with any other text change.
func (l *Ledger) Impose(text string) Outcome {
	text = strings.TrimSpace(text)
	if l.ResolutionText != nil && *l.ResolutionText == text {
		return Outcome{}
	}
	l.setText(&text)
	return Outcome{TextChanged: true}
}

// Clear drops the text and both agreement flags. It reports whether there was
// anything to clear.
func (l *Ledger) Clear() bool {
	changed := l.ResolutionText != nil || l.PlaintiffAgreed || l.DefendantAgreed
	if l.ResolutionText != nil {
		l.setText(nil)
	}
	l.PlaintiffAgreed = false
	l.DefendantAgreed = false
	return changed
}

func (l *Ledger) setText(text *string) {
	l.ResolutionText = text
	l.Version++
	l.PlaintiffAgreed = false
	l.DefendantAgreed = false
}

func (l *Ledger) setAgreed(party Party) bool {
	if party == Plaintiff {
		changed := !l.PlaintiffAgreed
		l.PlaintiffAgreed = true
		return changed
	}
	changed := !l.DefendantAgreed
	l.DefendantAgreed = true
	return changed
}
