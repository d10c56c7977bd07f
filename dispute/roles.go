package dispute

import (
	"strings"

	"settleflow/agreement"
	"settleflow/auth"
)

// Role is the caller's relation to a dispute.
type Role string

const (
	RolePlaintiff Role = Role(agreement.Plaintiff)
	RoleDefendant Role = Role(agreement.Defendant)
	RoleNone      Role = "none"
)

// Party converts a party role for use with the agreement ledger.
func (r Role) Party() agreement.Party {
	return agreement.Party(r)
}

// IsParty reports whether r is plaintiff or defendant.
func (r Role) IsParty() bool {
	return r == RolePlaintiff || r == RoleDefendant
}

// RoleOf resolves the caller's party role. The plaintiff match wins; filing
// against oneself is refused so a principal never matches both.
func RoleOf(p auth.Principal, rec Record) Role {
	if p.ID != "" && p.ID == rec.CreatorID {
		return RolePlaintiff
	}
	if p.Email != "" && strings.EqualFold(p.Email, rec.CreatorEmail) {
		return RolePlaintiff
	}
	if p.Email != "" && strings.EqualFold(p.Email, rec.DefendantEmail) {
		return RoleDefendant
	}
	return RoleNone
}

// CanView reports whether p may read rec.
func CanView(p auth.Principal, rec Record) bool {
	return p.IsAdmin() || RoleOf(p, rec).IsParty()
}

func requireParty(p auth.Principal, rec Record) (Role, error) {
	role := RoleOf(p, rec)
	if !role.IsParty() {
		return RoleNone, forbidden("not a party to this dispute")
	}
	return role, nil
}
