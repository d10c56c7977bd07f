package auth

import "time"

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

type Provider string

const (
	ProviderLocal  Provider = "local"
	ProviderGoogle Provider = "google"
)

// User is the domain representation of an authenticated user.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	Username     string
	FullName     string
	PasswordHash string
	Role         Role
	Provider     Provider
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Principal is the caller identity every dispute operation is evaluated against.
type Principal struct {
	ID    string
	Email string
	Name  string
	Role  Role
}

// IsAdmin reports whether the principal carries the admin flag. Admin is
// orthogonal to the party role a principal holds on a given dispute.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Principal projects the user onto the identity carried in tokens.
func (u User) Principal() Principal {
	name := u.FullName
	if name == "" {
		name = u.Username
	}
	return Principal{ID: u.ID, Email: u.Email, Name: name, Role: u.Role}
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
