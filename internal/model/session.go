package model

import "time"

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is the server-side half of a browser session. UserID is nil until a
// magic link has been validated for a known user; SignupEmail marks a session
// that validated a link for an email with no account yet.
type Session struct {
	ID          int64     `json:"id"`
	Token       string    `json:"-"`
	UserID      *int64    `json:"user_id"`
	SignupEmail *string   `json:"signup_email"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Authenticated reports whether a user has been bound to the session.
func (s *Session) Authenticated() bool {
	return s != nil && s.UserID != nil
}
