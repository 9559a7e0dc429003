package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dukerupert/pantry/internal/model"
)

type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func scanSession(scanner interface{ Scan(...any) error }) (*model.Session, error) {
	var s model.Session
	var userID sql.NullInt64
	var signupEmail sql.NullString

	err := scanner.Scan(&s.ID, &s.Token, &userID, &signupEmail, &s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		return nil, err
	}

	if userID.Valid {
		s.UserID = &userID.Int64
	}
	if signupEmail.Valid {
		s.SignupEmail = &signupEmail.String
	}
	return &s, nil
}

const sessionCols = `id, token, user_id, signup_email, expires_at, created_at`

// Create inserts an anonymous session with a crypto-random token.
func (s *SessionStore) Create(maxAge time.Duration) (*model.Session, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(tokenBytes)
	expiresAt := time.Now().UTC().Add(maxAge)

	result, err := s.db.Exec(
		`INSERT INTO sessions (token, expires_at) VALUES (?, ?)`,
		token, expiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	row := s.db.QueryRow(`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetByToken returns the session for the given token, or nil if expired or not found.
func (s *SessionStore) GetByToken(token string) (*model.Session, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionCols+` FROM sessions WHERE token = ? AND expires_at > ?`,
		token, time.Now().UTC(),
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session by token: %w", err)
	}
	return sess, nil
}

// SetUserID binds a user to the session and clears any pending signup marker.
func (s *SessionStore) SetUserID(id, userID int64) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET user_id = ?, signup_email = NULL WHERE id = ?`,
		userID, id,
	)
	if err != nil {
		return fmt.Errorf("set session user: %w", err)
	}
	return nil
}

func (s *SessionStore) SetSignupEmail(id int64, email string) error {
	_, err := s.db.Exec(`UPDATE sessions SET signup_email = ? WHERE id = ?`, email, id)
	if err != nil {
		return fmt.Errorf("set session signup email: %w", err)
	}
	return nil
}

// Flash stores a read-once value, replacing any unread value under the same key.
func (s *SessionStore) Flash(id int64, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO session_flashes (session_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (session_id, key) DO UPDATE SET value = excluded.value`,
		id, key, value,
	)
	if err != nil {
		return fmt.Errorf("flash session value: %w", err)
	}
	return nil
}

// Take returns and removes a flashed value in one statement, so concurrent
// callers can never both observe it. ok is false when nothing was flashed.
func (s *SessionStore) Take(id int64, key string) (value string, ok bool, err error) {
	err = s.db.QueryRow(
		`DELETE FROM session_flashes WHERE session_id = ? AND key = ? RETURNING value`,
		id, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("take session flash: %w", err)
	}
	return value, true, nil
}

func (s *SessionStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SessionStore) DeleteByUserID(userID int64) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete sessions by user: %w", err)
	}
	return nil
}

func (s *SessionStore) DeleteExpired() (int64, error) {
	result, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}
