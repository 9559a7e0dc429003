// Package session ties a browser to a server-side session row through a
// signed cookie, and exposes the durable and read-once (flash) values the
// auth flow needs.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/pantry/internal/model"
)

const (
	DefaultCookieName = "pantry_session"
	DefaultMaxAge     = 30 * 24 * time.Hour
)

// ErrNoSecret is returned by NewManager when no signing secret is configured.
var ErrNoSecret = errors.New("session secret not configured")

// Store is the persistence the manager needs. *store.SessionStore implements it.
type Store interface {
	Create(maxAge time.Duration) (*model.Session, error)
	GetByToken(token string) (*model.Session, error)
	SetUserID(id, userID int64) error
	SetSignupEmail(id int64, email string) error
	Flash(id int64, key, value string) error
	Take(id int64, key string) (string, bool, error)
	Delete(id int64) error
}

type Manager struct {
	store      Store
	secret     []byte
	cookieName string
	maxAge     time.Duration
	secure     bool
}

type Option func(*Manager)

func WithCookieName(name string) Option {
	return func(m *Manager) {
		m.cookieName = name
	}
}

func WithMaxAge(d time.Duration) Option {
	return func(m *Manager) {
		m.maxAge = d
	}
}

// WithSecure marks the cookie Secure; set it when the origin is https.
func WithSecure(secure bool) Option {
	return func(m *Manager) {
		m.secure = secure
	}
}

func NewManager(store Store, secret string, opts ...Option) (*Manager, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	m := &Manager{
		store:      store,
		secret:     []byte(secret),
		cookieName: DefaultCookieName,
		maxAge:     DefaultMaxAge,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Lookup returns the session named by the request cookie, or nil if the
// cookie is absent, badly signed, or refers to an expired session.
func (m *Manager) Lookup(r *http.Request) (*model.Session, error) {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}
	token, ok := m.verify(cookie.Value)
	if !ok {
		return nil, nil
	}
	return m.store.GetByToken(token)
}

// Load is Lookup that creates a fresh anonymous session when none is found.
// The caller must Commit a newly created session for the browser to keep it.
func (m *Manager) Load(r *http.Request) (*model.Session, error) {
	sess, err := m.Lookup(r)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}
	return m.New()
}

// New creates a fresh anonymous session row.
func (m *Manager) New() (*model.Session, error) {
	sess, err := m.store.Create(m.maxAge)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Discard deletes a session that was never committed to the browser.
func (m *Manager) Discard(sess *model.Session) error {
	return m.store.Delete(sess.ID)
}

// Flash stores a value that the next Take consumes.
func (m *Manager) Flash(sess *model.Session, key, value string) error {
	return m.store.Flash(sess.ID, key, value)
}

// Take returns and clears a flashed value in one atomic step.
func (m *Manager) Take(sess *model.Session, key string) (string, bool, error) {
	return m.store.Take(sess.ID, key)
}

func (m *Manager) SetUserID(sess *model.Session, userID int64) error {
	if err := m.store.SetUserID(sess.ID, userID); err != nil {
		return err
	}
	sess.UserID = &userID
	sess.SignupEmail = nil
	return nil
}

func (m *Manager) SetSignupEmail(sess *model.Session, email string) error {
	if err := m.store.SetSignupEmail(sess.ID, email); err != nil {
		return err
	}
	sess.SignupEmail = &email
	return nil
}

// Cookie serializes the session reference for a Set-Cookie header.
func (m *Manager) Cookie(sess *model.Session) *http.Cookie {
	return &http.Cookie{
		Name:     m.cookieName,
		Value:    m.sign(sess.Token),
		Path:     "/",
		MaxAge:   int(m.maxAge / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   m.secure,
	}
}

// Commit writes the session cookie to the response.
func (m *Manager) Commit(w http.ResponseWriter, sess *model.Session) {
	http.SetCookie(w, m.Cookie(sess))
}

// Destroy deletes the session row and expires the cookie.
func (m *Manager) Destroy(w http.ResponseWriter, sess *model.Session) error {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   m.secure,
	})
	if sess == nil {
		return nil
	}
	return m.store.Delete(sess.ID)
}

func (m *Manager) sign(token string) string {
	return token + "." + m.mac(token)
}

func (m *Manager) verify(value string) (string, bool) {
	token, sig, ok := strings.Cut(value, ".")
	if !ok || token == "" {
		return "", false
	}
	if !hmac.Equal([]byte(sig), []byte(m.mac(token))) {
		return "", false
	}
	return token, true
}

func (m *Manager) mac(token string) string {
	h := hmac.New(sha256.New, m.secret)
	h.Write([]byte(token))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
