package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/pantry/internal/auth"
	"github.com/dukerupert/pantry/internal/database"
	"github.com/dukerupert/pantry/internal/magiclink"
	"github.com/dukerupert/pantry/internal/session"
	"github.com/dukerupert/pantry/internal/store"
)

type linkRecorder struct {
	mu    sync.Mutex
	links []string
	err   error
}

func (d *linkRecorder) Deliver(_ context.Context, _, link string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.links = append(d.links, link)
	return nil
}

func (d *linkRecorder) last(t *testing.T) string {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.links) == 0 {
		t.Fatal("no link delivered")
	}
	return d.links[len(d.links)-1]
}

type authFixture struct {
	db       *sql.DB
	h        *AuthHandler
	sessions *session.Manager
	users    *store.UserStore
	links    *linkRecorder
	now      time.Time
}

func setupAuthHandler(t *testing.T) *authFixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &authFixture{
		db:    db,
		users: store.NewUserStore(db),
		links: &linkRecorder{},
		now:   time.Now().UTC(),
	}
	clock := func() time.Time { return f.now }

	f.sessions, err = session.NewManager(store.NewSessionStore(db), "cookie-secret")
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	codec, err := magiclink.NewCodec("link-secret")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	builder, err := magiclink.NewBuilder(codec, "https://pantry.test", magiclink.WithClock(clock))
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}

	flow := auth.NewFlow(codec, builder, f.users, f.sessions,
		auth.WithDeliverer(f.links),
		auth.WithClock(clock),
	)
	f.h = NewAuthHandler(flow, f.sessions, slog.Default())
	return f
}

func postForm(target string, form url.Values, cookies ...*http.Cookie) *http.Request {
	req := httptest.NewRequest("POST", target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return req
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.DefaultCookieName {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

// login posts the login form and returns the session cookie and the link.
func (f *authFixture) login(t *testing.T, email string) (*http.Cookie, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.h.Login(rec, postForm("/login", url.Values{"email": {email}}))
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}
	return sessionCookie(t, rec), f.links.last(t)
}

func (f *authFixture) visit(link string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", link, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	f.h.ValidateMagicLink(rec, req)
	return rec
}

func (f *authFixture) sessionRows(t *testing.T) int {
	t.Helper()
	var n int
	if err := f.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	return n
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestLogin(t *testing.T) {
	f := setupAuthHandler(t)

	rec := httptest.NewRecorder()
	f.h.Login(rec, postForm("/login", url.Values{"email": {"me@example.com"}}))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := decodeBody(t, rec); body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
	c := sessionCookie(t, rec)
	if !c.HttpOnly || c.Path != "/" {
		t.Errorf("cookie = %+v", c)
	}
	if link := f.links.last(t); !strings.HasPrefix(link, "https://pantry.test/validate-magic-link?magic=") {
		t.Errorf("link = %q", link)
	}
}

func TestLoginInvalidEmail(t *testing.T) {
	f := setupAuthHandler(t)

	rec := httptest.NewRecorder()
	f.h.Login(rec, postForm("/login", url.Values{"email": {"nope"}}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	errs, _ := decodeBody(t, rec)["errors"].(map[string]any)
	if errs["email"] != "Please enter a valid email address" {
		t.Errorf("errors = %v", errs)
	}
	if len(f.links.links) != 0 {
		t.Error("no link should be delivered")
	}
}

func TestValidateMagicLinkKnownUser(t *testing.T) {
	f := setupAuthHandler(t)
	if _, err := f.users.Create("me@example.com", "me", "Example"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	cookie, link := f.login(t, "me@example.com")

	rec := f.visit(link, cookie)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusSeeOther, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != AppPath {
		t.Errorf("Location = %q, want %q", loc, AppPath)
	}

	sess, err := f.sessions.Lookup(func() *http.Request {
		r := httptest.NewRequest("GET", "/", nil)
		r.AddCookie(cookie)
		return r
	}())
	if err != nil || !sess.Authenticated() {
		t.Errorf("session not authenticated: %+v, %v", sess, err)
	}
}

func TestValidateMagicLinkSignupFlow(t *testing.T) {
	f := setupAuthHandler(t)
	cookie, link := f.login(t, "new@example.com")

	rec := f.visit(link, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["state"] != "signup_pending" || body["email"] != "new@example.com" {
		t.Errorf("body = %v", body)
	}

	rec = httptest.NewRecorder()
	f.h.Signup(rec, postForm("/signup", url.Values{"firstName": {"New"}, "lastName": {"Person"}}, cookie))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("signup status = %d, want %d (body %s)", rec.Code, http.StatusSeeOther, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != AppPath {
		t.Errorf("Location = %q, want %q", loc, AppPath)
	}

	u, err := f.users.GetByEmail("new@example.com")
	if err != nil || u == nil {
		t.Fatalf("user not created: %v", err)
	}
	if u.FirstName != "New" || u.LastName != "Person" {
		t.Errorf("user = %+v", u)
	}
}

func TestValidateMagicLinkRejections(t *testing.T) {
	tests := []struct {
		name    string
		request func(f *authFixture, t *testing.T) *httptest.ResponseRecorder
		message string
	}{
		{
			name: "missing parameter",
			request: func(f *authFixture, t *testing.T) *httptest.ResponseRecorder {
				return f.visit("/validate-magic-link")
			},
			message: "magic search parameter does not exist",
		},
		{
			name: "garbage token",
			request: func(f *authFixture, t *testing.T) *httptest.ResponseRecorder {
				return f.visit("/validate-magic-link?magic=AAAA")
			},
			message: "invalid magic link payload",
		},
		{
			name: "expired",
			request: func(f *authFixture, t *testing.T) *httptest.ResponseRecorder {
				cookie, link := f.login(t, "me@example.com")
				f.now = f.now.Add(auth.LinkMaxAge + time.Millisecond)
				return f.visit(link, cookie)
			},
			message: "the magic link has expired",
		},
		{
			name: "other browser",
			request: func(f *authFixture, t *testing.T) *httptest.ResponseRecorder {
				_, link := f.login(t, "me@example.com")
				return f.visit(link)
			},
			message: "invalid nonce",
		},
		{
			name: "reused link",
			request: func(f *authFixture, t *testing.T) *httptest.ResponseRecorder {
				cookie, link := f.login(t, "me@example.com")
				if rec := f.visit(link, cookie); rec.Code != http.StatusOK {
					t.Fatalf("first visit status = %d", rec.Code)
				}
				return f.visit(link, cookie)
			},
			message: "invalid nonce",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupAuthHandler(t)
			rec := tt.request(f, t)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if body := decodeBody(t, rec); body["message"] != tt.message {
				t.Errorf("message = %v, want %q", body["message"], tt.message)
			}
		})
	}
}

func TestRejectedRequestsCreateNoSessions(t *testing.T) {
	f := setupAuthHandler(t)
	_, link := f.login(t, "me@example.com")
	before := f.sessionRows(t)

	for i := 0; i < 10; i++ {
		for _, target := range []string{
			"/validate-magic-link",
			"/validate-magic-link?magic=AAAA",
			link,
		} {
			if rec := f.visit(target); rec.Code != http.StatusBadRequest {
				t.Fatalf("visit %s status = %d, want %d", target, rec.Code, http.StatusBadRequest)
			}
		}

		rec := httptest.NewRecorder()
		f.h.Login(rec, postForm("/login", url.Values{"email": {"nope"}}))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("login status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	}

	f.now = f.now.Add(auth.LinkMaxAge + time.Second)
	if rec := f.visit(link); rec.Code != http.StatusBadRequest {
		t.Fatalf("expired visit status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	if got := f.sessionRows(t); got != before {
		t.Errorf("session rows = %d, want %d", got, before)
	}
}

func TestLoginDeliveryFailureDiscardsSession(t *testing.T) {
	f := setupAuthHandler(t)
	f.links.err = errors.New("smtp down")

	rec := httptest.NewRecorder()
	f.h.Login(rec, postForm("/login", url.Values{"email": {"me@example.com"}}))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Error("no cookie should be set on failure")
	}
	if got := f.sessionRows(t); got != 0 {
		t.Errorf("session rows = %d, want 0", got)
	}
}

func TestLoginDeliveryFailureKeepsExistingSession(t *testing.T) {
	f := setupAuthHandler(t)
	if _, err := f.users.Create("me@example.com", "me", "Example"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	cookie, link := f.login(t, "me@example.com")

	f.links.err = errors.New("smtp down")
	rec := httptest.NewRecorder()
	f.h.Login(rec, postForm("/login", url.Values{"email": {"me@example.com"}}, cookie))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}

	if rec := f.visit(link, cookie); rec.Code != http.StatusSeeOther {
		t.Fatalf("earlier link status = %d, want %d", rec.Code, http.StatusSeeOther)
	}
}

func TestSignupWithoutPendingSession(t *testing.T) {
	f := setupAuthHandler(t)

	rec := httptest.NewRecorder()
	f.h.Signup(rec, postForm("/signup", url.Values{"firstName": {"New"}, "lastName": {"Person"}}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if body := decodeBody(t, rec); body["message"] != auth.ErrNoPendingSignup.Error() {
		t.Errorf("body = %v", body)
	}
}

func TestSignupValidation(t *testing.T) {
	f := setupAuthHandler(t)
	cookie, link := f.login(t, "new@example.com")
	f.visit(link, cookie)

	rec := httptest.NewRecorder()
	f.h.Signup(rec, postForm("/signup", url.Values{"firstName": {"New"}}, cookie))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	errs, _ := decodeBody(t, rec)["errors"].(map[string]any)
	if errs["lastName"] != "Last name is required" {
		t.Errorf("errors = %v", errs)
	}
}

func TestLogout(t *testing.T) {
	f := setupAuthHandler(t)
	if _, err := f.users.Create("me@example.com", "me", "Example"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	cookie, link := f.login(t, "me@example.com")
	f.visit(link, cookie)

	rec := httptest.NewRecorder()
	f.h.Logout(rec, postForm("/logout", nil, cookie))

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusSeeOther)
	}
	if loc := rec.Header().Get("Location"); loc != "/login" {
		t.Errorf("Location = %q, want /login", loc)
	}
	if c := sessionCookie(t, rec); c.MaxAge >= 0 {
		t.Errorf("cookie MaxAge = %d, want expired", c.MaxAge)
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(cookie)
	if sess, _ := f.sessions.Lookup(req); sess != nil {
		t.Error("session should be deleted")
	}
}

func TestLoginState(t *testing.T) {
	f := setupAuthHandler(t)

	state := func(cookies ...*http.Cookie) map[string]any {
		req := httptest.NewRequest("GET", "/login", nil)
		for _, c := range cookies {
			req.AddCookie(c)
		}
		rec := httptest.NewRecorder()
		f.h.LoginState(rec, req)
		return decodeBody(t, rec)
	}

	if got := state(); got["state"] != "anonymous" {
		t.Errorf("no cookie: %v", got)
	}

	cookie, link := f.login(t, "new@example.com")
	if got := state(cookie); got["state"] != "anonymous" {
		t.Errorf("link issued: %v", got)
	}

	f.visit(link, cookie)
	if got := state(cookie); got["state"] != "signup_pending" || got["email"] != "new@example.com" {
		t.Errorf("after validation: %v", got)
	}

	rec := httptest.NewRecorder()
	f.h.Signup(rec, postForm("/signup", url.Values{"firstName": {"New"}, "lastName": {"Person"}}, cookie))
	if got := state(cookie); got["state"] != "authenticated" {
		t.Errorf("after signup: %v", got)
	}
}
