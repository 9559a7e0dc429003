package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/dukerupert/pantry/internal/config"
	"github.com/dukerupert/pantry/internal/database"
	"github.com/dukerupert/pantry/internal/model"
	"github.com/dukerupert/pantry/internal/store"
)

type linkRecorder struct {
	mu    sync.Mutex
	links []string
}

func (d *linkRecorder) Deliver(_ context.Context, _, link string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.links = append(d.links, link)
	return nil
}

func (d *linkRecorder) last() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.links) == 0 {
		return ""
	}
	return d.links[len(d.links)-1]
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Origin = "http://pantry.test"
	cfg.MagicLinkSecret = "link-secret"
	cfg.SessionSecret = "session-secret"
	cfg.LoginRateLimit = 3
	return cfg
}

func setupServer(t *testing.T) (http.Handler, *store.UserStore, *linkRecorder) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	links := &linkRecorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(db, testConfig(), logger, WithDeliverer(links))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv.Router(), store.NewUserStore(db), links
}

func do(h http.Handler, req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func form(target string, v url.Values) *http.Request {
	req := httptest.NewRequest("POST", target, strings.NewReader(v.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestNewRejectsBadConfig(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	defer db.Close()

	for name, mutate := range map[string]func(*config.Config){
		"no session secret": func(c *config.Config) { c.SessionSecret = "" },
		"no link secret":    func(c *config.Config) { c.MagicLinkSecret = "" },
		"bad origin":        func(c *config.Config) { c.Origin = "not a url" },
	} {
		cfg := testConfig()
		mutate(cfg)
		if _, err := New(db, cfg, slog.Default()); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestHealth(t *testing.T) {
	h, _, _ := setupServer(t)

	rec := do(h, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestProtectedRoutesRedirect(t *testing.T) {
	h, _, _ := setupServer(t)

	for _, path := range []string{"/app", "/app/pantry", "/ws"} {
		rec := do(h, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/login" {
			t.Errorf("%s: status = %d, Location = %q", path, rec.Code, rec.Header().Get("Location"))
		}
	}
}

func TestLoginToPantry(t *testing.T) {
	h, users, links := setupServer(t)
	if _, err := users.Create("me@example.com", "me", "Example"); err != nil {
		t.Fatalf("create user: %v", err)
	}

	rec := do(h, form("/login", url.Values{"email": {"me@example.com"}}))
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}
	cookies := rec.Result().Cookies()

	link := links.last()
	if !strings.HasPrefix(link, "http://pantry.test/validate-magic-link?magic=") {
		t.Fatalf("link = %q", link)
	}

	rec = do(h, httptest.NewRequest("GET", link, nil), cookies...)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/app" {
		t.Fatalf("validate: status = %d, Location = %q, body %s", rec.Code, rec.Header().Get("Location"), rec.Body.String())
	}

	rec = do(h, form("/app/pantry", url.Values{"_action": {"createShelf"}}), cookies...)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create shelf status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = do(h, httptest.NewRequest("GET", "/app/pantry", nil), cookies...)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var shelves []model.Shelf
	if err := json.Unmarshal(rec.Body.Bytes(), &shelves); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(shelves) != 1 || shelves[0].Name != store.DefaultShelfName {
		t.Errorf("shelves = %+v", shelves)
	}

	rec = do(h, form("/logout", nil), cookies...)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("logout status = %d", rec.Code)
	}
	rec = do(h, httptest.NewRequest("GET", "/app/pantry", nil), cookies...)
	if rec.Code != http.StatusSeeOther {
		t.Errorf("after logout status = %d, want redirect", rec.Code)
	}
}

func TestLoginRateLimited(t *testing.T) {
	h, _, _ := setupServer(t)

	for i := 0; i < 3; i++ {
		if rec := do(h, form("/login", url.Values{"email": {"me@example.com"}})); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}
	if rec := do(h, form("/login", url.Values{"email": {"me@example.com"}})); rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _, _ := setupServer(t)

	do(h, form("/login", url.Values{"email": {"me@example.com"}}))
	do(h, httptest.NewRequest("GET", "/validate-magic-link", nil))

	rec := do(h, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"pantry_auth_magic_links_issued_total 1",
		`pantry_auth_magic_link_validations_total{outcome="bad_request"} 1`,
		"pantry_http_request_duration_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
