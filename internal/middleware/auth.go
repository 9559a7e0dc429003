package middleware

import (
	"net/http"

	"github.com/dukerupert/pantry/internal/auth"
	"github.com/dukerupert/pantry/internal/model"
	"github.com/dukerupert/pantry/internal/session"
)

// UserGetter resolves the user bound to a session.
type UserGetter interface {
	GetByID(id int64) (*model.User, error)
}

// RequireAuth resolves the session cookie to a signed-in user and populates
// AuthContext. Anonymous and signup-pending sessions are sent to /login.
// HTMX-aware: returns HX-Redirect header instead of 303 redirect for HTMX requests.
func RequireAuth(sessions *session.Manager, users UserGetter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := sessions.Lookup(r)
			if err != nil || !sess.Authenticated() {
				redirectToLogin(w, r)
				return
			}

			user, err := users.GetByID(*sess.UserID)
			if err != nil || user == nil {
				redirectToLogin(w, r)
				return
			}

			ac := auth.AuthContext{
				UserID:    user.ID,
				Email:     user.Email,
				SessionID: sess.ID,
			}

			ctx := auth.WithAuth(r.Context(), ac)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func redirectToLogin(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", "/login")
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}
