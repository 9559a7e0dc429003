package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/pantry/internal/auth"
	"github.com/dukerupert/pantry/internal/magiclink"
	"github.com/dukerupert/pantry/internal/session"
	"github.com/dukerupert/pantry/internal/validate"
)

// AppPath is where a signed-in browser lands.
const AppPath = "/app"

type AuthHandler struct {
	flow     *auth.Flow
	sessions *session.Manager
	logger   *slog.Logger
}

func NewAuthHandler(flow *auth.Flow, sessions *session.Manager, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{flow: flow, sessions: sessions, logger: logger}
}

// LoginState reports where the caller's session is in the login flow.
func (h *AuthHandler) LoginState(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Lookup(r)
	if err != nil {
		h.internalError(w, "lookup session", err)
		return
	}
	switch {
	case sess.Authenticated():
		writeJSON(w, http.StatusOK, map[string]string{"state": string(auth.Authenticated)})
	case sess != nil && sess.SignupEmail != nil:
		writeJSON(w, http.StatusOK, map[string]string{
			"state": string(auth.SignupPending),
			"email": *sess.SignupEmail,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"state": "anonymous"})
	}
}

// Login issues a magic link for the submitted email and binds its nonce to
// the caller's session.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid form")
		return
	}

	if _, err := auth.ParseLogin(r.PostForm); err != nil {
		var verrs validate.Errors
		if errors.As(err, &verrs) {
			writeFieldErrors(w, verrs)
			return
		}
		h.internalError(w, "parse login form", err)
		return
	}

	sess, err := h.sessions.Lookup(r)
	if err != nil {
		h.internalError(w, "lookup session", err)
		return
	}
	created := sess == nil
	if created {
		if sess, err = h.sessions.New(); err != nil {
			h.internalError(w, "create session", err)
			return
		}
	}

	if _, err := h.flow.Issue(r.Context(), sess, r.PostForm); err != nil {
		if created {
			if derr := h.sessions.Discard(sess); derr != nil {
				h.logger.Error("discard session", "error", derr)
			}
		}
		h.internalError(w, "issue magic link", err)
		return
	}

	h.sessions.Commit(w, sess)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ValidateMagicLink signs the session in, or marks it as waiting for signup
// when the email has no account. A browser without a session cannot hold the
// link's nonce, so no session is created here.
func (h *AuthHandler) ValidateMagicLink(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Lookup(r)
	if err != nil {
		h.internalError(w, "lookup session", err)
		return
	}

	res, err := h.flow.Validate(r.Context(), sess, r)
	if err != nil {
		if msg, ok := linkErrorMessage(err); ok {
			writeMessage(w, http.StatusBadRequest, msg)
			return
		}
		h.internalError(w, "validate magic link", err)
		return
	}

	h.sessions.Commit(w, sess)
	switch res.State {
	case auth.SignupPending:
		writeJSON(w, http.StatusOK, map[string]string{
			"state": string(auth.SignupPending),
			"email": res.Email,
		})
	default:
		http.Redirect(w, r, AppPath, http.StatusSeeOther)
	}
}

// Signup creates the account for a session left pending by ValidateMagicLink.
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid form")
		return
	}

	sess, err := h.sessions.Lookup(r)
	if err != nil {
		h.internalError(w, "lookup session", err)
		return
	}

	if _, err := h.flow.CompleteSignup(r.Context(), sess, r.PostForm); err != nil {
		var verrs validate.Errors
		switch {
		case errors.As(err, &verrs):
			writeFieldErrors(w, verrs)
		case errors.Is(err, auth.ErrNoPendingSignup):
			writeMessage(w, http.StatusBadRequest, auth.ErrNoPendingSignup.Error())
		default:
			h.internalError(w, "complete signup", err)
		}
		return
	}

	h.sessions.Commit(w, sess)
	http.Redirect(w, r, AppPath, http.StatusSeeOther)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Lookup(r)
	if err != nil {
		h.logger.Error("logout lookup", "error", err)
	}
	if err := h.sessions.Destroy(w, sess); err != nil {
		h.logger.Error("delete session", "error", err)
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// linkErrorMessage maps link rejections to the message shown to the client.
// Decode details stay in the logs.
func linkErrorMessage(err error) (string, bool) {
	for _, target := range []error{
		magiclink.ErrBadRequest,
		magiclink.ErrDecode,
		auth.ErrExpiredLink,
		auth.ErrInvalidNonce,
	} {
		if errors.Is(err, target) {
			return target.Error(), true
		}
	}
	return "", false
}

func (h *AuthHandler) internalError(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op, "error", err)
	writeMessage(w, http.StatusInternalServerError, "internal error")
}
