package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/pantry/internal/magiclink"
	"github.com/dukerupert/pantry/internal/metrics"
	"github.com/dukerupert/pantry/internal/model"
	"github.com/dukerupert/pantry/internal/validate"
)

const (
	// LinkMaxAge is how long an issued link stays valid.
	LinkMaxAge = 10 * time.Minute

	nonceKey = "nonce"
)

var (
	ErrExpiredLink     = errors.New("the magic link has expired")
	ErrInvalidNonce    = errors.New("invalid nonce")
	ErrNoPendingSignup = errors.New("no pending signup for this session")
)

// State is where a session ends up after a successful validation.
type State string

const (
	Authenticated State = "authenticated"
	SignupPending State = "signup_pending"
)

// Result describes the session after a link validates.
type Result struct {
	State State
	User  *model.User
	Email string
}

var LoginSchema = validate.Schema{
	"email": {
		validate.Required("Email is required"),
		validate.Email("Please enter a valid email address"),
	},
}

var SignupSchema = validate.Schema{
	"firstName": {
		validate.Required("First name is required"),
		validate.MaxLength(100, "First name is too long"),
	},
	"lastName": {
		validate.Required("Last name is required"),
		validate.MaxLength(100, "Last name is too long"),
	},
}

// Users is the account lookup and creation the flow needs.
type Users interface {
	GetByEmail(email string) (*model.User, error)
	Create(email, firstName, lastName string) (*model.User, error)
}

// Sessions is the subset of *session.Manager the flow mutates.
type Sessions interface {
	Flash(sess *model.Session, key, value string) error
	Take(sess *model.Session, key string) (string, bool, error)
	SetUserID(sess *model.Session, userID int64) error
	SetSignupEmail(sess *model.Session, email string) error
}

// Deliverer hands an issued link to the user.
type Deliverer interface {
	Deliver(ctx context.Context, email, link string) error
}

// LogDeliverer writes the link to the log instead of sending it. The link is
// a live credential until it expires, so the log sink must be treated as secret.
type LogDeliverer struct {
	Logger *slog.Logger
}

func (d LogDeliverer) Deliver(ctx context.Context, email, link string) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "magic link issued", "email", email, "link", link)
	return nil
}

// Flow runs the magic link login: issuing a link bound to the session,
// validating it on return, and completing signup for unknown emails.
type Flow struct {
	codec     *magiclink.Codec
	builder   *magiclink.Builder
	users     Users
	sessions  Sessions
	deliverer Deliverer
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

func WithDeliverer(d Deliverer) FlowOption {
	return func(f *Flow) {
		f.deliverer = d
	}
}

func WithMetrics(m *metrics.Metrics) FlowOption {
	return func(f *Flow) {
		f.metrics = m
	}
}

func WithLogger(l *slog.Logger) FlowOption {
	return func(f *Flow) {
		f.logger = l
	}
}

// WithClock overrides the time source used for the expiry check.
func WithClock(now func() time.Time) FlowOption {
	return func(f *Flow) {
		f.now = now
	}
}

func NewFlow(codec *magiclink.Codec, builder *magiclink.Builder, users Users, sessions Sessions, opts ...FlowOption) *Flow {
	f := &Flow{
		codec:    codec,
		builder:  builder,
		users:    users,
		sessions: sessions,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.deliverer == nil {
		f.deliverer = LogDeliverer{Logger: f.logger}
	}
	f.logger = f.logger.With("component", "auth")
	return f
}

// ParseLogin returns the normalized email from a login form. Form errors are
// returned as validate.Errors.
func ParseLogin(form url.Values) (string, error) {
	values, err := validate.Form(form, LoginSchema)
	if err != nil {
		return "", err
	}
	return values["email"], nil
}

// Issue validates the login form, delivers a link carrying a fresh nonce and
// then binds that nonce to sess. The session is untouched unless delivery
// succeeds. The caller commits the session cookie.
func (f *Flow) Issue(ctx context.Context, sess *model.Session, form url.Values) (string, error) {
	email, err := ParseLogin(form)
	if err != nil {
		return "", err
	}

	nonce := uuid.NewString()
	link, err := f.builder.Build(email, nonce)
	if err != nil {
		return "", fmt.Errorf("build link: %w", err)
	}

	if err := f.deliverer.Deliver(ctx, email, link); err != nil {
		return "", fmt.Errorf("deliver link: %w", err)
	}

	if err := f.sessions.Flash(sess, nonceKey, nonce); err != nil {
		return "", fmt.Errorf("flash nonce: %w", err)
	}
	f.metrics.LinkIssued()
	return link, nil
}

// Validate checks the link in r against its expiry and the nonce flashed on
// sess. A nil sess has no nonce and fails with ErrInvalidNonce once the link
// itself checks out. The nonce is consumed whether or not it matches; no
// other session state changes on failure.
func (f *Flow) Validate(ctx context.Context, sess *model.Session, r *http.Request) (Result, error) {
	res, err := f.validate(sess, r)
	f.metrics.LinkValidated(outcome(res, err))
	if err != nil {
		f.logger.DebugContext(ctx, "magic link rejected", "has_session", sess != nil, "error", err)
		return Result{}, err
	}
	return res, nil
}

func (f *Flow) validate(sess *model.Session, r *http.Request) (Result, error) {
	payload, err := magiclink.Extract(f.codec, r)
	if err != nil {
		return Result{}, err
	}

	expiresAt := payload.CreatedAt.Add(LinkMaxAge)
	if f.now().After(expiresAt) {
		return Result{}, ErrExpiredLink
	}
	if sess == nil {
		return Result{}, ErrInvalidNonce
	}

	nonce, ok, err := f.sessions.Take(sess, nonceKey)
	if err != nil {
		return Result{}, fmt.Errorf("take nonce: %w", err)
	}
	if !ok || subtle.ConstantTimeCompare([]byte(nonce), []byte(payload.Nonce)) != 1 {
		return Result{}, ErrInvalidNonce
	}

	user, err := f.users.GetByEmail(payload.Email)
	if err != nil {
		return Result{}, fmt.Errorf("get user by email: %w", err)
	}
	if user == nil {
		if err := f.sessions.SetSignupEmail(sess, payload.Email); err != nil {
			return Result{}, fmt.Errorf("set signup email: %w", err)
		}
		return Result{State: SignupPending, Email: payload.Email}, nil
	}

	if err := f.sessions.SetUserID(sess, user.ID); err != nil {
		return Result{}, fmt.Errorf("set user id: %w", err)
	}
	return Result{State: Authenticated, User: user, Email: user.Email}, nil
}

// CompleteSignup creates the user for the email a validated link left pending
// on sess and signs the session in.
func (f *Flow) CompleteSignup(ctx context.Context, sess *model.Session, form url.Values) (*model.User, error) {
	if sess == nil || sess.SignupEmail == nil {
		return nil, ErrNoPendingSignup
	}
	values, err := validate.Form(form, SignupSchema)
	if err != nil {
		return nil, err
	}
	email := *sess.SignupEmail

	// Another session may have finished signup for the same email first.
	user, err := f.users.GetByEmail(email)
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	if user == nil {
		user, err = f.users.Create(email, values["firstName"], values["lastName"])
		if err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
		f.metrics.SignupCompleted()
		f.logger.InfoContext(ctx, "user signed up", "user_id", user.ID)
	}

	if err := f.sessions.SetUserID(sess, user.ID); err != nil {
		return nil, fmt.Errorf("set user id: %w", err)
	}
	return user, nil
}

func outcome(res Result, err error) string {
	switch {
	case err == nil && res.State == SignupPending:
		return metrics.OutcomeSignupPending
	case err == nil:
		return metrics.OutcomeAuthenticated
	case errors.Is(err, magiclink.ErrBadRequest):
		return metrics.OutcomeBadRequest
	case errors.Is(err, magiclink.ErrDecode):
		return metrics.OutcomeInvalid
	case errors.Is(err, ErrExpiredLink):
		return metrics.OutcomeExpired
	case errors.Is(err, ErrInvalidNonce):
		return metrics.OutcomeInvalidNonce
	default:
		return metrics.OutcomeError
	}
}
