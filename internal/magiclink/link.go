package magiclink

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	// ValidatePath is the route that receives magic links.
	ValidatePath = "/validate-magic-link"

	// QueryParam carries the encoded token.
	QueryParam = "magic"
)

// Builder turns an email and nonce into an absolute login URL.
type Builder struct {
	codec  *Codec
	origin *url.URL
	now    func() time.Time
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithClock overrides the time source used to stamp CreatedAt.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		b.now = now
	}
}

// NewBuilder parses origin once. origin must be an absolute http(s) URL.
func NewBuilder(codec *Codec, origin string, opts ...BuilderOption) (*Builder, error) {
	if codec == nil {
		return nil, fmt.Errorf("%w: missing codec", ErrConfig)
	}
	if origin == "" {
		return nil, fmt.Errorf("%w: missing origin", ErrConfig)
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: origin %q is not an absolute http(s) URL", ErrConfig, origin)
	}

	b := &Builder{
		codec:  codec,
		origin: &url.URL{Scheme: u.Scheme, Host: u.Host},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Build stamps the payload with the current UTC time and returns the link.
func (b *Builder) Build(email, nonce string) (string, error) {
	if b == nil || b.origin == nil || b.codec == nil {
		return "", fmt.Errorf("%w: builder has no origin", ErrConfig)
	}

	token, err := b.codec.Encode(Payload{
		Email:     email,
		Nonce:     nonce,
		CreatedAt: b.now().UTC().Truncate(time.Millisecond),
	})
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	u := *b.origin
	u.Path = ValidatePath
	u.RawQuery = url.Values{QueryParam: {token}}.Encode()
	return u.String(), nil
}

// Extract reads and decodes the token from r. It checks structure and
// integrity only; expiry and nonce checks are left to the caller.
func Extract(codec *Codec, r *http.Request) (Payload, error) {
	token := r.URL.Query().Get(QueryParam)
	if token == "" {
		return Payload{}, ErrBadRequest
	}
	return codec.Decode(token)
}
