package magiclink

import "errors"

var (
	// ErrConfig means the secret or origin is missing or unusable.
	// It is a startup error; the process should not serve traffic.
	ErrConfig = errors.New("magic link not configured")

	// ErrDecode means the token was not produced by this server's codec or
	// does not contain a well-formed payload. The reason is never shown to
	// clients.
	ErrDecode = errors.New("invalid magic link payload")

	// ErrBadRequest means the request carried no token at all.
	ErrBadRequest = errors.New("magic search parameter does not exist")
)
