package magiclink

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/dukerupert/pantry/internal/validate"
)

const keyInfo = "pantry magic link v1"

// tokenEncoding rejects non-zero padding bits so that every change to a
// token's text changes the sealed bytes.
var tokenEncoding = base64.RawURLEncoding.Strict()

// createdAtLayout is ISO-8601 UTC with millisecond precision.
const createdAtLayout = "2006-01-02T15:04:05.000Z07:00"

// Payload is the content of a magic link. It is never persisted.
type Payload struct {
	Email     string
	Nonce     string
	CreatedAt time.Time
}

// wirePayload is the JSON shape. Pointer fields let Decode tell a missing
// field from an empty one.
type wirePayload struct {
	Email     *string `json:"email"`
	Nonce     *string `json:"nonce"`
	CreatedAt *string `json:"createdAt"`
}

// Codec seals and opens payloads with a key derived from the server secret.
// It is safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec derives the payload key from secret. An empty secret is a
// configuration error.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: missing secret", ErrConfig)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create aead: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encode serializes p and returns a URL-safe token. CreatedAt is carried at
// millisecond precision in UTC.
func (c *Codec) Encode(p Payload) (string, error) {
	createdAt := p.CreatedAt.UTC().Format(createdAtLayout)
	plaintext, err := json.Marshal(wirePayload{
		Email:     &p.Email,
		Nonce:     &p.Nonce,
		CreatedAt: &createdAt,
	})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	// nonce || ciphertext+tag
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return tokenEncoding.EncodeToString(sealed), nil
}

// Decode opens a token produced by Encode. It returns either a complete
// Payload or an error wrapping ErrDecode, never a partial payload.
func (c *Codec) Decode(token string) (Payload, error) {
	raw, err := tokenEncoding.DecodeString(token)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: not base64url", ErrDecode)
	}
	if len(raw) < c.aead.NonceSize()+c.aead.Overhead() {
		return Payload{}, fmt.Errorf("%w: too short", ErrDecode)
	}

	nonce, ciphertext := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: authentication failed", ErrDecode)
	}

	return parsePayload(plaintext)
}

func parsePayload(data []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var w wirePayload
	if err := dec.Decode(&w); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Payload{}, fmt.Errorf("%w: trailing data", ErrDecode)
	}

	switch {
	case w.Email == nil:
		return Payload{}, fmt.Errorf("%w: missing email", ErrDecode)
	case w.Nonce == nil || *w.Nonce == "":
		return Payload{}, fmt.Errorf("%w: missing nonce", ErrDecode)
	case w.CreatedAt == nil:
		return Payload{}, fmt.Errorf("%w: missing createdAt", ErrDecode)
	}

	if !validate.IsEmail(*w.Email) {
		return Payload{}, fmt.Errorf("%w: malformed email", ErrDecode)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, *w.CreatedAt)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: malformed createdAt", ErrDecode)
	}

	return Payload{
		Email:     *w.Email,
		Nonce:     *w.Nonce,
		CreatedAt: createdAt.UTC(),
	}, nil
}
