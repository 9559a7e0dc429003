/*
Package magiclink produces and reads the encrypted credential carried by a
passwordless login link.

A link looks like

	https://pantry.example/validate-magic-link?magic=<token>

where token is the base64url encoding of an XChaCha20-Poly1305 sealed JSON
Payload {email, nonce, createdAt}. The token is opaque to anyone without the
server secret, and any modification is detected on Decode.

This package only deals with the structure and integrity of the token.
Expiry and nonce policy belong to the caller (see package auth).
*/
package magiclink
