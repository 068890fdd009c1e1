package token

import (
	"errors"
	"fmt"
)

// Sentinel errors for token verification failures.
var (
	// ErrTokenEmpty is returned when an empty token string is presented.
	ErrTokenEmpty = errors.New("token is empty")

	// ErrTokenMalformed is returned when a token cannot be parsed as a
	// three-segment JWT.
	ErrTokenMalformed = errors.New("token is malformed")

	// ErrTokenExpired is returned when the token exp claim is at or
	// before the current time.
	ErrTokenExpired = errors.New("token has expired")

	// ErrInvalidSignature is returned when signature verification fails.
	ErrInvalidSignature = errors.New("token signature is invalid")

	// ErrUnexpectedAlgorithm is returned when the token header declares
	// an algorithm other than the one required for its kind.
	ErrUnexpectedAlgorithm = errors.New("unexpected signing algorithm")

	// ErrMissingKeyID is returned when the token header carries no kid.
	ErrMissingKeyID = errors.New("token header has no key id")

	// ErrMissingIssuer is returned when an access token carries no iss
	// claim to locate its JWKS.
	ErrMissingIssuer = errors.New("token has no issuer claim")

	// ErrKeyNotFound is returned when a fetched key set does not contain
	// the requested key id.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyFetch is returned when key material cannot be retrieved.
	ErrKeyFetch = errors.New("key fetch failed")

	// ErrInvalidKey is returned when retrieved key material cannot be
	// used for verification.
	ErrInvalidKey = errors.New("invalid key material")
)

// ValidationError describes a token that failed verification. Cause
// carries the sentinel classifying the failure and Message the detail.
type ValidationError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("token validation failed: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("token validation failed: %s", e.Message)
}

// Unwrap returns the underlying cause.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// KeyError describes a failure to obtain usable key material. Source
// identifies the key origin ("elb" or "jwks") and Ref the key id or
// issuer involved.
type KeyError struct {
	Source  string
	Ref     string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *KeyError) Error() string {
	msg := fmt.Sprintf("key error (%s): %s", e.Source, e.Message)
	if e.Ref != "" {
		msg = fmt.Sprintf("key error (%s, ref=%s): %s", e.Source, e.Ref, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *KeyError) Unwrap() error {
	return e.Cause
}

// IsExpired reports whether err indicates an expired token.
func IsExpired(err error) bool {
	return errors.Is(err, ErrTokenExpired)
}

// IsKeyFetch reports whether err indicates a key retrieval failure.
func IsKeyFetch(err error) bool {
	return errors.Is(err, ErrKeyFetch)
}
