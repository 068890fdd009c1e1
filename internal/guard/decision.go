package guard

import (
	"net/http"

	"github.com/albguard/albguard/internal/auth"
)

// Reason classifies why a request was denied. Allowed decisions carry
// no reason.
type Reason string

const (
	// ReasonMissingToken means one of the load balancer headers was
	// absent from the request.
	ReasonMissingToken Reason = "missing_token"

	// ReasonInvalidToken means a token failed structural or signature
	// validation.
	ReasonInvalidToken Reason = "invalid_token"

	// ReasonExpiredToken means a token was verified but is past its
	// expiry.
	ReasonExpiredToken Reason = "expired_token"

	// ReasonKeyFetch means a verification key could not be retrieved,
	// so token validity is unknown.
	ReasonKeyFetch Reason = "key_fetch_error"

	// ReasonUnauthorized means the tokens verified but the identity did
	// not satisfy the authorization rules.
	ReasonUnauthorized Reason = "unauthorized"
)

// Decision is the outcome of authenticating one request.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Identity is the verified caller. Set on every allowed decision
	// and on authorization denials, where the caller proved who they
	// are but failed the rules. Nil otherwise.
	Identity *auth.Identity

	// Reason classifies a denial. Empty when Allowed.
	Reason Reason

	// Err is the underlying verification error, for logs. Nil on
	// allowed and authorization-only denials.
	Err error
}

// allow builds an allowed decision for identity.
func allow(identity *auth.Identity) Decision {
	return Decision{Allowed: true, Identity: identity}
}

// deny builds a denied decision.
func deny(reason Reason, err error) Decision {
	return Decision{Reason: reason, Err: err}
}

// HTTPStatus returns the response status an HTTP adapter should send
// for this decision.
func (d Decision) HTTPStatus() int {
	if d.Allowed {
		return http.StatusOK
	}
	if d.Reason == ReasonUnauthorized {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// Message returns a short client-safe description of the decision.
// Verification internals stay out of responses.
func (d Decision) Message() string {
	switch d.Reason {
	case ReasonMissingToken:
		return "authentication required"
	case ReasonExpiredToken:
		return "token expired"
	case ReasonKeyFetch:
		return "token verification unavailable"
	case ReasonUnauthorized:
		return "access denied"
	case ReasonInvalidToken:
		return "invalid token"
	default:
		return "ok"
	}
}
