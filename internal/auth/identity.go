package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/albguard/albguard/internal/auth/token"
)

// DefaultGroupsClaim is the access token claim group membership is read
// from. Cognito publishes groups under this key.
const DefaultGroupsClaim = "cognito:groups"

// Identity is the authenticated user behind a request. It is built
// once from verified token claims and never changes; accessors hand out
// copies of anything mutable.
type Identity struct {
	subject       string
	username      string
	email         string
	emailVerified bool
	issuer        string
	expiresAt     time.Time
	groups        []string

	identityClaims token.Claims
	accessClaims   token.Claims
}

// NewIdentity builds an Identity from the verified identity token
// claims and access token claims. Group membership is read from the
// access token under groupsClaim, or DefaultGroupsClaim when empty.
func NewIdentity(identityClaims, accessClaims token.Claims, groupsClaim string) *Identity {
	if groupsClaim == "" {
		groupsClaim = DefaultGroupsClaim
	}

	id := &Identity{
		subject:        identityClaims.String("sub"),
		username:       identityClaims.String("username"),
		email:          identityClaims.String("email"),
		emailVerified:  identityClaims.Bool("email_verified"),
		issuer:         identityClaims.String("iss"),
		groups:         accessClaims.StringSlice(groupsClaim),
		identityClaims: identityClaims.Copy(),
		accessClaims:   accessClaims.Copy(),
	}

	if exp, ok := identityClaims.Time("exp"); ok {
		id.expiresAt = exp
	}

	return id
}

// Subject returns the unique identifier of the user.
func (i *Identity) Subject() string {
	return i.subject
}

// Username returns the provider username.
func (i *Identity) Username() string {
	return i.username
}

// Email returns the user email address.
func (i *Identity) Email() string {
	return i.email
}

// EmailVerified reports whether the provider marked the email address
// as verified.
func (i *Identity) EmailVerified() bool {
	return i.emailVerified
}

// EmailDomain returns the part of the email address after the last "@",
// or "" when the address contains none.
func (i *Identity) EmailDomain() string {
	idx := strings.LastIndexByte(i.email, '@')
	if idx < 0 {
		return ""
	}
	return i.email[idx+1:]
}

// Issuer returns the identity provider that issued the tokens.
func (i *Identity) Issuer() string {
	return i.issuer
}

// ExpiresAt returns when the identity token expires. The zero time
// means the token carried no expiry.
func (i *Identity) ExpiresAt() time.Time {
	return i.expiresAt
}

// Groups returns the group memberships read from the access token.
func (i *Identity) Groups() []string {
	if i.groups == nil {
		return nil
	}
	out := make([]string, len(i.groups))
	copy(out, i.groups)
	return out
}

// HasGroup reports whether the identity belongs to the given group.
func (i *Identity) HasGroup(group string) bool {
	for _, g := range i.groups {
		if g == group {
			return true
		}
	}
	return false
}

// IdentityClaims returns a copy of the verified identity token claims.
func (i *Identity) IdentityClaims() token.Claims {
	return i.identityClaims.Copy()
}

// AccessClaims returns a copy of the verified access token claims.
func (i *Identity) AccessClaims() token.Claims {
	return i.accessClaims.Copy()
}

// Claim returns the named identity token claim. Mutable claim values
// are copied.
func (i *Identity) Claim(name string) (any, bool) {
	if !i.identityClaims.Has(name) {
		return nil, false
	}
	return i.identityClaims.Copy()[name], true
}

// IsAuthenticated reports whether the identity belongs to a real
// subject.
func (i *Identity) IsAuthenticated() bool {
	return i != nil && i.subject != ""
}

// String returns a log-friendly summary. Raw tokens never appear in it.
func (i *Identity) String() string {
	if i == nil {
		return "Identity(anonymous)"
	}
	return fmt.Sprintf("Identity(subject=%s, username=%s, email=%s, groups=%d)",
		i.subject, i.username, i.email, len(i.groups))
}

// Context key type for identity.
type identityContextKey struct{}

// ContextWithIdentity adds an identity to the context.
func ContextWithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext extracts the identity from the context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*Identity)
	return identity, ok
}

// ErrIdentityNotFound is returned when no identity is in the context.
var ErrIdentityNotFound = errors.New("identity not found in context")

// ErrIdentityNil is returned when the identity in the context is nil.
var ErrIdentityNil = errors.New("identity in context is nil")

// IdentityFromContextOrError extracts the identity from the context or
// returns an error describing what is missing.
func IdentityFromContextOrError(ctx context.Context) (*Identity, error) {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		return nil, ErrIdentityNotFound
	}
	if identity == nil {
		return nil, ErrIdentityNil
	}
	return identity, nil
}
