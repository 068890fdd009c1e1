package authz

import (
	"strings"

	"github.com/albguard/albguard/internal/auth"
)

// Rule is a predicate over an authenticated identity. Implementations
// must be safe for concurrent use.
type Rule interface {
	// Name identifies the rule kind in logs and metrics.
	Name() string

	// Allows reports whether the identity satisfies the rule. The
	// identity is never nil; the authorizer rejects unauthenticated
	// identities before rules run.
	Allows(identity *auth.Identity) bool
}

// DomainRule admits identities whose email domain is in the allowed
// set. Matching is exact, identities without an email domain never
// match.
type DomainRule struct {
	domains map[string]struct{}
}

// NewDomainRule creates a rule allowing the given email domains.
// Empty entries are ignored.
func NewDomainRule(domains ...string) *DomainRule {
	return &DomainRule{domains: toSet(domains)}
}

// Name returns the rule kind.
func (r *DomainRule) Name() string { return "domain" }

// Allows reports whether the identity email domain is allowed.
func (r *DomainRule) Allows(identity *auth.Identity) bool {
	domain := identity.EmailDomain()
	if domain == "" {
		return false
	}
	_, ok := r.domains[domain]
	return ok
}

// GroupRule admits identities whose group memberships intersect the
// allowed set.
type GroupRule struct {
	groups map[string]struct{}
}

// NewGroupRule creates a rule allowing members of the given groups.
// Empty entries are ignored.
func NewGroupRule(groups ...string) *GroupRule {
	return &GroupRule{groups: toSet(groups)}
}

// Name returns the rule kind.
func (r *GroupRule) Name() string { return "group" }

// Allows reports whether the identity belongs to any allowed group.
func (r *GroupRule) Allows(identity *auth.Identity) bool {
	for _, g := range identity.Groups() {
		if _, ok := r.groups[g]; ok {
			return true
		}
	}
	return false
}

// EmailRule admits identities whose email address is in the allowed
// set. Matching is exact.
type EmailRule struct {
	emails map[string]struct{}
}

// NewEmailRule creates a rule allowing the given email addresses.
// Empty entries are ignored.
func NewEmailRule(emails ...string) *EmailRule {
	return &EmailRule{emails: toSet(emails)}
}

// Name returns the rule kind.
func (r *EmailRule) Name() string { return "email" }

// Allows reports whether the identity email is allowed.
func (r *EmailRule) Allows(identity *auth.Identity) bool {
	email := identity.Email()
	if email == "" {
		return false
	}
	_, ok := r.emails[email]
	return ok
}

// toSet builds a membership set from a value list, dropping empty and
// whitespace-only entries.
func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}

// Ensure rule implementations satisfy the interface.
var (
	_ Rule = (*DomainRule)(nil)
	_ Rule = (*GroupRule)(nil)
	_ Rule = (*EmailRule)(nil)
)
