// Package authz decides whether an authenticated identity may access
// the application.
//
// Authorization is expressed as a list of rules combined under a mode:
//   - DomainRule: email domain membership
//   - GroupRule: group membership intersection
//   - EmailRule: exact email membership
//   - ExprRule: a CEL expression over identity attributes
//
// ModeAll requires every rule to pass, ModeAny requires at least one.
// An authorizer with no rules admits every authenticated identity. An
// unauthenticated identity is always denied, before any rule runs.
//
// # Usage
//
// Build rules directly or from a RulesConfig document:
//
//	rules := []authz.Rule{
//	    authz.NewDomainRule("example.com"),
//	    authz.NewGroupRule("admins"),
//	}
//	az, err := authz.New(rules, authz.ModeAny)
//	if err != nil {
//	    return err
//	}
//
//	decision := az.Evaluate(ctx, identity)
//	if !decision.Allowed {
//	    // deny, decision.Reason says why
//	}
//
// The rule set can be replaced at runtime with ReplaceRules, which is
// what FileSource uses to apply rule file changes without a restart.
// VaultSource loads the same document shape from a Vault KV v2 mount.
package authz
