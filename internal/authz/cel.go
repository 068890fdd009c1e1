package authz

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/albguard/albguard/internal/auth"
	"github.com/albguard/albguard/internal/observability"
)

// ExprRule admits identities for which a CEL expression evaluates to
// true. The expression is compiled once at construction; evaluation
// errors and non-boolean results count as a non-match.
//
// The expression sees these variables:
//
//	subject        string
//	username       string
//	email          string
//	email_domain   string
//	email_verified bool
//	issuer         string
//	groups         list(string)
//	claims         map(string, dyn)
//	now            timestamp
//
// claims merges access token claims with identity token claims, the
// identity token winning on overlap.
type ExprRule struct {
	name    string
	expr    string
	program cel.Program
	logger  observability.Logger
}

// ExprRuleOption is a functional option for an expression rule.
type ExprRuleOption func(*ExprRule)

// WithExprLogger sets the logger used to report evaluation errors.
func WithExprLogger(logger observability.Logger) ExprRuleOption {
	return func(r *ExprRule) {
		r.logger = logger
	}
}

// NewExprRule compiles a CEL expression into a rule. Compilation
// errors surface here, not at evaluation time.
func NewExprRule(name, expression string, opts ...ExprRuleOption) (*ExprRule, error) {
	if name == "" {
		return nil, ErrEmptyRuleName
	}
	if expression == "" {
		return nil, fmt.Errorf("rule %q: %w", name, ErrEmptyExpression)
	}

	env, err := newRuleEnvironment()
	if err != nil {
		return nil, fmt.Errorf("rule %q: creating CEL environment: %w", name, err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("rule %q: compiling expression: %w", name, issues.Err())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("rule %q: creating program: %w", name, err)
	}

	r := &ExprRule{
		name:    name,
		expr:    expression,
		program: program,
		logger:  observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Name returns the rule name given at construction.
func (r *ExprRule) Name() string { return r.name }

// Expression returns the CEL source the rule was compiled from.
func (r *ExprRule) Expression() string { return r.expr }

// Allows evaluates the expression against the identity attributes.
func (r *ExprRule) Allows(identity *auth.Identity) bool {
	result, _, err := r.program.Eval(identityActivation(identity))
	if err != nil {
		r.logger.Warn("expression rule evaluation failed",
			observability.String("rule", r.name),
			observability.Error(err),
		)
		return false
	}

	allowed, ok := result.Value().(bool)
	return ok && allowed
}

// newRuleEnvironment declares the identity attributes visible to rule
// expressions.
func newRuleEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("subject", cel.StringType),
		cel.Variable("username", cel.StringType),
		cel.Variable("email", cel.StringType),
		cel.Variable("email_domain", cel.StringType),
		cel.Variable("email_verified", cel.BoolType),
		cel.Variable("issuer", cel.StringType),
		cel.Variable("groups", cel.ListType(cel.StringType)),
		cel.Variable("claims", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now", cel.TimestampType),
	)
}

// identityActivation builds the evaluation input for one identity.
func identityActivation(identity *auth.Identity) map[string]any {
	claims := map[string]any{}
	for k, v := range identity.AccessClaims() {
		claims[k] = v
	}
	for k, v := range identity.IdentityClaims() {
		claims[k] = v
	}

	groups := identity.Groups()
	if groups == nil {
		groups = []string{}
	}

	return map[string]any{
		"subject":        identity.Subject(),
		"username":       identity.Username(),
		"email":          identity.Email(),
		"email_domain":   identity.EmailDomain(),
		"email_verified": identity.EmailVerified(),
		"issuer":         identity.Issuer(),
		"groups":         groups,
		"claims":         claims,
		"now":            time.Now(),
	}
}

// Ensure ExprRule satisfies the interface.
var _ Rule = (*ExprRule)(nil)
