package authz

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/albguard/albguard/internal/auth"
	"github.com/albguard/albguard/internal/observability"
)

// authzTracer is the OTEL tracer used for authorization operations.
var authzTracer = otel.Tracer("albguard/authz")

// Mode controls how rule results combine into a decision.
type Mode string

// Combination modes.
const (
	// ModeAny admits an identity when at least one rule matches.
	ModeAny Mode = "any"

	// ModeAll admits an identity only when every rule matches.
	ModeAll Mode = "all"
)

// ParseMode parses a mode string, case-insensitively. The empty
// string means ModeAny.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeAny:
		return ModeAny, nil
	case ModeAll:
		return ModeAll, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Decision is the outcome of one authorization evaluation.
type Decision struct {
	// Allowed indicates whether access is granted.
	Allowed bool

	// Reason explains the decision.
	Reason string

	// Rule names the rule that decided the outcome, when a single
	// rule did.
	Rule string
}

// Authorizer evaluates an identity against the active rule set.
// Implementations must be safe for concurrent use.
type Authorizer interface {
	// Evaluate decides whether the identity may access the
	// application.
	Evaluate(ctx context.Context, identity *auth.Identity) Decision

	// IsAuthorized is Evaluate reduced to its outcome.
	IsAuthorized(ctx context.Context, identity *auth.Identity) bool

	// ReplaceRules atomically swaps the active rule set. In-flight
	// evaluations finish against the set they started with.
	ReplaceRules(rules []Rule)

	// Rules returns a snapshot of the active rule set.
	Rules() []Rule

	// Mode returns the combination mode.
	Mode() Mode
}

// authorizer implements the Authorizer interface.
type authorizer struct {
	mode    Mode
	logger  observability.Logger
	metrics *Metrics

	mu    sync.RWMutex
	rules []Rule
}

// AuthorizerOption is a functional option for the authorizer.
type AuthorizerOption func(*authorizer)

// WithAuthorizerLogger sets the logger.
func WithAuthorizerLogger(logger observability.Logger) AuthorizerOption {
	return func(a *authorizer) {
		a.logger = logger
	}
}

// WithAuthorizerMetrics sets the metrics.
func WithAuthorizerMetrics(metrics *Metrics) AuthorizerOption {
	return func(a *authorizer) {
		a.metrics = metrics
	}
}

// New creates an authorizer over the given rules. A nil or empty rule
// set admits every authenticated identity. An empty mode means
// ModeAny.
func New(rules []Rule, mode Mode, opts ...AuthorizerOption) (Authorizer, error) {
	effective, err := ParseMode(string(mode))
	if err != nil {
		return nil, err
	}

	a := &authorizer{
		mode:   effective,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(a)
	}

	if a.metrics == nil {
		a.metrics = GetSharedMetrics()
	}

	a.ReplaceRules(rules)

	return a, nil
}

// Evaluate decides whether the identity may access the application.
func (a *authorizer) Evaluate(ctx context.Context, identity *auth.Identity) Decision {
	start := time.Now()

	ctx, span := authzTracer.Start(ctx, "authz.evaluate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("authz.mode", string(a.mode)),
		),
	)
	defer span.End()
	_ = ctx

	decision := a.decide(identity)

	span.SetAttributes(
		attribute.Bool("authz.allowed", decision.Allowed),
		attribute.String("authz.reason", decision.Reason),
	)
	if decision.Rule != "" {
		span.SetAttributes(attribute.String("authz.rule", decision.Rule))
	}
	if identity.IsAuthenticated() {
		span.SetAttributes(attribute.String("authz.subject", identity.Subject()))
	}

	a.metrics.RecordEvaluation(decision.Allowed, time.Since(start))
	a.logger.Debug("authorization decision",
		observability.String("identity", identity.String()),
		observability.Bool("allowed", decision.Allowed),
		observability.String("reason", decision.Reason),
	)

	return decision
}

// IsAuthorized is Evaluate reduced to its outcome.
func (a *authorizer) IsAuthorized(ctx context.Context, identity *auth.Identity) bool {
	return a.Evaluate(ctx, identity).Allowed
}

// ReplaceRules atomically swaps the active rule set.
func (a *authorizer) ReplaceRules(rules []Rule) {
	active := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r != nil {
			active = append(active, r)
		}
	}

	a.mu.Lock()
	a.rules = active
	a.mu.Unlock()

	a.metrics.SetRuleCount(len(active))
	a.logger.Info("authorization rules replaced",
		observability.Int("rules", len(active)),
		observability.String("mode", string(a.mode)),
	)
}

// Rules returns a snapshot of the active rule set.
func (a *authorizer) Rules() []Rule {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Rule, len(a.rules))
	copy(out, a.rules)
	return out
}

// Mode returns the combination mode.
func (a *authorizer) Mode() Mode {
	return a.mode
}

// decide runs the rule set against the identity. Every rule is
// evaluated so per-rule match metrics stay complete; the combination
// never short-circuits.
func (a *authorizer) decide(identity *auth.Identity) Decision {
	if !identity.IsAuthenticated() {
		return Decision{Allowed: false, Reason: "identity is not authenticated"}
	}

	a.mu.RLock()
	rules := a.rules
	a.mu.RUnlock()

	if len(rules) == 0 {
		return Decision{Allowed: true, Reason: "no rules configured"}
	}

	var firstMatch, firstMiss string
	matches := 0
	for _, rule := range rules {
		if rule.Allows(identity) {
			matches++
			a.metrics.RecordRuleMatch(rule.Name())
			if firstMatch == "" {
				firstMatch = rule.Name()
			}
		} else if firstMiss == "" {
			firstMiss = rule.Name()
		}
	}

	if a.mode == ModeAll {
		if matches == len(rules) {
			return Decision{Allowed: true, Reason: "all rules matched"}
		}
		return Decision{Allowed: false, Reason: "rule did not match", Rule: firstMiss}
	}

	if matches > 0 {
		return Decision{Allowed: true, Reason: "rule matched", Rule: firstMatch}
	}
	return Decision{Allowed: false, Reason: "no rule matched"}
}

// Ensure authorizer implements the interface.
var _ Authorizer = (*authorizer)(nil)
