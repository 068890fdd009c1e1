package guard

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/albguard/albguard/internal/auth"
	"github.com/albguard/albguard/internal/auth/token"
	"github.com/albguard/albguard/internal/authz"
	"github.com/albguard/albguard/internal/observability"
)

var guardTracer = otel.Tracer("albguard/guard")

// Guard authenticates and authorizes requests forwarded by the load
// balancer.
type Guard interface {
	// Authenticate evaluates the load balancer headers of one request
	// and returns the decision. It never panics.
	Authenticate(ctx context.Context, hdr http.Header) Decision

	// AuthenticateRequest is shorthand for Authenticate with the
	// request's headers and context.
	AuthenticateRequest(r *http.Request) Decision

	// AuthenticateGRPC evaluates the same headers carried as incoming
	// gRPC metadata.
	AuthenticateGRPC(ctx context.Context) Decision

	// Middleware wraps next with the decision flow for net/http
	// servers.
	Middleware(next http.Handler) http.Handler

	// GinMiddleware returns the equivalent middleware for gin routers.
	GinMiddleware() gin.HandlerFunc

	// UnaryInterceptor returns a server interceptor enforcing the
	// decision flow on unary calls.
	UnaryInterceptor() grpc.UnaryServerInterceptor

	// StreamInterceptor returns a server interceptor enforcing the
	// decision flow on streaming calls.
	StreamInterceptor() grpc.StreamServerInterceptor

	// Authorizer returns the rule evaluator, so callers can swap rule
	// sets at runtime.
	Authorizer() authz.Authorizer
}

// guard implements Guard.
type guard struct {
	config     *Config
	verifier   token.Verifier
	authorizer authz.Authorizer
	logger     observability.Logger
	metrics    *Metrics
	now        func() time.Time
}

var _ Guard = (*guard)(nil)

// Option configures a Guard.
type Option func(*guard)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(g *guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics *Metrics) Option {
	return func(g *guard) {
		if metrics != nil {
			g.metrics = metrics
		}
	}
}

// WithVerifier sets the token verifier, replacing the one built from
// the configuration.
func WithVerifier(verifier token.Verifier) Option {
	return func(g *guard) {
		if verifier != nil {
			g.verifier = verifier
		}
	}
}

// WithAuthorizer sets the rule evaluator, replacing the one built from
// the configured rules.
func WithAuthorizer(authorizer authz.Authorizer) Option {
	return func(g *guard) {
		if authorizer != nil {
			g.authorizer = authorizer
		}
	}
}

// WithClock sets the time source for token expiry checks. It applies
// to the internally built verifier and is ignored when WithVerifier is
// also given.
func WithClock(now func() time.Time) Option {
	return func(g *guard) {
		if now != nil {
			g.now = now
		}
	}
}

// New creates a Guard. The verifier and authorizer are built from cfg
// unless supplied through options. Rule expressions that do not
// compile fail construction.
func New(cfg *Config, opts ...Option) (Guard, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid guard config: %w", err)
	}

	g := &guard{
		config: cfg,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.metrics == nil {
		g.metrics = GetSharedMetrics()
	}

	if g.verifier == nil {
		vopts := []token.VerifierOption{token.WithLogger(g.logger)}
		if g.now != nil {
			vopts = append(vopts, token.WithClock(g.now))
		}
		verifier, err := token.NewVerifier(cfg.tokenConfig(), vopts...)
		if err != nil {
			return nil, err
		}
		g.verifier = verifier
	}

	if g.authorizer == nil {
		rules, mode, err := authz.BuildRules(cfg.Rules, authz.WithExprLogger(g.logger))
		if err != nil {
			return nil, fmt.Errorf("invalid rules: %w", err)
		}
		authorizer, err := authz.New(rules, mode, authz.WithAuthorizerLogger(g.logger))
		if err != nil {
			return nil, err
		}
		g.authorizer = authorizer
	}

	return g, nil
}

// Authenticate implements Guard.
func (g *guard) Authenticate(ctx context.Context, hdr http.Header) Decision {
	return g.authenticate(ctx, auth.ExtractTokens(hdr))
}

// AuthenticateRequest implements Guard.
func (g *guard) AuthenticateRequest(r *http.Request) Decision {
	return g.authenticate(r.Context(), auth.ExtractTokensFromRequest(r))
}

// AuthenticateGRPC implements Guard.
func (g *guard) AuthenticateGRPC(ctx context.Context) Decision {
	return g.authenticate(ctx, auth.ExtractTokensFromGRPC(ctx))
}

// Authorizer implements Guard.
func (g *guard) Authorizer() authz.Authorizer {
	return g.authorizer
}

// authenticate runs the decision flow: both headers present, identity
// token verified, access token verified, rules satisfied. The first
// failing step decides the outcome. A missing header denies without
// any network traffic.
func (g *guard) authenticate(ctx context.Context, raw auth.RawTokens) (decision Decision) {
	ctx, span := guardTracer.Start(ctx, "guard.authenticate",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			g.metrics.RecordPanic()
			g.logger.Error("panic during authentication",
				observability.Any("panic", r),
				observability.String("stack", string(debug.Stack())),
			)
			decision = deny(ReasonInvalidToken, fmt.Errorf("authentication panic: %v", r))
		}
		span.SetAttributes(
			attribute.Bool("guard.allowed", decision.Allowed),
			attribute.String("guard.reason", string(decision.Reason)),
		)
		g.metrics.RecordDecision(decision, time.Since(start))
		g.logDecision(decision)
	}()

	if !raw.HasIdentityToken() || !raw.HasAccessToken() {
		return deny(ReasonMissingToken, auth.ErrMissingToken)
	}

	identityClaims, err := g.verifier.VerifyIdentityToken(ctx, raw.IdentityToken)
	if err != nil {
		return deny(reasonForError(err), err)
	}

	accessClaims, err := g.verifier.VerifyAccessToken(ctx, raw.AccessToken)
	if err != nil {
		return deny(reasonForError(err), err)
	}

	identity := auth.NewIdentity(identityClaims, accessClaims, g.config.GetEffectiveGroupsClaim())
	if !g.authorizer.IsAuthorized(ctx, identity) {
		d := deny(ReasonUnauthorized, nil)
		d.Identity = identity
		return d
	}

	return allow(identity)
}

// reasonForError maps a verification failure onto a deny reason. An
// unknown key id lands on the invalid token reason: the key material
// was fetched fine, the token just names a key that does not exist.
func reasonForError(err error) Reason {
	switch {
	case token.IsExpired(err):
		return ReasonExpiredToken
	case token.IsKeyFetch(err):
		return ReasonKeyFetch
	default:
		return ReasonInvalidToken
	}
}

func (g *guard) logDecision(d Decision) {
	if d.Allowed {
		g.logger.Debug("request allowed",
			observability.String("identity", d.Identity.String()),
		)
		return
	}
	fields := []observability.Field{
		observability.String("reason", string(d.Reason)),
	}
	if d.Err != nil {
		fields = append(fields, observability.Error(d.Err))
	}
	if d.Identity != nil {
		fields = append(fields, observability.String("identity", d.Identity.String()))
	}
	g.logger.Debug("request denied", fields...)
}
