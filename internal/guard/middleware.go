package guard

import (
	"encoding/json"
	"net/http"

	"github.com/albguard/albguard/internal/auth"
	"github.com/albguard/albguard/internal/observability"
)

// Middleware implements Guard. Allowed requests continue with the
// identity on the request context, denied ones are answered here.
func (g *guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := g.AuthenticateRequest(r)
		if !decision.Allowed {
			g.denyHTTP(w, r, decision)
			return
		}

		ctx := auth.ContextWithIdentity(r.Context(), decision.Identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// denyHTTP renders a denied decision. With a deny target configured
// the client is redirected there, otherwise it gets a JSON error body
// with the matching status.
func (g *guard) denyHTTP(w http.ResponseWriter, r *http.Request, d Decision) {
	g.logger.Warn("request denied",
		observability.String("method", r.Method),
		observability.String("path", r.URL.Path),
		observability.String("reason", string(d.Reason)),
		observability.Error(d.Err),
	)

	if g.config.DenyTarget != "" {
		http.Redirect(w, r, g.config.DenyTarget, http.StatusSeeOther)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(d.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   string(d.Reason),
		"message": d.Message(),
	})
}
