package guard

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/albguard/albguard/internal/auth"
	"github.com/albguard/albguard/internal/observability"
)

// GinIdentityKey is the gin context key the verified identity is
// stored under.
const GinIdentityKey = "identity"

// GinMiddleware implements Guard. The identity is stored on both the
// gin context and the request context, so handlers and downstream
// middleware can use either.
func (g *guard) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		decision := g.AuthenticateRequest(c.Request)
		if !decision.Allowed {
			g.logger.Warn("request denied",
				observability.String("method", c.Request.Method),
				observability.String("path", c.Request.URL.Path),
				observability.String("reason", string(decision.Reason)),
				observability.Error(decision.Err),
			)

			if g.config.DenyTarget != "" {
				c.Redirect(http.StatusSeeOther, g.config.DenyTarget)
				c.Abort()
				return
			}

			c.AbortWithStatusJSON(decision.HTTPStatus(), gin.H{
				"error":   string(decision.Reason),
				"message": decision.Message(),
			})
			return
		}

		c.Set(GinIdentityKey, decision.Identity)
		c.Request = c.Request.WithContext(
			auth.ContextWithIdentity(c.Request.Context(), decision.Identity),
		)
		c.Next()
	}
}

// IdentityFromGin returns the identity GinMiddleware stored on the gin
// context.
func IdentityFromGin(c *gin.Context) (*auth.Identity, bool) {
	v, ok := c.Get(GinIdentityKey)
	if !ok {
		return nil, false
	}
	identity, ok := v.(*auth.Identity)
	return identity, ok
}
