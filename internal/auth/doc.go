// Package auth models the authenticated identity behind a request that
// arrived through an OIDC-authenticating Application Load Balancer.
//
// The load balancer forwards the signed identity token and the provider
// access token in well-known headers. This package extracts the raw
// tokens from HTTP headers or gRPC metadata, combines the claims of
// both verified tokens into an immutable Identity, and carries the
// Identity through a context.Context.
//
// An Identity never changes after construction. Accessors return copies
// of any mutable state, so a handler holding an Identity cannot disturb
// another handler's view of the same request.
package auth
