// Package token verifies the signed tokens an AWS Application Load
// Balancer forwards to its targets after authenticating a client
// against an OIDC identity provider.
//
// The load balancer injects two tokens into each proxied request: a
// signed identity token carrying the user claims, and the provider
// access token carrying scopes and group membership. The identity
// token is signed with an ES256 key owned by the load balancer; the
// access token is signed by the identity provider with an RS256 key
// published in its JWKS document.
//
// # Features
//
//   - Identity token verification (ES256, load balancer keys)
//   - Access token verification (RS256, issuer JWKS)
//   - Regional load balancer key fetching with permanent caching
//   - Per-issuer JWKS caching with TTL refresh
//   - Single-flight key population under concurrent misses
//   - Prometheus metrics for verifications and key fetches
//
// # Verification
//
// The Verifier interface checks both token kinds:
//
//	verifier, err := token.NewVerifier(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	claims, err := verifier.VerifyIdentityToken(ctx, raw)
//	if err != nil {
//	    // Handle rejected token
//	}
//
// Failures carry a sentinel error reachable through errors.Is, so
// callers can map them to a response class:
//
//	if errors.Is(err, token.ErrTokenExpired) {
//	    // The token was valid once; ask the client to re-authenticate.
//	}
//
// # Key management
//
// ELBKeyCache resolves load balancer signing keys from the regional
// public key endpoint and keeps them forever; the load balancer rotates
// key ids rather than key contents. JWKSCache resolves issuer keys from
// the standard /.well-known/jwks.json location and refreshes a cached
// document after its TTL elapses. Both caches collapse concurrent
// misses for the same key into a single outbound fetch.
package token
