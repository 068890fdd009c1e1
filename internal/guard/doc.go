// Package guard makes allow or deny decisions for requests forwarded
// by an authenticating load balancer.
//
// A Guard verifies the two tokens the load balancer injects, builds an
// immutable identity from their claims and evaluates the configured
// authorization rules against it. Adapters expose the same decision
// flow as net/http middleware, a gin middleware and gRPC server
// interceptors.
//
// # Usage
//
//	g, err := guard.New(&guard.Config{
//		Region: "eu-west-2",
//		Rules: &authz.RulesConfig{
//			Mode:    "any",
//			Domains: []string{"example.com"},
//		},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	handler := g.Middleware(mux)
//
// Denied requests get a JSON error body with a 401 or 403 status, or a
// redirect when a deny target is configured. Decisions never panic:
// failures inside the flow surface as invalid token denials.
package guard
