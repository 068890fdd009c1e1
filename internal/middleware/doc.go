// Package middleware provides the gin middleware chain for the
// forward-auth daemon: request id propagation, request logging and
// panic recovery.
//
// # Usage
//
//	router := gin.New()
//	router.Use(
//		middleware.RequestID(),
//		middleware.Logging(logger, "/healthz"),
//		middleware.Recovery(logger),
//	)
package middleware
