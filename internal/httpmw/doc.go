// Package httpmw holds the middleware for the public API server.
//
// httpserver.NewHandler composes them outermost first: security headers,
// panic recovery, request ID, client IP resolution, OTel tracing, trace
// response headers, metrics, request-scoped logging, then the chi router with
// route annotation and access logging. The rate limiter runs inside the
// router on the limited route group, after the client IP is known.
//
// Logged fields come from resolved server-side values; raw user-supplied
// headers and bodies are never logged.
package httpmw
