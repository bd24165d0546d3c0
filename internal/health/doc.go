// Package health holds the liveness and readiness probes served on /-/healthy
// and /-/ready by both the API and admin listeners.
//
// Readiness normally combines a [Gate] with any dependency checks. Closing
// the gate at shutdown makes /-/ready fail so load balancers stop routing
// new requests while in-flight ones drain.
package health
