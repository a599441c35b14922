// Package health provides composable health checks and HTTP handlers
// for liveness and readiness endpoints.
//
// Checks are combined with [All] (AND). [Fixed] is a static check and
// [Ping] checks a backend such as the store within a deadline.
//
// [ShutdownGate] coordinates graceful shutdown: once set, readiness fails
// immediately so load balancers stop sending traffic before in-flight
// requests are drained.
package health
