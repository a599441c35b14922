// Package httpmw holds the request pipeline stages of the transit site.
//
// httpserver.NewHandler declares them as a Pipeline, outermost first: panic
// guard, store binding, response timing, security headers, request ID,
// client IP, tracing, dataset headers, metrics and the request logger. The
// chi router then adds compression, script minification, route annotation,
// the access log and the body cap before the static stage and the route
// table. Scope marks the route table entry that serves a request.
//
// Logged fields are derived by the server. Query strings, user agents and
// other client headers stay out of the logs.
package httpmw
