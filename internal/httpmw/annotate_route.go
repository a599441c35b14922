package httpmw

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/transit-web/internal/reqctx"
)

// unmatchedRoute labels requests no route served
const unmatchedRoute = "unmatched"

// AnnotateHTTPRoute renames the server span once the request is done and
// the route table has picked an entry, e.g. "GET /bus/timings/{stopCode}".
// The entry name goes on the span as transit.route.
func AnnotateHTTPRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		span := trace.SpanFromContext(r.Context())
		if !span.IsRecording() {
			return
		}
		pattern := routePattern(r)
		span.SetName(r.Method + " " + pattern)
		attrs := []attribute.KeyValue{attribute.String("http.route", pattern)}
		if entry := reqctx.From(r.Context()).Route(); entry != "" {
			attrs = append(attrs, attribute.String("transit.route", entry))
		}
		span.SetAttributes(attrs...)
	})
}

// routePattern returns the chi pattern that served r. Raw paths are never
// used so scanner traffic collapses into one name.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}
