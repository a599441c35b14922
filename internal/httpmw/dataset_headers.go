package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DatasetInfo reports the dataset release currently loaded in the store
type DatasetInfo interface {
	DatasetRelease() string
}

// DatasetHeaders adds X-Dataset-Release (short form) to responses once a
// dataset release is known, and tags the span with the full id.
func DatasetHeaders(info DatasetInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if info == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := info.DatasetRelease(); id != "" {
				short := id
				if len(short) > 12 {
					short = short[:12]
				}
				w.Header().Set("X-Dataset-Release", short)
				if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
					span.SetAttributes(attribute.String("dataset.release", id))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
