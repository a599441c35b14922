package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/transit-web/internal/log"
	"github.com/keithlinneman/transit-web/internal/reqctx"
)

// accessWriter records what the access log needs: status, bytes, time to
// first byte and time spent blocked on the client. A recording parent span
// gets a response.write child covering the write phase.
type accessWriter struct {
	http.ResponseWriter
	ctx   context.Context
	start time.Time

	status  int
	bytes   int64
	ttfb    time.Duration
	blocked time.Duration
	err     error
	span    trace.Span
}

func (w *accessWriter) begin(code int) {
	if w.status != 0 {
		return
	}
	w.status = code
	w.ttfb = time.Since(w.start)
	if parent := trace.SpanFromContext(w.ctx); parent.IsRecording() {
		_, w.span = otel.Tracer("transit-web/httpmw").Start(w.ctx, "response.write",
			trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", w.ttfb.Seconds())))
	}
}

func (w *accessWriter) WriteHeader(code int) {
	w.begin(code)
	t := time.Now()
	w.ResponseWriter.WriteHeader(code)
	w.blocked += time.Since(t)
}

func (w *accessWriter) Write(b []byte) (int, error) {
	w.begin(http.StatusOK)
	t := time.Now()
	n, err := w.ResponseWriter.Write(b)
	w.blocked += time.Since(t)
	w.bytes += int64(n)
	if err != nil && w.err == nil {
		w.err = err
	}
	return n, err
}

func (w *accessWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *accessWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *accessWriter) end() {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	if w.span == nil {
		return
	}
	w.span.SetAttributes(
		attribute.Int("http.response.status_code", w.status),
		attribute.Int64("http.response.body.size", w.bytes),
		attribute.Float64("http.server.write.block_seconds", w.blocked.Seconds()),
	)
	if w.err != nil {
		w.span.RecordError(w.err)
		w.span.SetStatus(codes.Error, w.err.Error())
	}
	w.span.End()
}

// WithLogger stores a request-scoped logger in the context. Only values
// the server derives itself are attached: query strings, headers and the
// Host header are client-controlled and stay out of the logs.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := requestIDFromContext(ctx)

			// ClientIP (outer) has already applied the trusted proxy policy
			clientAddr := ClientIPFromContext(ctx)
			peerAddr := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peerAddr); err == nil {
				peerAddr = host
			}
			if clientAddr == "" {
				clientAddr = peerAddr
			}
			scheme := schemeFromRequest(r)

			if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("client.address", clientAddr),
					attribute.String("network.peer.address", peerAddr),
					attribute.String("url.scheme", scheme),
				)
			}

			L := base.With(
				"request_id", reqID,
				"client.address", clientAddr,
				"network.peer.address", peerAddr,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, L)))
		})
	}
}

// AccessLog writes one line per request once the handler returns. Paths
// equal to a quiet entry, or under one ending in "/", are not logged;
// assets and health checks are covered by metrics. Handler failures (5xx)
// log at warn so they survive an info-suppressed deployment.
func AccessLog(quiet ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			aw := &accessWriter{ResponseWriter: w, ctx: r.Context(), start: time.Now()}
			next.ServeHTTP(aw, r)
			aw.end()

			ctx := r.Context()
			L := log.FromContext(ctx)
			if L == nil || quietPath(r.URL.Path, quiet) {
				return
			}

			fields := []any{
				"http.response.status_code", aw.status,
				"http.server.request.duration", time.Since(aw.start).Seconds(),
				"http.server.ttfb", aw.ttfb.Seconds(),
				"http.response.body.size", aw.bytes,
				"http.request.body.size", max(r.ContentLength, 0),
				"http.route", routePattern(r),
			}
			st := reqctx.From(ctx)
			if entry := st.Route(); entry != "" {
				fields = append(fields, "transit.route", entry)
			}
			if a := st.Annotation(); a != "" {
				fields = append(fields, "app.annotation", a)
			}
			if aw.status >= http.StatusInternalServerError {
				L.Warn(ctx, "http request failed", fields...)
				return
			}
			L.Info(ctx, "http request", fields...)
		})
	}
}

func quietPath(p string, quiet []string) bool {
	for _, q := range quiet {
		if p == q || (strings.HasSuffix(q, "/") && strings.HasPrefix(p, q)) {
			return true
		}
	}
	return false
}

var validSchemes = map[string]bool{"http": true, "https": true}

// schemeFromRequest returns "http" or "https", nothing else. ClientIP has
// already dropped X-Forwarded-Proto from untrusted peers.
func schemeFromRequest(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		if p := strings.ToLower(strings.TrimSpace(first)); validSchemes[p] {
			return p
		}
	}
	if r.URL != nil {
		if p := strings.ToLower(r.URL.Scheme); validSchemes[p] {
			return p
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Scope marks the route table entry serving the request. The entry name
// lands on the request state, the logger and the span.
func Scope(entry string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqctx.SetRoute(ctx, entry)
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("transit.route", entry))
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("transit.route", entry))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
