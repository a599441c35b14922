package httpserver

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/transit-web/internal/errpage"
	"github.com/keithlinneman/transit-web/internal/health"
	"github.com/keithlinneman/transit-web/internal/httpmw"
	"github.com/keithlinneman/transit-web/internal/log"
	"github.com/keithlinneman/transit-web/internal/pages"
	"github.com/keithlinneman/transit-web/internal/static"
	"github.com/keithlinneman/transit-web/internal/xerrors"
)

// NewHandler builds the public request pipeline.
// main() owns *http.Server so it can do graceful shutdown
func NewHandler(opts *Options) (http.Handler, error) {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}

	classifier := errpage.New(errpage.Options{
		View:       opts.View,
		Production: opts.Production,
		Logger:     L,
		OnPanic:    opts.OnPanic,
	})

	staticFS := opts.StaticFS
	if staticFS == nil {
		staticFS = emptyFS{}
	}
	assets, err := static.New(static.Options{
		FS:       staticFS,
		NotFound: http.HandlerFunc(classifier.NotFound),
	})
	if err != nil {
		return nil, err
	}

	deps := pages.Deps{View: opts.View, Classifier: classifier}
	table := Routes(deps, assets, opts.Admin)
	table.Freeze()
	routes := make([]string, 0, len(table.Entries()))
	for _, e := range table.Entries() {
		routes = append(routes, e.Name+"="+e.Prefix)
	}
	L.Debug(context.Background(), "route table", "entries", routes)
	dispatch := classifier.Wrap(table.Dispatch)

	// chi router
	r := chi.NewRouter()

	// Compress text responses (HTML/CSS/JS/JSON/SVG)
	r.Use(middleware.Compress(5,
		"text/html",
		"text/css",
		"application/javascript",
		"text/javascript",
		"application/json",
		"image/svg+xml",
		"image/x-icon",
	))

	// minify scripts before they are compressed
	var minifier httpmw.Minifier
	if !opts.DevMode {
		minifier = httpmw.NewScriptMinifier()
	}
	r.Use(httpmw.MinifyScripts(minifier))

	// Annotate logger and tracer with http.route from chi route pattern if trace is recording
	r.Use(httpmw.AnnotateHTTPRoute)

	r.Use(httpmw.AccessLog(static.Prefix+"/", health.LivenessPath, health.ReadinessPath))

	r.Use(httpmw.MaxBody(MaxRequestBody))

	r.Get(health.LivenessPath, health.HealthzHandler(opts.Health))
	r.Get(health.ReadinessPath, health.ReadyzHandler(opts.Readiness))

	// static stage short-circuits before the route table
	r.Handle(static.Prefix+"/*", classifier.Recover(http.StripPrefix(static.Prefix, assets)))

	// everything else goes through the route table and the error classifier
	r.NotFound(dispatch.ServeHTTP)
	r.MethodNotAllowed(dispatch.ServeHTTP)

	otelMW := func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(
			next,
			"http.server",
			otelhttp.WithFilter(func(r *http.Request) bool {
				return shouldTrace(r.URL.Path)
			}),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				// AnnotateHTTPRoute will rename the span later to the final route pattern
				return r.Method + " " + r.URL.Path
			}),
			otelhttp.WithPublicEndpointFn(func(r *http.Request) bool { return true }),
		)
	}

	// first is outermost
	pipeline := httpmw.Pipeline{
		// last resort: a panic outside the classifier still yields a 500
		{Name: "recover", Wrap: httpmw.Recover(L, opts.OnPanic)},
		// store handle first, every later stage may use it
		{Name: "store", Wrap: httpmw.BindStore(opts.Store)},
		// latency log around everything the request does
		{Name: "timing", Wrap: httpmw.ResponseTiming(httpmw.TimingOptions{
			Sink:    opts.SlowLog,
			Exclude: opts.SlowLogExclude,
		})},
		// security headers and display hostname on every response
		{Name: "security-headers", Wrap: httpmw.SecurityHeaders(opts.Hostname)},
		{Name: "request-id", Wrap: httpmw.RequestID("X-Request-Id")},
		// client IP before logging and the admin rate limiter
		{Name: "client-ip", Wrap: httpmw.ClientIP(opts.ClientIPOpts)},
		{Name: "tracing", Wrap: otelMW},
		{Name: "trace-headers", Wrap: httpmw.TraceResponseHeaders},
		{Name: "dataset-headers", Wrap: httpmw.DatasetHeaders(opts.Dataset)},
		{Name: "metrics", Wrap: opts.MetricsMW},
		// request-scoped logging (inner so it sees trace_id, etc)
		{Name: "logger", Wrap: httpmw.WithLogger(L)},
	}
	L.Debug(context.Background(), "request pipeline", "stages", pipeline.Names())

	h := pipeline.Then(r)

	return h, nil
}

// emptyFS stands in when no static dir is configured
type emptyFS struct{}

func (emptyFS) Open(name string) (fs.File, error) {
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}

// shouldTrace decides which requests get traced
func shouldTrace(p string) bool {
	if p == "/favicon.ico" || p == "/robots.txt" || p == "/sw.js" {
		return false
	}
	if p == health.LivenessPath || p == health.ReadinessPath {
		return false
	}
	if static.IsStatic(p) {
		return false
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".css", ".js", ".png", ".jpg", ".jpeg", ".webp", ".svg", ".ico", ".woff", ".woff2", ".map":
		return false
	}
	return true
}

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

// MaxRequestBody caps request bodies; every route is a read.
const MaxRequestBody = 1 << 10

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start public HTTP server
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	tls := opts.TLSCertFile != "" || opts.TLSKeyFile != ""
	if tls && (opts.TLSCertFile == "" || opts.TLSKeyFile == "") {
		return nil, xerrors.New("both TLS certificate and key files are required")
	}

	handler, err := NewHandler(opts)
	if err != nil {
		return nil, err
	}
	srv := NewServer(addr, handler)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.EnsureTrace(err)
	}

	go func() {
		L.Info(ctx, "http server listening", "addr", addr, "tls", tls)
		var err error
		if tls {
			err = srv.ServeTLS(ln, opts.TLSCertFile, opts.TLSKeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
