package httpserver

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/keithlinneman/transit-web/internal/httpmw"
	"github.com/keithlinneman/transit-web/internal/log"
	"github.com/keithlinneman/transit-web/internal/slowlog"
	"github.com/keithlinneman/transit-web/internal/store"
	"github.com/keithlinneman/transit-web/internal/view"
)

// test helpers

// stubStore implements store.Handle.
type stubStore struct {
	docs  map[string]string
	delay time.Duration
	panic bool
}

func (s *stubStore) Ping(context.Context) error { return nil }

func (s *stubStore) Document(_ context.Context, collection, id string) (json.RawMessage, error) {
	if s.panic {
		panic("store exploded")
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	doc, ok := s.docs[collection+"/"+id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return json.RawMessage(doc), nil
}

func (s *stubStore) Search(context.Context, string, string, int) ([]json.RawMessage, error) {
	return nil, nil
}

// stubDataset implements httpmw.DatasetInfo.
type stubDataset struct{ id string }

func (s stubDataset) DatasetRelease() string { return s.id }

// stubCheck implements health.Checker for testing.
type stubCheck struct {
	err error
}

func (p *stubCheck) Check(ctx context.Context) error { return p.err }

// recordingSink collects slow log entries.
type recordingSink struct {
	mu      sync.Mutex
	entries []slowlog.Entry
}

func (s *recordingSink) Record(e slowlog.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *recordingSink) snapshot() []slowlog.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]slowlog.Entry(nil), s.entries...)
}

const testScript = "function add(first, second) {\n  // sum both\n  return first + second;\n}\n"

// defaultOpts returns minimal valid Options for testing.
func defaultOpts(t *testing.T) *Options {
	t.Helper()
	v, err := view.New(view.Options{Cache: true})
	if err != nil {
		t.Fatalf("view.New: %v", err)
	}
	return &Options{
		Logger:     log.Nop(),
		Hostname:   "transit.test",
		Production: true,
		View:       v,
		Store: &stubStore{docs: map[string]string{
			"bus_stops/83139": `{"name":"Opp Blk 1"}`,
		}},
		StaticFS: fstest.MapFS{
			"site.css":          {Data: []byte("body { margin: 0 }")},
			"js/app.js":         {Data: []byte(testScript)},
			"app-content/sw.js": {Data: []byte("self.addEventListener('fetch', () => {});")},
		},
	}
}

func newHandler(t *testing.T, opts *Options) http.Handler {
	t.Helper()
	h, err := NewHandler(opts)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

// doRequest is a helper to send a request through a handler and return the recorder.
func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	h.ServeHTTP(rec, req)
	return rec
}

// getFreePort finds a free TCP port.
func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func assertSecurityHeaders(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	want := map[string]string{
		"Strict-Transport-Security": "max-age=31536000",
		"X-Xss-Protection":          "1; mode=block",
		"X-Content-Type-Options":    "nosniff",
		"Referrer-Policy":           "no-referrer",
		"Feature-Policy":            "geolocation 'self'; document-write 'none'; microphone 'none'; camera 'none';",
	}
	for name, v := range want {
		if got := rec.Header().Get(name); got != v {
			t.Errorf("%s = %q, want %q", name, got, v)
		}
	}
}

// NewHandler - middleware stack

// Every response, served or failed, carries the security headers and a
// request id.
func TestNewHandler_ResponseHeaders(t *testing.T) {
	h := newHandler(t, defaultOpts(t))

	for _, req := range []struct{ method, path string }{
		{"GET", "/"},
		{"GET", "/bus/timings/83139"},
		{"GET", "/static/site.css"},
		{"GET", "/no-such-page"},
		{"GET", "/500"},
		{"POST", "/search"},
	} {
		t.Run(req.method+" "+req.path, func(t *testing.T) {
			rec := doRequest(t, h, req.method, req.path)
			assertSecurityHeaders(t, rec)
			if id := rec.Header().Get("X-Request-Id"); len(id) != 32 {
				t.Fatalf("X-Request-Id = %q, want 32 chars", id)
			}
		})
	}
}

func TestNewHandler_HostnameRendered(t *testing.T) {
	h := newHandler(t, defaultOpts(t))

	rec := doRequest(t, h, "GET", "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "transit.test") {
		t.Fatal("page does not show the configured hostname")
	}
}

func TestNewHandler_RouteTable(t *testing.T) {
	h := newHandler(t, defaultOpts(t))

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"index", "GET", "/", http.StatusOK},
		{"bus stop found", "GET", "/bus/timings/83139", http.StatusOK},
		{"bus stop missing", "GET", "/bus/timings/00000", http.StatusOK},
		{"stop form redirect", "GET", "/bus/timings?stop=83139", http.StatusSeeOther},
		{"head falls back to get", "HEAD", "/", http.StatusOK},
		{"unknown path", "GET", "/no-such-page", http.StatusNotFound},
		{"wrong method", "DELETE", "/", http.StatusNotFound},
		{"fault", "GET", "/500", http.StatusInternalServerError},
		{"service worker", "GET", "/sw.js", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, tt.method, tt.path)
			if rec.Code != tt.status {
				t.Fatalf("%s %s status = %d, want %d", tt.method, tt.path, rec.Code, tt.status)
			}
		})
	}
}

func TestNewHandler_ErrorPagesAreHTML(t *testing.T) {
	h := newHandler(t, defaultOpts(t))

	for _, path := range []string{"/no-such-page", "/500", "/static/missing.css"} {
		rec := doRequest(t, h, "GET", path)
		if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("%s Content-Type = %q, want text/html", path, ct)
		}
	}
}

func TestNewHandler_Static(t *testing.T) {
	h := newHandler(t, defaultOpts(t))

	rec := doRequest(t, h, "GET", "/static/site.css")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=86400" {
		t.Fatalf("Cache-Control = %q", got)
	}

	rec = doRequest(t, h, "GET", "/static/missing.css")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing asset status = %d, want 404", rec.Code)
	}
}

func TestNewHandler_StaticServiceWorkerNoCache(t *testing.T) {
	sink := &recordingSink{}
	opts := defaultOpts(t)
	opts.SlowLog = sink
	h := newHandler(t, opts)

	rec := doRequest(t, h, "GET", "/static/app-content/sw.js")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Fatalf("Cache-Control = %q, want no-cache", got)
	}
	if n := len(sink.snapshot()); n != 0 {
		t.Fatalf("static request logged %d slow entries", n)
	}
}

func TestNewHandler_Static_NoFS(t *testing.T) {
	opts := defaultOpts(t)
	opts.StaticFS = nil
	h := newHandler(t, opts)

	if rec := doRequest(t, h, "GET", "/static/site.css"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	// the /sw.js route matched, so the missing script is a handler failure
	if rec := doRequest(t, h, "GET", "/sw.js"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("sw.js status = %d, want 500", rec.Code)
	}
}

func TestNewHandler_HealthEndpoint(t *testing.T) {
	opts := defaultOpts(t)
	opts.Health = &stubCheck{}
	h := newHandler(t, opts)

	rec := doRequest(t, h, "GET", "/-/healthy")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestNewHandler_HealthEndpoint_Unhealthy(t *testing.T) {
	opts := defaultOpts(t)
	opts.Health = &stubCheck{err: fmt.Errorf("unhealthy")}
	h := newHandler(t, opts)

	rec := doRequest(t, h, "GET", "/-/healthy")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestNewHandler_HealthEndpoint_NilCheck(t *testing.T) {
	h := newHandler(t, defaultOpts(t))

	rec := doRequest(t, h, "GET", "/-/healthy")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestNewHandler_ReadyEndpoint_NotReady(t *testing.T) {
	opts := defaultOpts(t)
	opts.Readiness = &stubCheck{err: fmt.Errorf("draining")}
	h := newHandler(t, opts)

	rec := doRequest(t, h, "GET", "/-/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "draining") {
		t.Fatalf("body = %q, want reason", rec.Body.String())
	}
}

func TestNewHandler_DatasetHeaders(t *testing.T) {
	opts := defaultOpts(t)
	opts.Dataset = stubDataset{id: "0123456789abcdef0123"}
	h := newHandler(t, opts)

	rec := doRequest(t, h, "GET", "/")
	if got := rec.Header().Get("X-Dataset-Release"); got != "0123456789ab" {
		t.Fatalf("X-Dataset-Release = %q, want 0123456789ab", got)
	}
}

func TestNewHandler_DatasetHeaders_NoRelease(t *testing.T) {
	opts := defaultOpts(t)
	opts.Dataset = stubDataset{}
	h := newHandler(t, opts)

	if got := doRequest(t, h, "GET", "/").Header().Get("X-Dataset-Release"); got != "" {
		t.Fatalf("X-Dataset-Release = %q, want empty", got)
	}
}

func TestNewHandler_MetricsMW_Applied(t *testing.T) {
	called := false
	opts := defaultOpts(t)
	opts.MetricsMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			next.ServeHTTP(w, r)
		})
	}
	h := newHandler(t, opts)

	doRequest(t, h, "GET", "/")
	if !called {
		t.Fatal("metrics middleware not invoked")
	}
}

func TestNewHandler_PanicBecomes500(t *testing.T) {
	panics := 0
	opts := defaultOpts(t)
	opts.Store = &stubStore{panic: true}
	opts.OnPanic = func() { panics++ }
	h := newHandler(t, opts)

	rec := doRequest(t, h, "GET", "/bus/timings/83139")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if panics != 1 {
		t.Fatalf("OnPanic called %d times, want 1", panics)
	}
	assertSecurityHeaders(t, rec)
}

func TestNewHandler_CompressesHTML(t *testing.T) {
	h := newHandler(t, defaultOpts(t))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", got)
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	body, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read gzip body: %v", err)
	}
	if !strings.Contains(string(body), "transit.test") {
		t.Fatal("decompressed body does not contain the page")
	}
}

func TestNewHandler_NoCompressionWithoutAcceptEncoding(t *testing.T) {
	h := newHandler(t, defaultOpts(t))

	rec := doRequest(t, h, "GET", "/")
	if got := rec.Header().Get("Content-Encoding"); got != "" {
		t.Fatalf("Content-Encoding = %q, want empty", got)
	}
}

func TestNewHandler_MinifiesScripts(t *testing.T) {
	h := newHandler(t, defaultOpts(t))

	rec := doRequest(t, h, "GET", "/static/js/app.js")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "// sum both") || len(body) >= len(testScript) {
		t.Fatalf("script not minified: %q", body)
	}
	if !strings.Contains(body, "function add") {
		t.Fatalf("minified script lost its content: %q", body)
	}
}

func TestNewHandler_DevModeSkipsMinify(t *testing.T) {
	opts := defaultOpts(t)
	opts.DevMode = true
	h := newHandler(t, opts)

	rec := doRequest(t, h, "GET", "/static/js/app.js")
	if rec.Body.String() != testScript {
		t.Fatalf("dev mode body = %q, want original script", rec.Body.String())
	}
}

func TestNewHandler_SlowLog(t *testing.T) {
	sink := &recordingSink{}
	opts := defaultOpts(t)
	opts.Store = &stubStore{
		docs:  map[string]string{"bus_stops/83139": `{"name":"Opp Blk 1"}`},
		delay: 20 * time.Millisecond,
	}
	opts.SlowLog = sink
	opts.SlowLogExclude = map[string]struct{}{"/bus/timings/99999": {}}
	h := newHandler(t, opts)

	doRequest(t, h, "GET", "/bus/timings/83139")
	doRequest(t, h, "GET", "/bus/timings/99999")
	doRequest(t, h, "GET", "/static/site.css")

	entries := sink.snapshot()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1: %+v", len(entries), entries)
	}
	e := entries[0]
	if e.Method != "GET" || e.URL != "/bus/timings/83139" {
		t.Fatalf("entry = %+v", e)
	}
	if e.Annotation != "stop=83139" {
		t.Fatalf("annotation = %q, want stop=83139", e.Annotation)
	}
	if e.ElapsedMS <= 5 {
		t.Fatalf("elapsed = %dms, want > 5", e.ElapsedMS)
	}
}

func TestNewHandler_ClientIP_InContext(t *testing.T) {
	var got string
	opts := defaultOpts(t)
	opts.MetricsMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = httpmw.ClientIPFromContext(r.Context())
			next.ServeHTTP(w, r)
		})
	}
	h := newHandler(t, opts)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.7:4321"
	h.ServeHTTP(rec, req)

	if got != "203.0.113.7" {
		t.Fatalf("client IP = %q, want 203.0.113.7", got)
	}
}

func TestNewHandler_OversizedBodyRejected(t *testing.T) {
	h := newHandler(t, defaultOpts(t))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/bus/timings/83139", strings.NewReader(strings.Repeat("x", MaxRequestBody+1)))
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	assertSecurityHeaders(t, rec)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/bus/timings/83139", strings.NewReader("{}"))
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("small body: status = %d, want 200", rec.Code)
	}
}

func TestNewHandler_NoOptions(t *testing.T) {
	h, err := NewHandler(&Options{})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	if h == nil {
		t.Fatal("NewHandler returned nil")
	}
	rec := doRequest(t, h, "GET", "/-/healthy")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

// Start

func TestStart_ServesUntilStopped(t *testing.T) {
	port := getFreePort(t)
	opts := defaultOpts(t)
	opts.Port = port

	ctx := context.Background()
	stop, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/bus/timings/83139", port))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if id := resp.Header.Get("X-Request-Id"); len(id) != 32 {
		t.Fatalf("X-Request-Id = %q, want 32 chars", id)
	}

	for i := 0; i < 2; i++ {
		if err := stop(ctx); err != nil {
			t.Fatalf("stop #%d: %v", i+1, err)
		}
	}
	client := &http.Client{Timeout: 500 * time.Millisecond}
	if _, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/", port)); err == nil {
		t.Fatal("expected connection error after shutdown")
	}
}

func TestStart_PortConflict(t *testing.T) {
	opts := defaultOpts(t)
	opts.Port = getFreePort(t)

	ctx := context.Background()
	stop1, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer stop1(ctx)

	if _, err := Start(ctx, opts); err == nil {
		t.Fatal("expected error for port conflict")
	}
}

func TestStart_TLSRequiresBothFiles(t *testing.T) {
	opts := defaultOpts(t)
	opts.Port = getFreePort(t)
	opts.TLSCertFile = "/etc/transit/tls.crt"

	if _, err := Start(context.Background(), opts); err == nil {
		t.Fatal("expected error with only a certificate file")
	}
}
