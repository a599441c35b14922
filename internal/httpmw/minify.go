package httpmw

import (
	"bytes"
	"mime"
	"net/http"
	"regexp"
	"strconv"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/js"

	"github.com/keithlinneman/transit-web/internal/log"
)

// scriptType matches the JavaScript media types the minifier handles
var scriptType = regexp.MustCompile(`^(application|text)/(x-)?(java|ecma)script$`)

// Minifier rewrites a body of the given media type
type Minifier interface {
	Bytes(mediatype string, b []byte) ([]byte, error)
}

// NewScriptMinifier returns a minifier for JavaScript bodies
func NewScriptMinifier() *minify.M {
	m := minify.New()
	m.AddFuncRegexp(scriptType, js.Minify)
	return m
}

// MinifyScripts buffers 200 responses to plain GETs whose Content-Type is
// JavaScript and minifies them before they reach compression. Anything
// else streams through untouched. On a minify error the original bytes are
// sent and a warning is logged.
func MinifyScripts(m Minifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet || r.Header.Get("Range") != "" {
				next.ServeHTTP(w, r)
				return
			}
			mw := &minifyWriter{ResponseWriter: w}
			next.ServeHTTP(mw, r)
			mw.flushBuffered(r, m)
		})
	}
}

type minifyWriter struct {
	http.ResponseWriter
	decided   bool
	buffering bool
	status    int
	buf       bytes.Buffer
}

func (w *minifyWriter) decide(code int) {
	if w.decided {
		return
	}
	w.decided = true
	w.status = code
	if code != http.StatusOK {
		return
	}
	mt, _, err := mime.ParseMediaType(w.Header().Get("Content-Type"))
	w.buffering = err == nil && scriptType.MatchString(mt)
}

func (w *minifyWriter) WriteHeader(code int) {
	w.decide(code)
	if !w.buffering {
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *minifyWriter) Write(b []byte) (int, error) {
	if !w.decided {
		w.WriteHeader(http.StatusOK)
	}
	if w.buffering {
		return w.buf.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

func (w *minifyWriter) Flush() {
	if w.buffering {
		return
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *minifyWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *minifyWriter) flushBuffered(r *http.Request, m Minifier) {
	if !w.buffering {
		return
	}
	out := w.buf.Bytes()
	if min, err := m.Bytes(w.Header().Get("Content-Type"), out); err != nil {
		ctx := r.Context()
		log.FromContext(ctx).Warn(ctx, "script minification failed, sending original",
			"url.path", r.URL.Path,
			"error", err,
		)
	} else {
		out = min
	}

	h := w.Header()
	if h.Get("Content-Length") != "" {
		h.Set("Content-Length", strconv.Itoa(len(out)))
	}
	w.ResponseWriter.WriteHeader(w.status)
	_, _ = w.ResponseWriter.Write(out)
}
