package httpmw

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/keithlinneman/transit-web/internal/reqctx"
	"github.com/keithlinneman/transit-web/internal/slowlog"
)

type TimingOptions struct {
	Sink slowlog.Sink
	// Threshold in whole milliseconds; a response is slow when its elapsed
	// milliseconds are strictly greater. default 5ms
	Threshold time.Duration
	// StaticPrefix paths are never logged. default "/static/"
	StaticPrefix string
	// Exclude holds request URIs (or bare paths) never logged
	Exclude map[string]struct{}
	Now     func() time.Time
}

func (o *TimingOptions) setDefaults() {
	if o.Threshold <= 0 {
		o.Threshold = 5 * time.Millisecond
	}
	if o.StaticPrefix == "" {
		o.StaticPrefix = "/static/"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// ResponseTiming measures each response once, when the handler chain
// returns, and hands slow ones to the sink. The sink must not block.
func ResponseTiming(opts TimingOptions) func(http.Handler) http.Handler {
	opts.setDefaults()
	return func(next http.Handler) http.Handler {
		if opts.Sink == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, st := reqctx.Ensure(r.Context())
			r = r.WithContext(ctx)

			m := &measurement{
				opts:   &opts,
				state:  st,
				start:  opts.Now(),
				method: r.Method,
				uri:    r.URL.RequestURI(),
				skip:   opts.skip(r),
			}
			defer m.finish()
			next.ServeHTTP(w, r)
		})
	}
}

func (o *TimingOptions) skip(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, o.StaticPrefix) {
		return true
	}
	if _, ok := o.Exclude[r.URL.RequestURI()]; ok {
		return true
	}
	_, ok := o.Exclude[r.URL.Path]
	return ok
}

type measurement struct {
	opts   *TimingOptions
	state  *reqctx.State
	start  time.Time
	method string
	uri    string
	skip   bool
	once   sync.Once
}

// finish records at most once however often it is called
func (m *measurement) finish() {
	m.once.Do(func() {
		if m.skip {
			return
		}
		// instrumentation never fails a request
		defer func() { _ = recover() }()

		// truncated: 5.9ms counts as 5
		ms := m.opts.Now().Sub(m.start).Milliseconds()
		if ms <= m.opts.Threshold.Milliseconds() {
			return
		}
		m.opts.Sink.Record(slowlog.Entry{
			Method:     m.method,
			URL:        m.uri,
			Annotation: m.state.Annotation(),
			ElapsedMS:  ms,
		})
	})
}
