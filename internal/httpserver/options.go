package httpserver

import (
	"io/fs"
	"net/http"

	"github.com/keithlinneman/transit-web/internal/errpage"
	"github.com/keithlinneman/transit-web/internal/health"
	"github.com/keithlinneman/transit-web/internal/httpmw"
	"github.com/keithlinneman/transit-web/internal/log"
	"github.com/keithlinneman/transit-web/internal/pages"
	"github.com/keithlinneman/transit-web/internal/slowlog"
	"github.com/keithlinneman/transit-web/internal/store"
)

type Options struct {
	Logger log.Logger
	Port   int

	// TLS is served when both files are set
	TLSCertFile string
	TLSKeyFile  string

	// Store is bound to every request
	Store store.Handle

	// Hostname is shown by every view
	Hostname string

	// DevMode disables script minification
	DevMode bool

	// Production suppresses diagnostic logging of 500s
	Production bool

	// View renders pages and the error page
	View errpage.View

	// StaticFS backs /static/ and the service worker
	StaticFS fs.FS

	// SlowLog receives responses slower than the threshold; nil disables
	SlowLog        slowlog.Sink
	SlowLogExclude map[string]struct{}

	Dataset      httpmw.DatasetInfo // X-Dataset-Release header
	ClientIPOpts httpmw.ClientIPOptions
	Admin        pages.AdminOptions

	MetricsMW func(http.Handler) http.Handler
	OnPanic   func()

	Health    health.Checker
	Readiness health.Checker
}
