// Package errpage is the terminal error stage: it turns any error that
// escaped a handler into exactly one of two responses. No route matched
// gives 404, anything else gives 500. It is the only place that maps
// errors to status codes.
package errpage

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/keithlinneman/transit-web/internal/log"
	"github.com/keithlinneman/transit-web/internal/xerrors"
)

// ErrNoRoute means no route table entry matched the request
var ErrNoRoute = errors.New("no route matched")

type Class int

const (
	NotFound Class = iota + 1
	Failure
)

func (c Class) Status() int {
	if c == NotFound {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (c Class) String() string {
	if c == NotFound {
		return "not_found"
	}
	return "failure"
}

// Classify reports NotFound only for ErrNoRoute. Everything else,
// including errors carrying their own status, is a Failure.
func Classify(err error) Class {
	if errors.Is(err, ErrNoRoute) {
		return NotFound
	}
	return Failure
}

// View renders a named template with a status code. It must not write
// anything to w when it returns an error.
type View interface {
	Render(w http.ResponseWriter, r *http.Request, status int, name string, data any) error
}

// HandlerFunc is an http handler that returns its failure instead of
// writing it
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Page is the data passed to the "error" view
type Page struct {
	Status  int
	Title   string
	Message string
}

const viewName = "error"

type Options struct {
	View View
	// Production suppresses diagnostic logging of failures
	Production bool
	Logger     log.Logger
	// OnPanic is called for every recovered panic, usually a metrics counter
	OnPanic func()
}

type Classifier struct {
	view       View
	production bool
	logger     log.Logger
	onPanic    func()
}

func New(opts Options) *Classifier {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	return &Classifier{
		view:       opts.View,
		production: opts.Production,
		logger:     L,
		onPanic:    opts.OnPanic,
	}
}

// Render writes the error page for err
func (c *Classifier) Render(w http.ResponseWriter, r *http.Request, err error) {
	class := Classify(err)
	c.diagnose(r, class, err)
	c.write(w, r, class)
}

func (c *Classifier) diagnose(r *http.Request, class Class, err error) {
	if class != Failure || c.production {
		return
	}
	ctx := r.Context()
	log.FromContextOr(ctx, c.logger).Error(ctx, xerrors.EnsureTrace(err), "request failed",
		"http.request.method", r.Method,
		"url.path", r.URL.Path,
	)
}

func (c *Classifier) write(w http.ResponseWriter, r *http.Request, class Class) {
	status := class.Status()
	page := Page{
		Status: status,
		Title:  http.StatusText(status),
	}
	if class == NotFound {
		page.Message = "The page you were looking for does not exist."
	} else {
		page.Message = "Something went wrong on our side. Please try again later."
	}

	if c.view != nil {
		err := c.view.Render(w, r, status, viewName, page)
		if err == nil {
			return
		}
		if !c.production {
			ctx := r.Context()
			log.FromContextOr(ctx, c.logger).Error(ctx, err, "render error page")
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "%d %s\n", status, http.StatusText(status))
}

// NotFound is a plain http.Handler for unmatched requests
func (c *Classifier) NotFound(w http.ResponseWriter, r *http.Request) {
	c.Render(w, r, ErrNoRoute)
}

// Wrap adapts h. A returned error or a panic is rendered unless the
// response has already started, in which case it is only diagnosed.
func (c *Classifier) Wrap(h HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := &trackingWriter{ResponseWriter: w}
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			if c.onPanic != nil {
				c.onPanic()
			}
			c.finish(tw, r, panicError(rec))
		}()

		if err := h(tw, r); err != nil {
			c.finish(tw, r, err)
		}
	})
}

// Recover converts panics from next into a Failure response
func (c *Classifier) Recover(next http.Handler) http.Handler {
	return c.Wrap(func(w http.ResponseWriter, r *http.Request) error {
		next.ServeHTTP(w, r)
		return nil
	})
}

func (c *Classifier) finish(tw *trackingWriter, r *http.Request, err error) {
	if tw.started {
		c.diagnose(r, Classify(err), err)
		return
	}
	c.Render(tw.ResponseWriter, r, err)
}

func panicError(rec any) error {
	if err, ok := rec.(error); ok {
		return xerrors.WithStack(fmt.Errorf("panic: %w", err))
	}
	return xerrors.Newf("panic: %v", rec)
}

type trackingWriter struct {
	http.ResponseWriter
	started bool
}

func (t *trackingWriter) WriteHeader(code int) {
	t.started = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *trackingWriter) Write(b []byte) (int, error) {
	t.started = true
	return t.ResponseWriter.Write(b)
}

func (t *trackingWriter) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		t.started = true
		f.Flush()
	}
}

func (t *trackingWriter) Unwrap() http.ResponseWriter { return t.ResponseWriter }

// Fault is a handler that always fails, used to exercise the 500 path
func Fault(w http.ResponseWriter, r *http.Request) error {
	return xerrors.New("fault endpoint requested")
}
