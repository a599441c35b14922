// Package view renders the site's html/template pages.
//
// Each page is its own template set: base.tmpl plus <name>.tmpl. In
// production the sets are parsed once and reused; otherwise they are
// parsed again on every render so template edits show up without a
// restart.
package view

import (
	"bytes"
	"embed"
	"errors"
	"html/template"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/keithlinneman/transit-web/internal/reqctx"
	"github.com/keithlinneman/transit-web/internal/xerrors"
)

//go:embed templates/*.tmpl
var embedded embed.FS

const baseFile = "base.tmpl"

// Pages lists every view the server renders
var Pages = []string{"index", "bus_timings", "mrt_timings", "search", "lookup", "error"}

var ErrUnknownView = errors.New("view: unknown template")

// defaultFS returns the built-in templates
func defaultFS() fs.FS {
	sub, err := fs.Sub(embedded, "templates")
	if err != nil {
		panic(xerrors.Wrap(err, "view: templates subfs"))
	}
	return sub
}

type Options struct {
	// Dir overrides the built-in templates when set
	Dir string
	// Cache parses templates once. Enabled in production.
	Cache   bool
	BaseURL string
}

// Data is what every template receives
type Data struct {
	Hostname string
	BaseURL  string
	Path     string
	Page     any
}

type Set struct {
	fsys    fs.FS
	cache   bool
	baseURL string

	mu     sync.RWMutex
	parsed map[string]*template.Template
}

// New parses every page once up front so a broken template fails startup
// in both modes.
func New(opts Options) (*Set, error) {
	fsys := defaultFS()
	if opts.Dir != "" {
		fsys = os.DirFS(opts.Dir)
	}
	s := &Set{
		fsys:    fsys,
		cache:   opts.Cache,
		baseURL: opts.BaseURL,
		parsed:  make(map[string]*template.Template, len(Pages)),
	}
	var errs []error
	for _, name := range Pages {
		t, err := s.parse(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.parsed[name] = t
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Set) parse(name string) (*template.Template, error) {
	t, err := template.New(name).ParseFS(s.fsys, baseFile, name+".tmpl")
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse view %s", name)
	}
	return t, nil
}

func (s *Set) lookup(name string) (*template.Template, error) {
	s.mu.RLock()
	t, ok := s.parsed[name]
	s.mu.RUnlock()
	if !ok {
		return nil, xerrors.Wrapf(ErrUnknownView, "%s", name)
	}
	if s.cache {
		return t, nil
	}
	return s.parse(name)
}

// Render executes view name into a buffer and only then writes status and
// body, so a template error leaves w untouched.
func (s *Set) Render(w http.ResponseWriter, r *http.Request, status int, name string, page any) error {
	t, err := s.lookup(name)
	if err != nil {
		return err
	}
	data := Data{
		Hostname: reqctx.HostnameFrom(r.Context()),
		BaseURL:  s.baseURL,
		Path:     r.URL.Path,
		Page:     page,
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "base", data); err != nil {
		return xerrors.Wrapf(err, "render view %s", name)
	}

	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return nil
	}
	_, _ = buf.WriteTo(w)
	return nil
}
