// Package routetable composes page modules into one ordered dispatch
// table. Entries are tried in the order they were added and the first
// one whose router can serve the request wins, so an earlier broad entry
// shadows a later specific one.
package routetable

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/transit-web/internal/errpage"
	"github.com/keithlinneman/transit-web/internal/httpmw"
)

type Entry struct {
	Name   string
	Prefix string
	Routes chi.Router
}

type Table struct {
	mu      sync.RWMutex
	entries []Entry
	frozen  bool
}

func New() *Table { return &Table{} }

// Add appends an entry. It panics on an empty name, a prefix not starting
// with "/", a nil router, or a frozen table. Duplicate prefixes are allowed
// and resolved by order.
func (t *Table) Add(name, prefix string, routes chi.Router) *Table {
	if name == "" {
		panic("routetable: empty entry name")
	}
	if !strings.HasPrefix(prefix, "/") {
		panic(fmt.Sprintf("routetable: entry %q prefix %q must start with /", name, prefix))
	}
	if routes == nil {
		panic(fmt.Sprintf("routetable: entry %q has no routes", name))
	}
	if len(prefix) > 1 {
		prefix = strings.TrimRight(prefix, "/")
		if prefix == "" {
			prefix = "/"
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		panic(fmt.Sprintf("routetable: Add(%q) after the table was frozen", name))
	}
	t.entries = append(t.entries, Entry{Name: name, Prefix: prefix, Routes: routes})
	return t
}

// Freeze makes the table immutable. Dispatch freezes it on first use.
func (t *Table) Freeze() {
	t.mu.Lock()
	t.frozen = true
	t.mu.Unlock()
}

// Entries returns a copy in declaration order
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Entry(nil), t.entries...)
}

// Lookup returns the entry that would serve method and path. HEAD falls
// back to GET routes when the entry has no HEAD route.
func (t *Table) Lookup(method, path string) (Entry, string, bool) {
	e, rest, _, ok := t.lookup(method, path)
	return e, rest, ok
}

func (t *Table) lookup(method, path string) (Entry, string, string, bool) {
	t.mu.RLock()
	entries := t.entries
	t.mu.RUnlock()

	for _, e := range entries {
		rest, ok := under(path, e.Prefix)
		if !ok {
			continue
		}
		if e.Routes.Match(chi.NewRouteContext(), method, rest) {
			return e, rest, method, true
		}
		if method == http.MethodHead && e.Routes.Match(chi.NewRouteContext(), http.MethodGet, rest) {
			return e, rest, http.MethodGet, true
		}
	}
	return Entry{}, "", "", false
}

// Dispatch serves r with the first matching entry, or returns
// errpage.ErrNoRoute without writing anything.
func (t *Table) Dispatch(w http.ResponseWriter, r *http.Request) error {
	t.mu.RLock()
	frozen := t.frozen
	t.mu.RUnlock()
	if !frozen {
		t.Freeze()
	}

	e, rest, method, ok := t.lookup(r.Method, r.URL.Path)
	if !ok {
		return errpage.ErrNoRoute
	}

	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		rctx = chi.NewRouteContext()
		r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
	}
	rctx.Routes = e.Routes
	rctx.RoutePath = rest
	rctx.RouteMethod = method
	if e.Prefix != "/" {
		rctx.RoutePatterns = append(rctx.RoutePatterns, e.Prefix+"/*")
	}

	httpmw.Scope(e.Name)(e.Routes).ServeHTTP(w, r)
	return nil
}

// under reports whether path sits below prefix on a segment boundary and
// returns the remainder, always starting with "/"
func under(path, prefix string) (string, bool) {
	if prefix == "/" {
		return path, true
	}
	if path == prefix {
		return "/", true
	}
	if strings.HasPrefix(path, prefix+"/") {
		return path[len(prefix):], true
	}
	return "", false
}
