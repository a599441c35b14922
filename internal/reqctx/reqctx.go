// Package reqctx holds the per-request state shared by the pipeline
// stages: the store handle, the display hostname, the route table entry
// that served the request and the latency log annotation written by page
// handlers.
package reqctx

import (
	"context"
	"sync"

	"github.com/keithlinneman/transit-web/internal/store"
)

type ctxKey struct{}

type State struct {
	Store    store.Handle
	Hostname string

	mu         sync.Mutex
	annotation string
	route      string
}

// Ensure returns ctx carrying a State, creating one if absent
func Ensure(ctx context.Context) (context.Context, *State) {
	if st, ok := ctx.Value(ctxKey{}).(*State); ok && st != nil {
		return ctx, st
	}
	st := &State{}
	return context.WithValue(ctx, ctxKey{}, st), st
}

// From returns the request State or nil
func From(ctx context.Context) *State {
	st, _ := ctx.Value(ctxKey{}).(*State)
	return st
}

// StoreFrom returns the bound store handle or nil
func StoreFrom(ctx context.Context) store.Handle {
	if st := From(ctx); st != nil {
		return st.Store
	}
	return nil
}

// HostnameFrom returns the display hostname or ""
func HostnameFrom(ctx context.Context) string {
	if st := From(ctx); st != nil {
		return st.Hostname
	}
	return ""
}

// Annotate sets the latency log annotation for the request. Last write wins.
func Annotate(ctx context.Context, s string) {
	st := From(ctx)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.annotation = s
	st.mu.Unlock()
}

// Annotation returns the current annotation, "" by default
func (s *State) Annotation() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.annotation
}

// SetRoute records the name of the route table entry serving the request
func SetRoute(ctx context.Context, name string) {
	st := From(ctx)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.route = name
	st.mu.Unlock()
}

// Route returns the serving entry name, "" when no entry matched
func (s *State) Route() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.route
}
