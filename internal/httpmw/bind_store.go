package httpmw

import (
	"net/http"

	"github.com/keithlinneman/transit-web/internal/reqctx"
	"github.com/keithlinneman/transit-web/internal/store"
)

// BindStore creates the request state and attaches the shared store
// handle to it. It runs before every other pipeline stage.
func BindStore(h store.Handle) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, st := reqctx.Ensure(r.Context())
			st.Store = h
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
