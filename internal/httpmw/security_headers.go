package httpmw

import (
	"net/http"

	"github.com/keithlinneman/transit-web/internal/reqctx"
)

// Security note: CSRF protection is not implemented because it is not applicable.
// The site has no sessions or cookies and the admin triggers carry no user state.

// SecurityPolicy is the fixed set of policy headers sent on every response
var SecurityPolicy = []struct{ Name, Value string }{
	// HTTPS only for one year
	{"Strict-Transport-Security", "max-age=31536000"},
	// legacy browser XSS auditor, block the page on detection
	{"X-Xss-Protection", "1; mode=block"},
	{"X-Content-Type-Options", "nosniff"},
	{"Referrer-Policy", "no-referrer"},
	// location is used for nearby stops; nothing else is allowed
	{"Feature-Policy", "geolocation 'self'; document-write 'none'; microphone 'none'; camera 'none';"},
}

// SecurityHeaders sets the policy headers before the handler runs and puts
// the display hostname on the request state for views.
func SecurityHeaders(hostname string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, p := range SecurityPolicy {
				h.Set(p.Name, p.Value)
			}

			ctx, st := reqctx.Ensure(r.Context())
			st.Hostname = hostname
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
