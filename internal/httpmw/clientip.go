package httpmw

import (
	"context"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions says how far X-Forwarded-For is trusted.
type ClientIPOptions struct {
	// TrustedHops is the number of reverse proxies in front of the server.
	// 0 ignores X-Forwarded-For, 1 takes the rightmost entry (a single load
	// balancer), n takes the nth entry from the right.
	TrustedHops int
}

// ClientIP stores the client address in the context. The admin trigger
// rate limiter and the request logger key on it. Forwarding headers are
// honored only from private peers and are removed otherwise, so no later
// stage can read a spoofed value.
func ClientIP(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if ip := opts.resolve(r); ip != "" {
				ctx = context.WithValue(ctx, clientIPKey{}, ip)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (o ClientIPOptions) resolve(r *http.Request) string {
	peer, ok := parsePeer(r.RemoteAddr)
	if !ok {
		dropForwarded(r)
		return ""
	}
	if o.TrustedHops <= 0 || !peer.IsPrivate() {
		dropForwarded(r)
		return peer.String()
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer.String()
	}
	hops := strings.Split(xff, ",")
	idx := len(hops) - o.TrustedHops
	if idx < 0 {
		// fewer hops than proxies: misconfigured or forged, use the peer
		dropForwarded(r)
		return peer.String()
	}
	if addr, err := netip.ParseAddr(strings.TrimSpace(hops[idx])); err == nil {
		return addr.Unmap().String()
	}
	return peer.String()
}

func parsePeer(remote string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap(), true
	}
	if a, err := netip.ParseAddr(remote); err == nil {
		return a.Unmap(), true
	}
	return netip.Addr{}, false
}

func dropForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

// ClientIPFromContext returns the address stored by ClientIP or ""
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}
