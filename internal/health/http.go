package health

import (
	"net/http"
)

// Paths served by both listeners.
const (
	LivenessPath  = "/-/healthy"
	ReadinessPath = "/-/ready"
)

// HealthzHandler: 200 OK when the check passes, 503 otherwise (with reason)
func HealthzHandler(c Checker) http.HandlerFunc {
	return checkHandler(c, "ok\n")
}

// ReadyzHandler: 200 OK when the check passes, 503 otherwise (with reason)
func ReadyzHandler(c Checker) http.HandlerFunc {
	return checkHandler(c, "ready\n")
}

func checkHandler(c Checker, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		if c != nil {
			if err := c.Check(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okBody))
	}
}
