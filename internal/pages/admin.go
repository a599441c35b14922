package pages

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/transit-web/internal/log"
	"github.com/keithlinneman/transit-web/internal/refresh"
	"github.com/keithlinneman/transit-web/internal/reqctx"
)

// DefaultTriggerTimeout bounds a single refresh run.
const DefaultTriggerTimeout = 5 * time.Minute

var errJobNotConfigured = errors.New("refresh job not configured")

type AdminOptions struct {
	Core       refresh.Job
	RoutePaths refresh.Job

	// Limit wraps the trigger routes, usually a per-IP rate limiter.
	Limit func(http.Handler) http.Handler

	// Timeout defaults to DefaultTriggerTimeout.
	Timeout time.Duration
}

// TriggerResult is the JSON body of every trigger response.
type TriggerResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Admin serves the dataset refresh triggers. Each request runs its job to
// completion and reports the outcome with status 200.
func Admin(opts AdminOptions) chi.Router {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTriggerTimeout
	}
	r := chi.NewRouter()
	if opts.Limit != nil {
		r.Use(opts.Limit)
	}
	r.Get("/trigger-core-update", trigger(opts.Core, refresh.CoreJob, opts.Timeout))
	r.Get("/trigger-route-path-update", trigger(opts.RoutePaths, refresh.RoutePathsJob, opts.Timeout))
	return r
}

func trigger(job refresh.Job, name string, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqctx.Annotate(r.Context(), "job="+name)
		// the server write timeout is sized for pages, not refreshes
		_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(timeout + 10*time.Second))

		res := TriggerResult{Status: "ok"}
		if err := runJob(r.Context(), job, timeout); err != nil {
			log.FromContext(r.Context()).Error(r.Context(), err, "refresh trigger failed", "job", name)
			res = TriggerResult{Status: "error", Message: err.Error()}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(res)
	}
}

// runJob detaches from the request so a disconnecting client does not
// abort a half-applied refresh.
func runJob(ctx context.Context, job refresh.Job, timeout time.Duration) (err error) {
	if job == nil {
		return errJobNotConfigured
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			if e, ok := rec.(error); ok {
				err = e
			} else {
				err = errors.New("refresh job panicked")
			}
		}
	}()
	return job.Run(ctx)
}
