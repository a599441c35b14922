package pages

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jobFunc struct {
	name string
	run  func(ctx context.Context) error
}

func (j jobFunc) Name() string                  { return j.name }
func (j jobFunc) Run(ctx context.Context) error { return j.run(ctx) }

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) TriggerResult {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var res TriggerResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}

func TestAdmin_TriggerOK(t *testing.T) {
	var core, paths atomic.Int32
	s := newSite(t, testStore(), AdminOptions{
		Core:       jobFunc{"core", func(context.Context) error { core.Add(1); return nil }},
		RoutePaths: jobFunc{"route-paths", func(context.Context) error { paths.Add(1); return nil }},
	})

	w := s.get("/trigger-core-update")
	assert.Equal(t, TriggerResult{Status: "ok"}, decodeResult(t, w))
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.Equal(t, "job=core", s.annotation())

	w = s.get("/trigger-route-path-update")
	assert.Equal(t, TriggerResult{Status: "ok"}, decodeResult(t, w))

	assert.EqualValues(t, 1, core.Load())
	assert.EqualValues(t, 1, paths.Load())
}

func TestAdmin_TriggerError(t *testing.T) {
	s := newSite(t, testStore(), AdminOptions{
		Core: jobFunc{"core", func(context.Context) error { return errors.New("release digest mismatch") }},
	})

	w := s.get("/trigger-core-update")
	assert.JSONEq(t, `{"status":"error","message":"release digest mismatch"}`, w.Body.String())
	assert.Equal(t, TriggerResult{Status: "error", Message: "release digest mismatch"}, decodeResult(t, w))
}

func TestAdmin_UnconfiguredJob(t *testing.T) {
	s := newSite(t, testStore(), AdminOptions{})
	res := decodeResult(t, s.get("/trigger-route-path-update"))
	assert.Equal(t, "error", res.Status)
	assert.Equal(t, errJobNotConfigured.Error(), res.Message)
}

func TestAdmin_PanickingJob(t *testing.T) {
	s := newSite(t, testStore(), AdminOptions{
		Core: jobFunc{"core", func(context.Context) error { panic("boom") }},
	})
	res := decodeResult(t, s.get("/trigger-core-update"))
	assert.Equal(t, "error", res.Status)
}

func TestAdmin_JobOutlivesClient(t *testing.T) {
	var sawCancel atomic.Bool
	s := newSite(t, testStore(), AdminOptions{
		Timeout: time.Second,
		Core: jobFunc{"core", func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			sawCancel.Store(ctx.Err() != nil)
			return nil
		}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	r := httptest.NewRequest(http.MethodGet, "/trigger-core-update", nil).WithContext(ctx)
	cancel()
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, r)

	assert.Equal(t, TriggerResult{Status: "ok"}, decodeResult(t, w))
	assert.False(t, sawCancel.Load())
}

func TestAdmin_TimeoutReachesJob(t *testing.T) {
	s := newSite(t, testStore(), AdminOptions{
		Timeout: 10 * time.Millisecond,
		Core: jobFunc{"core", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	})
	res := decodeResult(t, s.get("/trigger-core-update"))
	assert.Equal(t, "error", res.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), res.Message)
}

func TestAdmin_ConcurrentTriggersIndependent(t *testing.T) {
	var runs atomic.Int32
	s := newSite(t, testStore(), AdminOptions{
		Core: jobFunc{"core", func(context.Context) error {
			n := runs.Add(1)
			if n%2 == 0 {
				return errors.New("even run failed")
			}
			return nil
		}},
	})

	const n = 16
	results := make([]TriggerResult, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := httptest.NewRecorder()
			s.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/trigger-core-update", nil))
			_ = json.Unmarshal(w.Body.Bytes(), &results[i])
		}(i)
	}
	wg.Wait()

	var ok, failed int
	for _, res := range results {
		switch res.Status {
		case "ok":
			ok++
			assert.Empty(t, res.Message)
		case "error":
			failed++
			assert.Equal(t, "even run failed", res.Message)
		}
	}
	assert.EqualValues(t, n, runs.Load())
	assert.Equal(t, n/2, ok)
	assert.Equal(t, n/2, failed)
}

func TestAdmin_LimitWrapsTriggers(t *testing.T) {
	var ran atomic.Bool
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})
	}
	s := newSite(t, testStore(), AdminOptions{
		Limit: deny,
		Core:  jobFunc{"core", func(context.Context) error { ran.Store(true); return nil }},
	})

	w := s.get("/trigger-core-update")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.False(t, ran.Load())

	// pages mounted before the admin module are not limited
	assert.Equal(t, http.StatusOK, s.get("/").Code)
}
