package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duedigest/internal/domain"
	"duedigest/internal/eventbus"
	"duedigest/internal/firing"
	"duedigest/internal/storage"
	"duedigest/internal/task/engine"
	logx "duedigest/pkg/logx"
)

type fakeSource struct{}

func (fakeSource) JobCounts(context.Context) (map[storage.JobStatus]int, error) {
	return map[storage.JobStatus]int{storage.JobWaiting: 3, storage.JobFailed: 1}, nil
}

func (fakeSource) CountOccurrences(context.Context) (map[domain.Status]int, error) {
	return map[domain.Status]int{domain.StatusSent: 5}, nil
}

func TestObserveEvents(t *testing.T) {
	t.Parallel()
	m := New(nil, nil, logx.Nop())

	m.Observe(eventbus.Event{Type: "firing.completed", Data: firing.Event{Sent: 2, Failed: 1}})
	m.Observe(eventbus.Event{Type: "firing.failed", Data: firing.Event{Manual: true}})
	m.Observe(eventbus.Event{Type: "job.retry"})
	m.Observe(eventbus.Event{Type: "job.retry"})
	m.Observe(eventbus.Event{Type: "task.finished", Data: engine.TaskEvent{Duration: 200 * time.Millisecond}})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.firings.WithLabelValues("completed", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.firings.WithLabelValues("failed", "true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.deliveries.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobs.WithLabelValues("retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues("finished")))
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	m := New(nil, bus.Dropped, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, bus) }()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: "job.completed"})
		return testutil.ToFloat64(m.jobs.WithLabelValues("completed")) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestHandlerExposesStoreGauges(t *testing.T) {
	t.Parallel()
	m := New(fakeSource{}, func() uint64 { return 7 }, logx.Nop())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	assert.Contains(t, text, `duedigest_jobs{status="waiting"} 3`)
	assert.Contains(t, text, `duedigest_occurrences{status="sent"} 5`)
	assert.Contains(t, text, `duedigest_eventbus_dropped_total 7`)
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	t.Parallel()
	m := New(nil, nil, logx.Nop())

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/owners/{owner}/occurrences", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/owners/abc/occurrences", nil))

	n := testutil.ToFloat64(m.httpTotal.WithLabelValues(http.MethodGet, "/api/owners/{owner}/occurrences", "418"))
	assert.Equal(t, 1.0, n)
	assert.Equal(t, 1, testutil.CollectAndCount(m.httpTotal))
}
