// Package metrics exposes prometheus metrics fed from the event bus, plus
// gauges polled from storage on each scrape.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"duedigest/internal/domain"
	"duedigest/internal/eventbus"
	"duedigest/internal/firing"
	"duedigest/internal/storage"
	"duedigest/internal/task/engine"
	logx "duedigest/pkg/logx"
)

const namespace = "duedigest"

// Source supplies point-in-time counts for the gauges.
type Source interface {
	JobCounts(ctx context.Context) (map[storage.JobStatus]int, error)
	CountOccurrences(ctx context.Context) (map[domain.Status]int, error)
}

type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	firings     *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	jobs        *prometheus.CounterVec
	tasks       *prometheus.CounterVec
	taskLatency *prometheus.HistogramVec
	queueDelay  prometheus.Histogram
	httpTotal   *prometheus.CounterVec
	httpLatency *prometheus.HistogramVec
}

func New(src Source, dropped func() uint64, log logx.Logger) *Metrics {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		log: log.With(logx.String("comp", "metrics")),
		firings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "firings_total",
			Help: "Firings settled, by result.",
		}, []string{"result", "manual"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deliveries_total",
			Help: "Per-recipient delivery outcomes of completed firings.",
		}, []string{"outcome"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_total",
			Help: "Durable job settlements, by event.",
		}, []string{"event"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_total",
			Help: "Engine task events.",
		}, []string{"event"}),
		taskLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_duration_seconds",
			Help:    "Engine task run time.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"result"}),
		queueDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_queue_delay_seconds",
			Help:    "Time between submit and worker pickup.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		httpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.firings, m.deliveries, m.jobs, m.tasks, m.taskLatency, m.queueDelay,
		m.httpTotal, m.httpLatency,
	)
	if src != nil {
		m.reg.MustRegister(&storeCollector{src: src, log: m.log})
	}
	if dropped != nil {
		m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "eventbus_dropped_total",
			Help: "Events dropped because a subscriber was full.",
		}, func() float64 { return float64(dropped()) }))
	}
	return m
}

// Registry is exposed for tests and for registering extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256, "firing.", "job.", "task.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

func (m *Metrics) Observe(ev eventbus.Event) {
	kind, name, _ := strings.Cut(ev.Type, ".")
	switch kind {
	case "firing":
		fe, _ := ev.Data.(firing.Event)
		m.firings.WithLabelValues(name, strconv.FormatBool(fe.Manual)).Inc()
		if name == "completed" {
			m.deliveries.WithLabelValues("sent").Add(float64(fe.Sent))
			m.deliveries.WithLabelValues("failed").Add(float64(fe.Failed))
			m.deliveries.WithLabelValues("skipped").Add(float64(fe.Skipped))
		}
	case "job":
		m.jobs.WithLabelValues(name).Inc()
	case "task":
		m.tasks.WithLabelValues(name).Inc()
		te, ok := ev.Data.(engine.TaskEvent)
		if !ok {
			return
		}
		switch name {
		case "started":
			m.queueDelay.Observe(te.QueueDelay.Seconds())
		case "finished", "failed":
			m.taskLatency.WithLabelValues(name).Observe(te.Duration.Seconds())
		}
	}
}

// Middleware records request counts and latency by route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{"method": r.Method, "path": path, "status": strconv.Itoa(status)}
		m.httpTotal.With(labels).Inc()
		m.httpLatency.With(labels).Observe(time.Since(start).Seconds())
	})
}

var (
	jobsDesc = prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "jobs"),
		"Durable jobs by status.", []string{"status"}, nil)
	occurrencesDesc = prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "occurrences"),
		"Occurrence records by status.", []string{"status"}, nil)
)

type storeCollector struct {
	src Source
	log logx.Logger
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobsDesc
	ch <- occurrencesDesc
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if jobs, err := c.src.JobCounts(ctx); err != nil {
		c.log.Warn("collect job counts", logx.Err(err))
	} else {
		for st, n := range jobs {
			ch <- prometheus.MustNewConstMetric(jobsDesc, prometheus.GaugeValue, float64(n), string(st))
		}
	}
	if occ, err := c.src.CountOccurrences(ctx); err != nil {
		c.log.Warn("collect occurrence counts", logx.Err(err))
	} else {
		for st, n := range occ {
			ch <- prometheus.MustNewConstMetric(occurrencesDesc, prometheus.GaugeValue, float64(n), string(st))
		}
	}
}
