// Package telemetry exposes Prometheus metrics for the bulk match server.
package telemetry

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulkmatch_jobs_created_total", Help: "Bulk match jobs accepted"})
	JobsRejected  = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulkmatch_jobs_rejected_total", Help: "Kickoffs refused by admission control"})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulkmatch_jobs_completed_total", Help: "Jobs that reached 100 percent"})
	JobsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulkmatch_jobs_failed_total", Help: "Jobs that stopped with an error"})
	JobsAborted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulkmatch_jobs_aborted_total", Help: "Jobs destroyed before or after completion"})
	JobsRunning   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bulkmatch_jobs_running", Help: "Jobs currently holding an admission slot"})

	StatusPolls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkmatch_status_polls_total",
		Help: "Status polls by outcome",
	}, []string{"outcome"})

	TokenRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkmatch_token_requests_total",
		Help: "Token exchanges by result (ok or the OAuth error code)",
	}, []string{"result"})

	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bulkmatch_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Status poll outcomes.
const (
	PollInProgress = "in_progress"
	PollComplete   = "complete"
	PollThrottled  = "throttled"
	PollTerminated = "terminated"
	PollFailed     = "failed"
	PollNotFound   = "not_found"
)

func register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsRejected,
			JobsCompleted,
			JobsFailed,
			JobsAborted,
			JobsRunning,
			StatusPolls,
			TokenRequests,
			RequestDuration,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	register()
	return promhttp.Handler()
}

// MetricsMiddleware records request latency labelled by route pattern.
func MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			RequestDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(c.Response().Status)).
				Observe(time.Since(start).Seconds())
			return nil
		}
	}
}
