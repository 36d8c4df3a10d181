package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Orchestrator metrics
var (
	JobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "virtforge_jobs_active",
			Help: "Number of job pipelines currently executing",
		},
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "virtforge_jobs_total",
			Help: "Total jobs by terminal status",
		},
		[]string{"status"},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "virtforge_job_duration_seconds",
			Help:    "Time from worker pickup to terminal status",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	VMsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "virtforge_vms_active",
			Help: "Number of currently defined VM domains",
		},
		[]string{"kind"},
	)

	IPResolveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "virtforge_ip_resolve_duration_seconds",
			Help:    "Time to discover a VM's IP address",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"source"},
	)
)

// API metrics
var (
	TerminalSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "virtforge_terminal_sessions_active",
			Help: "Number of attached interactive terminal sessions",
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "virtforge_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "virtforge_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsActive,
		JobsTotal,
		JobDuration,
		VMsActive,
		IPResolveDuration,
		TerminalSessionsActive,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()
			HTTPRequestDuration.WithLabelValues(
				c.Request().Method,
				c.Path(),
			).Observe(time.Since(start).Seconds())

			return err
		}
	}
}
