package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

func (r *Router) initMetrics() {
	if r.collector == nil {
		return
	}
	r.metricsOnce.Do(func() {
		requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantops",
			Subsystem: "opsd",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})

		requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tenantops",
			Subsystem: "opsd",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})

		if existing, ok := r.collector.Register(requestTotal).(*prometheus.CounterVec); ok {
			r.requestTotal = existing
		}
		if existing, ok := r.collector.Register(requestDuration).(*prometheus.HistogramVec); ok {
			r.requestDuration = existing
		}
		r.metricsInitialized = r.requestTotal != nil && r.requestDuration != nil
	})
}

func (r *Router) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequest(req.Method, route, status, duration)
		r.logRequest(req, recorder, status, duration)
	}
}

func (r *Router) recordRequest(method, route string, status int, duration time.Duration) {
	if !r.metricsInitialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestDuration.With(labels).Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	tenant string
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetTenant(slug string) {
	sr.tenant = slug
}
