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
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const (
	routeLabelKey   ctxKey = "metrics_route"
	requestIDCtxKey ctxKey = "metrics_request_id"
)

// Propagation results.
const (
	ResultInserted = "inserted"
	ResultUpdated  = "updated"
	ResultSkipped  = "skipped"
	ResultFailed   = "failed"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	pullsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_pulls_total",
		Help: "Change feed pulls by mode (full, incremental) and result.",
	}, []string{"mode", "result"})

	pullDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_pull_duration_seconds",
		Help:    "Histogram of change feed pull latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	eventsSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calsync_events_skipped_total",
		Help: "Provider events skipped because they could not be decoded.",
	})

	propagationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_propagations_total",
		Help: "Per-sink propagation outcomes.",
	}, []string{"result"})

	tokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_token_refreshes_total",
		Help: "OAuth token refresh attempts by result.",
	}, []string{"result"})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_notifications_total",
		Help: "Rule notifications by result.",
	}, []string{"result"})

	webhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_webhooks_total",
		Help: "Push notifications received by outcome.",
	}, []string{"outcome"})
)

// Middleware records request metrics and enriches the context with labels for downstream instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routePattern(r)
			reqID := middleware.GetReqID(r.Context())

			ctx := context.WithValue(r.Context(), routeLabelKey, route)
			if reqID != "" {
				ctx = context.WithValue(ctx, requestIDCtxKey, reqID)
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			method := r.Method
			duration := time.Since(start).Seconds()
			statusCode := strconv.Itoa(status)

			httpRequestsTotal.WithLabelValues(method, route).Inc()
			httpRequestDuration.WithLabelValues(method, route, statusCode).Observe(duration)
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(method, route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDBLatency records database latency for a given operation, associating it with request labels when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	route := routeFromContext(ctx)
	dbLatency.WithLabelValues(operation, route).Observe(time.Since(start).Seconds())
}

// ObservePull records one change feed pull.
func ObservePull(mode string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	pullsTotal.WithLabelValues(mode, result).Inc()
	pullDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}

func EventSkipped() { eventsSkippedTotal.Inc() }

// Propagation counts one sink outcome; result is one of the Result* constants.
func Propagation(result string) { propagationsTotal.WithLabelValues(result).Inc() }

func TokenRefresh(result string) { tokenRefreshesTotal.WithLabelValues(result).Inc() }

func Notification(result string) { notificationsTotal.WithLabelValues(result).Inc() }

func Webhook(outcome string) { webhooksTotal.WithLabelValues(outcome).Inc() }

// RequestIDFromContext extracts the request ID stored by the metrics middleware.
func RequestIDFromContext(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDCtxKey).(string); ok {
		return reqID
	}
	return ""
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
