package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/eRegister/openmrs-module-labonfhir/pkg/logger"
)

// MonitoringMiddleware combines metrics, tracing, and logging for the operator API
type MonitoringMiddleware struct {
	metrics *MetricsCollector
	tracing *TracingManager
	logger  *logger.Logger
}

// NewMonitoringMiddleware creates a new monitoring middleware
func NewMonitoringMiddleware(metrics *MetricsCollector, tracing *TracingManager, log *logger.Logger) *MonitoringMiddleware {
	return &MonitoringMiddleware{
		metrics: metrics,
		tracing: tracing,
		logger:  log,
	}
}

// HTTPMiddleware is a mux.MiddlewareFunc
func (mm *MonitoringMiddleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), logger.RequestIDKey, requestID)

		route := routeTemplate(r)
		ctx, span := mm.tracing.StartHTTPSpan(ctx, r.Method, route)
		defer span.End()
		span.SetAttributes(attribute.String("request.id", requestID))

		wrapper := &monitoringResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapper.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(wrapper, r.WithContext(ctx))

		duration := time.Since(start)
		mm.metrics.RecordHTTPRequest(r.Method, route, wrapper.statusCode, duration)

		span.SetAttributes(attribute.Int("http.status_code", wrapper.statusCode))
		if wrapper.statusCode >= 500 {
			span.SetStatus(codes.Error, http.StatusText(wrapper.statusCode))
		}

		mm.logger.HTTPRequest(ctx, r.Method, r.URL.Path, r.RemoteAddr, wrapper.statusCode, duration.Milliseconds())
	})
}

// routeTemplate keeps metric label cardinality bounded by using the mux template, not the raw path
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

type monitoringResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *monitoringResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
