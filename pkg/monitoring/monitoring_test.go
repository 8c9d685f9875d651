package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eRegister/openmrs-module-labonfhir/pkg/logger"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/types"
)

func TestMetricsCollector_RecordDelivery(t *testing.T) {
	m := NewMetricsCollector(prometheus.NewRegistry())

	m.RecordDelivery(types.DeliveryDelivered, 5, time.Second)
	m.RecordDelivery(types.DeliveryFailed, 3, time.Second)
	m.RecordDelivery(types.DeliveryFailed, 3, time.Second)
	m.RecordDelivery(types.DeliverySkipped, 0, 0)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.deliveriesTotal.WithLabelValues("delivered")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.deliveriesTotal.WithLabelValues("failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.deliveriesTotal.WithLabelValues("skipped")))
}

func TestMetricsCollector_HandlerExposesCollectors(t *testing.T) {
	m := NewMetricsCollector(nil)
	m.RecordPollDropped()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "labsync_poll_dropped_total 1")
}

type stubPinger struct{ err error }

func (s stubPinger) Health(context.Context) error { return s.err }

type fixedChecker HealthStatus

func (f fixedChecker) Check(context.Context) HealthCheck { return HealthCheck{Status: HealthStatus(f)} }

func TestHealthManager_AggregatesWorstStatus(t *testing.T) {
	hm := NewHealthManager("labsync", "test")
	hm.RegisterChecker("database", NewDatabaseHealthChecker(stubPinger{}))
	hm.RegisterChecker("lis", fixedChecker(HealthStatusDegraded))

	report := hm.CheckHealth(context.Background())
	assert.Equal(t, HealthStatusDegraded, report.Status)
	require.Len(t, report.Checks, 2)
	assert.Equal(t, "database", report.Checks[0].Name)
	assert.Equal(t, "lis", report.Checks[1].Name)

	hm.RegisterChecker("database", NewDatabaseHealthChecker(stubPinger{err: errors.New("refused")}))
	report = hm.CheckHealth(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, report.Status)

	rec := httptest.NewRecorder()
	hm.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFHIREndpointChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fhir/metadata" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ok := NewFHIREndpointChecker(srv.URL+"/fhir", srv.Client(), true).Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, ok.Status)

	bad := NewFHIREndpointChecker(srv.URL+"/other", srv.Client(), false).Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, bad.Status)
}

func TestHTTPMiddleware_UsesRouteTemplate(t *testing.T) {
	m := NewMetricsCollector(nil)
	mm := NewMonitoringMiddleware(m, NewNoopTracingManager(), logger.Discard())

	router := mux.NewRouter()
	router.Use(mm.HTTPMiddleware)
	router.HandleFunc("/api/v1/tasks/{id}/dispatch", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/tasks/abc/dispatch", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.httpRequestsTotal.WithLabelValues(http.MethodPost, "/api/v1/tasks/{id}/dispatch", "202")))

	series, err := testutil.GatherAndCount(m.gatherer, "labsync_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)
}
