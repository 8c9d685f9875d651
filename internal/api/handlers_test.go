package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eRegister/openmrs-module-labonfhir/internal/outbound"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/logger"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/monitoring"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/types"
)

// MockDispatcher provides a mock dispatcher for testing
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(taskID string) error {
	return m.Called(taskID).Error(0)
}

// MockPoller provides a mock poller for testing
type MockPoller struct {
	mock.Mock
}

func (m *MockPoller) Run(ctx context.Context) (*types.PollResult, error) {
	args := m.Called(ctx)
	if r := args.Get(0); r != nil {
		return r.(*types.PollResult), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockFailures provides a mock failed delivery log for testing
type MockFailures struct {
	mock.Mock
}

func (m *MockFailures) ListUnsent(ctx context.Context, limit int) ([]*types.FailedDelivery, error) {
	args := m.Called(ctx, limit)
	if r := args.Get(0); r != nil {
		return r.([]*types.FailedDelivery), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockFailures) ResendFailed(ctx context.Context, limit int) (int, error) {
	args := m.Called(ctx, limit)
	return args.Int(0), args.Error(1)
}

type apiFixture struct {
	dispatcher *MockDispatcher
	poller     *MockPoller
	failures   *MockFailures
	router     http.Handler
}

func newAPI(t *testing.T, pollingEnabled bool) *apiFixture {
	t.Helper()
	f := &apiFixture{dispatcher: &MockDispatcher{}, poller: &MockPoller{}, failures: &MockFailures{}}

	opts := Options{
		Dispatcher: f.dispatcher,
		Failures:   f.failures,
		Resender:   f.failures,
		Health:     monitoring.NewHealthManager("labsync", "test"),
		Metrics:    monitoring.NewMetricsCollector(nil),
		Tracing:    monitoring.NewNoopTracingManager(),
		Logger:     logger.Discard(),
	}
	if pollingEnabled {
		opts.Poller = f.poller
	}
	f.router = NewHandler(opts).Router()
	return f
}

func (f *apiFixture) do(method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Timestamp.IsZero())
	return body
}

func TestDispatch(t *testing.T) {
	f := newAPI(t, true)
	f.dispatcher.On("Dispatch", "t1").Return(nil)

	rec := f.do(http.MethodPost, "/api/v1/tasks/t1/dispatch")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	f.dispatcher.AssertExpectations(t)
}

func TestDispatch_Closed(t *testing.T) {
	f := newAPI(t, true)
	f.dispatcher.On("Dispatch", "t1").Return(outbound.ErrDispatcherClosed)

	rec := f.do(http.MethodPost, "/api/v1/tasks/t1/dispatch")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "UNAVAILABLE", decodeError(t, rec).Code)
}

func TestDispatch_MethodNotAllowed(t *testing.T) {
	f := newAPI(t, true)
	rec := f.do(http.MethodGet, "/api/v1/tasks/t1/dispatch")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPoll(t *testing.T) {
	f := newAPI(t, true)
	result := &types.PollResult{
		LowerBound: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		UpperBound: time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC),
		Pages:      2,
		Tasks:      5,
		Updated:    3,
	}
	f.poller.On("Run", mock.Anything).Return(result, nil)

	rec := f.do(http.MethodPost, "/api/v1/poll")
	require.Equal(t, http.StatusOK, rec.Code)

	var body types.PollResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 5, body.Tasks)
	assert.Equal(t, 3, body.Updated)
}

func TestPoll_RunInProgress(t *testing.T) {
	f := newAPI(t, true)
	f.poller.On("Run", mock.Anything).Return(nil, types.ErrRunInProgress)

	rec := f.do(http.MethodPost, "/api/v1/poll")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, types.ErrCodeConflict, decodeError(t, rec).Code)
}

func TestPoll_Failure(t *testing.T) {
	f := newAPI(t, true)
	f.poller.On("Run", mock.Anything).Return(&types.PollResult{}, errors.New("LIS unavailable"))

	rec := f.do(http.MethodPost, "/api/v1/poll")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestPoll_Disabled(t *testing.T) {
	f := newAPI(t, false)

	rec := f.do(http.MethodPost, "/api/v1/poll")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "POLLING_DISABLED", decodeError(t, rec).Code)
}

func TestFailedDeliveries(t *testing.T) {
	f := newAPI(t, true)
	f.failures.On("ListUnsent", mock.Anything, 10).Return([]*types.FailedDelivery{
		{ID: "f1", TaskID: "t1", Error: "REMOTE_REJECTED: LIS rejected transaction"},
	}, nil)

	rec := f.do(http.MethodGet, "/api/v1/failed-deliveries?limit=10")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		FailedDeliveries []types.FailedDelivery `json:"failed_deliveries"`
		Count            int                    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "t1", body.FailedDeliveries[0].TaskID)
}

func TestFailedDeliveries_EmptyIsArray(t *testing.T) {
	f := newAPI(t, true)
	f.failures.On("ListUnsent", mock.Anything, defaultFailedLimit).Return(nil, nil)

	rec := f.do(http.MethodGet, "/api/v1/failed-deliveries")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"failed_deliveries":[],"count":0}`, rec.Body.String())
}

func TestFailedDeliveries_BadLimit(t *testing.T) {
	f := newAPI(t, true)

	rec := f.do(http.MethodGet, "/api/v1/failed-deliveries?limit=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	f.failures.AssertNotCalled(t, "ListUnsent", mock.Anything, mock.Anything)
}

func TestResendFailed(t *testing.T) {
	f := newAPI(t, true)
	f.failures.On("ResendFailed", mock.Anything, defaultFailedLimit).Return(2, nil)

	rec := f.do(http.MethodPost, "/api/v1/failed-deliveries/resend")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"resent":2}`, rec.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPI(t, true)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health").Code)

	f.dispatcher.On("Dispatch", "t1").Return(nil)
	f.do(http.MethodPost, "/api/v1/tasks/t1/dispatch")

	rec := f.do(http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `labsync_http_requests_total{method="POST",route="/api/v1/tasks/{id}/dispatch",status_code="202"} 1`)
}
