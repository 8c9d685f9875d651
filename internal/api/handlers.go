// Package api exposes the operator HTTP surface of the lab sync service.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/eRegister/openmrs-module-labonfhir/internal/outbound"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/logger"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/monitoring"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/types"
)

const defaultFailedLimit = 100

// Dispatcher accepts orders for outbound delivery
type Dispatcher interface {
	Dispatch(taskID string) error
}

// Poller runs one inbound poll
type Poller interface {
	Run(ctx context.Context) (*types.PollResult, error)
}

// FailedDeliveries reads the failed delivery log
type FailedDeliveries interface {
	ListUnsent(ctx context.Context, limit int) ([]*types.FailedDelivery, error)
}

// Resender re-delivers logged failures
type Resender interface {
	ResendFailed(ctx context.Context, limit int) (int, error)
}

// Handler serves the operator API
type Handler struct {
	dispatcher Dispatcher
	// poller is nil when polling is disabled
	poller     Poller
	failures   FailedDeliveries
	resender   Resender
	health     *monitoring.HealthManager
	metrics    *monitoring.MetricsCollector
	middleware *monitoring.MonitoringMiddleware
	monitoring MonitoringPaths
	logger     *logger.Logger
}

// MonitoringPaths are the unversioned health and metrics routes
type MonitoringPaths struct {
	Health  string
	Metrics string
}

// Options groups the collaborators of a Handler
type Options struct {
	Dispatcher Dispatcher
	Poller     Poller
	Failures   FailedDeliveries
	Resender   Resender
	Health     *monitoring.HealthManager
	Metrics    *monitoring.MetricsCollector
	Tracing    *monitoring.TracingManager
	Paths      MonitoringPaths
	Logger     *logger.Logger
}

// NewHandler creates the operator API handler
func NewHandler(opts Options) *Handler {
	if opts.Paths.Health == "" {
		opts.Paths.Health = "/health"
	}
	if opts.Paths.Metrics == "" {
		opts.Paths.Metrics = "/metrics"
	}
	return &Handler{
		dispatcher: opts.Dispatcher,
		poller:     opts.Poller,
		failures:   opts.Failures,
		resender:   opts.Resender,
		health:     opts.Health,
		metrics:    opts.Metrics,
		middleware: monitoring.NewMonitoringMiddleware(opts.Metrics, opts.Tracing, opts.Logger),
		monitoring: opts.Paths,
		logger:     opts.Logger,
	}
}

// Router builds the route table
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(h.middleware.HTTPMiddleware)

	router.HandleFunc(h.monitoring.Health, h.health.HTTPHandler()).Methods("GET")
	router.Handle(h.monitoring.Metrics, h.metrics.Handler()).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/tasks/{id}/dispatch", h.dispatchHandler).Methods("POST")
	api.HandleFunc("/poll", h.pollHandler).Methods("POST")
	api.HandleFunc("/failed-deliveries", h.failedDeliveriesHandler).Methods("GET")
	api.HandleFunc("/failed-deliveries/resend", h.resendHandler).Methods("POST")

	return router
}

// dispatchHandler queues an order for delivery to the LIS
func (h *Handler) dispatchHandler(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]

	err := h.dispatcher.Dispatch(taskID)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "accepted"})
	case errors.Is(err, outbound.ErrDispatcherClosed):
		h.writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "dispatcher is shutting down")
	case types.IsType(err, types.ErrorTypeValidation):
		h.writeError(w, http.StatusBadRequest, types.ErrCodeInvalidInput, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, types.ErrCodeInternalError, err.Error())
	}
}

// pollHandler runs a poll synchronously and returns its summary
func (h *Handler) pollHandler(w http.ResponseWriter, r *http.Request) {
	if h.poller == nil {
		h.writeError(w, http.StatusServiceUnavailable, "POLLING_DISABLED", "polling is disabled")
		return
	}

	result, err := h.poller.Run(r.Context())
	if errors.Is(err, types.ErrRunInProgress) {
		h.writeError(w, http.StatusConflict, types.ErrCodeConflict, err.Error())
		return
	}
	if err != nil {
		h.writeError(w, http.StatusBadGateway, types.ErrCodeRemoteFailure, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// failedDeliveriesHandler lists deliveries that have not been resent
func (h *Handler) failedDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}

	deliveries, err := h.failures.ListUnsent(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, types.ErrCodeDatabaseError, err.Error())
		return
	}
	if deliveries == nil {
		deliveries = []*types.FailedDelivery{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"failed_deliveries": deliveries,
		"count":             len(deliveries),
	})
}

// resendHandler re-delivers logged failures
func (h *Handler) resendHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}

	resent, err := h.resender.ResendFailed(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, types.ErrCodeInternalError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"resent": resent})
}

func (h *Handler) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultFailedLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		h.writeError(w, http.StatusBadRequest, types.ErrCodeInvalidInput, "limit must be a positive integer")
		return 0, false
	}
	return limit, true
}

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handler) writeError(w http.ResponseWriter, statusCode int, code, message string) {
	h.logger.WithFields(map[string]interface{}{
		"status": statusCode,
		"code":   code,
	}).Warn(message)

	h.writeJSON(w, statusCode, ErrorResponse{Code: code, Message: message, Timestamp: time.Now().UTC()})
}
