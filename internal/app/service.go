// Package app wires the lab sync collaborators together and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/eRegister/openmrs-module-labonfhir/internal/api"
	"github.com/eRegister/openmrs-module-labonfhir/internal/fhirstore"
	"github.com/eRegister/openmrs-module-labonfhir/internal/inbound"
	"github.com/eRegister/openmrs-module-labonfhir/internal/lis"
	"github.com/eRegister/openmrs-module-labonfhir/internal/outbound"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/config"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/database"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/fhirutil"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/logger"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/monitoring"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/repository"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/types"
)

// Version is reported by the health endpoint
var Version = "dev"

const serviceName = "labsync"

// Service holds every collaborator of both sync pipelines. It is built once at start up.
type Service struct {
	config *config.Config
	logger *logger.Logger

	db         *database.DB
	failures   repository.FailedDeliveryRepositoryInterface
	watermarks repository.WatermarkRepositoryInterface

	metrics *monitoring.MetricsCollector
	tracing *monitoring.TracingManager
	health  *monitoring.HealthManager

	dispatcher *outbound.Dispatcher
	poller     *inbound.TaskPoller
	resendMu   sync.Mutex

	server *http.Server
	stop   chan struct{}
	loops  sync.WaitGroup
}

// New connects to the sync database and builds the service from cfg
func New(cfg *config.Config, log *logger.Logger) (*Service, error) {
	db, err := database.NewConnection(&cfg.Database, log)
	if err != nil {
		return nil, err
	}
	if err := db.CreateSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	svc, err := NewWithDB(cfg, db, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	return svc, nil
}

// NewWithDB builds the service on an open database
func NewWithDB(cfg *config.Config, db *database.DB, log *logger.Logger) (*Service, error) {
	loc, err := cfg.Sync.Location()
	if err != nil {
		return nil, types.NewConfigurationError(types.ErrCodeInvalidConfig, fmt.Sprintf("unknown timezone %q", cfg.Sync.Timezone))
	}

	localURL, err := url.Parse(cfg.LocalFHIR.BaseURL)
	if err != nil {
		return nil, types.NewConfigurationError(types.ErrCodeInvalidConfig, "invalid local FHIR base URL")
	}
	lisURL, err := url.Parse(cfg.LIS.BaseURL)
	if err != nil {
		return nil, types.NewConfigurationError(types.ErrCodeInvalidConfig, "invalid LIS base URL")
	}

	tracing := monitoring.NewNoopTracingManager()
	if cfg.Tracing.Enabled {
		tracing, err = monitoring.NewTracingManager(&monitoring.TracingConfig{
			ServiceName:    serviceName,
			ServiceVersion: Version,
			JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
			Environment:    cfg.Tracing.Environment,
			SamplingRate:   cfg.Tracing.SampleRate,
		})
		if err != nil {
			return nil, err
		}
	}

	metrics := monitoring.NewMetricsCollector(nil)

	localHTTP := fhirutil.NewHTTPClient(fhirutil.Credentials{
		Username: cfg.LocalFHIR.Username,
		Password: cfg.LocalFHIR.Password,
	}, cfg.LocalFHIR.RequestTimeout())
	lisHTTP := fhirutil.NewHTTPClient(fhirutil.Credentials{
		Username:    cfg.LIS.Username,
		Password:    cfg.LIS.Password,
		JWTSecret:   cfg.LIS.JWTSecret,
		JWTIssuer:   cfg.LIS.JWTIssuer,
		JWTAudience: cfg.LIS.JWTAudience,
		JWTTTL:      time.Duration(cfg.LIS.JWTTTL) * time.Second,
	}, cfg.LIS.RequestTimeout())

	store := fhirstore.NewClientStore(localURL, localHTTP)
	lisClient := lis.NewClient(lisURL, lisHTTP)

	failures := repository.NewFailedDeliveryRepository(db, log)
	watermarks := repository.NewWatermarkRepository(db, log, loc)

	enricher := outbound.NewObservationEnricher(store, nil, log)
	assembler := outbound.NewBundleAssembler(store, enricher, outbound.AssemblerConfig{
		RequisitionSystem: cfg.Sync.RequisitionSystem,
		TriggerObject:     cfg.Sync.TriggerObject,
	}, log)
	transport := outbound.NewLisTransport(assembler, lisClient, failures, metrics, tracing, log, cfg.Sync.PushEnabled)
	dispatcher := outbound.NewDispatcher(transport, cfg.Sync.Workers, metrics, log)

	deriver := inbound.NewViralLoadDeriver(store, cfg.Sync.DerivedObservationsEnabled, metrics, log)
	merger := inbound.NewOutputMerger(lisClient, store, deriver, metrics, log)
	reconciler := inbound.NewTaskReconciler(store, merger, cfg.Sync.PersistStatusOnlyUpdates, metrics, log)
	poller := inbound.NewTaskPoller(lisClient, reconciler, watermarks, inbound.PollerConfig{
		TaskIdentifierSystem: cfg.Sync.TaskIdentifierSystem,
		LookbackYears:        cfg.Sync.LookbackYears,
	}, metrics, tracing, log)

	health := monitoring.NewHealthManager(serviceName, Version)
	health.RegisterChecker("database", monitoring.NewDatabaseHealthChecker(db))
	health.RegisterChecker("lis", monitoring.NewFHIREndpointChecker(lisClient.BaseURL(), lisHTTP, false))
	health.RegisterChecker("local_fhir", monitoring.NewFHIREndpointChecker(cfg.LocalFHIR.BaseURL, localHTTP, true))

	return &Service{
		config:     cfg,
		logger:     log,
		db:         db,
		failures:   failures,
		watermarks: watermarks,
		metrics:    metrics,
		tracing:    tracing,
		health:     health,
		dispatcher: dispatcher,
		poller:     poller,
		stop:       make(chan struct{}),
	}, nil
}

// Handler returns the operator API
func (s *Service) Handler() http.Handler {
	opts := api.Options{
		Dispatcher: s.dispatcher,
		Failures:   s.failures,
		Resender:   s,
		Health:     s.health,
		Metrics:    s.metrics,
		Tracing:    s.tracing,
		Paths: api.MonitoringPaths{
			Health:  s.config.Monitoring.HealthPath,
			Metrics: s.config.Monitoring.MetricsPath,
		},
		Logger: s.logger,
	}
	if s.config.Sync.PollingEnabled {
		opts.Poller = s.poller
	}
	return api.NewHandler(opts).Router()
}

// Start starts the poll loop and serves the operator API until Stop is called
func (s *Service) Start() error {
	if s.config.Sync.PollingEnabled {
		s.loops.Add(1)
		go s.pollLoop(s.config.Sync.Interval())
	}

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  time.Duration(s.config.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(s.config.Server.IdleTimeout) * time.Second,
	}

	s.logger.WithFields(map[string]interface{}{
		"addr":            addr,
		"push_enabled":    s.config.Sync.PushEnabled,
		"polling_enabled": s.config.Sync.PollingEnabled,
	}).Info("Starting lab sync service")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// pollLoop triggers a poll every interval. A tick that arrives while a run is active is
// dropped by the poller.
func (s *Service) pollLoop(interval time.Duration) {
	defer s.loops.Done()
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var runs sync.WaitGroup
	defer runs.Wait()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			runs.Add(1)
			go func() {
				defer runs.Done()
				if _, err := s.poller.Run(context.Background()); err != nil && !errors.Is(err, types.ErrRunInProgress) {
					s.logger.WithError(err).Error("Scheduled poll failed")
				}
			}()
		}
	}
}

// Stop shuts the API down, drains in-flight work and releases resources
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping lab sync service")
	close(s.stop)

	var errs []error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
	}

	s.loops.Wait()
	s.dispatcher.Close()

	if err := s.tracing.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}

// Push delivers one order synchronously, serialized with queued deliveries of the same order
func (s *Service) Push(ctx context.Context, taskID string) types.DeliveryOutcome {
	return s.dispatcher.Run(ctx, taskID)
}

// Poll runs one inbound poll
func (s *Service) Poll(ctx context.Context) (*types.PollResult, error) {
	return s.poller.Run(ctx)
}

// FailedDeliveries lists failures not yet resent
func (s *Service) FailedDeliveries(ctx context.Context, limit int) ([]*types.FailedDelivery, error) {
	return s.failures.ListUnsent(ctx, limit)
}

// ResendFailed retries up to limit logged failures. Each retried record is marked sent; a
// retry that fails again is logged as a new failure by the transport. It returns how many
// retries were delivered. Sweeps run one at a time so a record is never resent twice.
func (s *Service) ResendFailed(ctx context.Context, limit int) (int, error) {
	s.resendMu.Lock()
	defer s.resendMu.Unlock()

	deliveries, err := s.failures.ListUnsent(ctx, limit)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, d := range deliveries {
		outcome := s.dispatcher.Run(ctx, d.TaskID)
		if outcome == types.DeliverySkipped {
			break
		}
		if outcome == types.DeliveryDelivered {
			delivered++
		}
		if err := s.failures.MarkSent(ctx, d.ID); err != nil {
			return delivered, err
		}
	}
	return delivered, nil
}
