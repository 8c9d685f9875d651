package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// HealthCheck represents a single health check
type HealthCheck struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    time.Duration          `json:"duration"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// HealthReport represents the overall health report
type HealthReport struct {
	Status    HealthStatus   `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Service   string         `json:"service"`
	Version   string         `json:"version"`
	Checks    []HealthCheck  `json:"checks"`
	Summary   map[string]int `json:"summary"`
}

// HealthChecker interface for health check implementations
type HealthChecker interface {
	Check(ctx context.Context) HealthCheck
}

// HealthManager runs the registered checkers concurrently
type HealthManager struct {
	serviceName    string
	serviceVersion string
	checkers       map[string]HealthChecker
	mu             sync.RWMutex
	timeout        time.Duration
}

// NewHealthManager creates a new health manager
func NewHealthManager(serviceName, serviceVersion string) *HealthManager {
	return &HealthManager{
		serviceName:    serviceName,
		serviceVersion: serviceVersion,
		checkers:       make(map[string]HealthChecker),
		timeout:        10 * time.Second,
	}
}

// RegisterChecker registers a health checker
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = checker
}

// CheckHealth runs every checker concurrently under the manager timeout. Checks are reported
// in name order.
func (hm *HealthManager) CheckHealth(ctx context.Context) *HealthReport {
	hm.mu.RLock()
	names := make([]string, 0, len(hm.checkers))
	for name := range hm.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	checkers := make([]HealthChecker, len(names))
	for i, name := range names {
		checkers[i] = hm.checkers[name]
	}
	timeout := hm.timeout
	hm.mu.RUnlock()

	checks := make([]HealthCheck, len(names))
	var wg sync.WaitGroup
	for i := range checkers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			check := checkers[i].Check(checkCtx)
			check.Name = names[i]
			check.LastChecked = start
			check.Duration = time.Since(start)
			checks[i] = check
		}(i)
	}
	wg.Wait()

	report := &HealthReport{
		Service:   hm.serviceName,
		Version:   hm.serviceVersion,
		Timestamp: time.Now(),
		Checks:    checks,
		Summary:   make(map[string]int),
		Status:    HealthStatusHealthy,
	}
	for _, check := range checks {
		report.Summary[string(check.Status)]++
		if check.Status == HealthStatusUnhealthy {
			report.Status = HealthStatusUnhealthy
		} else if check.Status == HealthStatusDegraded && report.Status == HealthStatusHealthy {
			report.Status = HealthStatusDegraded
		}
	}
	return report
}

// HTTPHandler returns an HTTP handler for health checks
func (hm *HealthManager) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := hm.CheckHealth(r.Context())

		status := http.StatusOK
		if report.Status == HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(report)
	}
}

// Pinger is satisfied by the database handle
type Pinger interface {
	Health(ctx context.Context) error
}

// DatabaseHealthChecker checks the sync store connectivity
type DatabaseHealthChecker struct {
	db Pinger
}

// NewDatabaseHealthChecker creates a new database health checker
func NewDatabaseHealthChecker(db Pinger) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{db: db}
}

// Check performs the database health check
func (dhc *DatabaseHealthChecker) Check(ctx context.Context) HealthCheck {
	if err := dhc.db.Health(ctx); err != nil {
		return HealthCheck{
			Status:  HealthStatusUnhealthy,
			Message: fmt.Sprintf("Database connection failed: %v", err),
		}
	}
	return HealthCheck{Status: HealthStatusHealthy, Message: "Database connection healthy"}
}

// FHIREndpointChecker probes a FHIR server's capability statement
type FHIREndpointChecker struct {
	url    string
	client *http.Client
	// Critical endpoints report unhealthy on failure; others only degrade the service
	critical bool
}

// NewFHIREndpointChecker creates a checker for baseURL/metadata
func NewFHIREndpointChecker(baseURL string, client *http.Client, critical bool) *FHIREndpointChecker {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &FHIREndpointChecker{url: baseURL + "/metadata", client: client, critical: critical}
}

// Check performs the endpoint health check
func (fc *FHIREndpointChecker) Check(ctx context.Context) HealthCheck {
	check := HealthCheck{Details: map[string]interface{}{"url": fc.url}}
	failing := HealthStatusDegraded
	if fc.critical {
		failing = HealthStatusUnhealthy
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fc.url, nil)
	if err != nil {
		check.Status = failing
		check.Message = fmt.Sprintf("Failed to create request: %v", err)
		return check
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := fc.client.Do(req)
	if err != nil {
		check.Status = failing
		check.Message = fmt.Sprintf("FHIR endpoint unreachable: %v", err)
		return check
	}
	defer resp.Body.Close()

	check.Details["status_code"] = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		check.Status = HealthStatusHealthy
		check.Message = "FHIR endpoint healthy"
	} else {
		check.Status = failing
		check.Message = fmt.Sprintf("FHIR endpoint returned %d", resp.StatusCode)
	}
	return check
}
