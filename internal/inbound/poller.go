// Package inbound pulls completed lab orders from the LIS and merges their results into
// the local record.
package inbound

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
	"go.opentelemetry.io/otel/attribute"

	"github.com/eRegister/openmrs-module-labonfhir/pkg/logger"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/monitoring"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/repository"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/types"
)

// lastUpdatedLayout is the UTC instant format of the _lastUpdated bounds
const lastUpdatedLayout = "2006-01-02T15:04:05Z"

// TaskSource searches the LIS for orders and follows result pages
type TaskSource interface {
	SearchTasks(ctx context.Context, params url.Values) (*fhir.Bundle, error)
	NextPage(ctx context.Context, page *fhir.Bundle) (*fhir.Bundle, bool, error)
}

// PageReconciler applies fetched result pages
type PageReconciler interface {
	Reconcile(ctx context.Context, pages []*fhir.Bundle) (ReconcileSummary, error)
}

// PollerConfig holds the query settings of a poll run
type PollerConfig struct {
	TaskIdentifierSystem string
	// LookbackYears bounds the first run when no watermark exists
	LookbackYears int
}

// TaskPoller runs incremental polls of the LIS. Runs never overlap.
type TaskPoller struct {
	source     TaskSource
	reconciler PageReconciler
	watermarks repository.WatermarkRepositoryInterface
	config     PollerConfig
	metrics    *monitoring.MetricsCollector
	tracing    *monitoring.TracingManager
	logger     *logger.Logger

	now     func() time.Time
	running atomic.Bool
}

// NewTaskPoller creates a new poller
func NewTaskPoller(
	source TaskSource,
	reconciler PageReconciler,
	watermarks repository.WatermarkRepositoryInterface,
	cfg PollerConfig,
	metrics *monitoring.MetricsCollector,
	tracing *monitoring.TracingManager,
	log *logger.Logger,
) *TaskPoller {
	if cfg.LookbackYears <= 0 {
		cfg.LookbackYears = 5
	}
	return &TaskPoller{
		source:     source,
		reconciler: reconciler,
		watermarks: watermarks,
		config:     cfg,
		metrics:    metrics,
		tracing:    tracing,
		logger:     log,
		now:        time.Now,
	}
}

// Run performs one poll. It returns types.ErrRunInProgress without doing anything when
// another run is active. The watermark only advances when the whole run succeeds.
func (p *TaskPoller) Run(ctx context.Context) (*types.PollResult, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.metrics.RecordPollDropped()
		p.logger.WithComponent("task_poller").Warn("Previous poll still running, dropping trigger")
		return nil, types.ErrRunInProgress
	}
	defer p.running.Store(false)

	ctx, span := p.tracing.StartSpan(ctx, "labsync.poll")
	defer span.End()

	start := p.now()
	result, err := p.run(ctx, start)
	duration := p.now().Sub(start)

	status := "success"
	if err != nil {
		status = "error"
		p.tracing.RecordError(span, err)
	}
	p.metrics.RecordPollRun(status, duration)

	lower, upper := "", ""
	pages, tasks := 0, 0
	if result != nil {
		lower, upper = formatBound(result.LowerBound), formatBound(result.UpperBound)
		pages, tasks = result.Pages, result.Tasks
		span.SetAttributes(attribute.Int("labsync.poll.pages", pages), attribute.Int("labsync.poll.tasks", tasks))
	}
	p.logger.PollRun(ctx, lower, upper, pages, tasks, duration.Milliseconds(), err)
	return result, err
}

func (p *TaskPoller) run(ctx context.Context, upper time.Time) (*types.PollResult, error) {
	lower, err := p.lowerBound(ctx, upper)
	if err != nil {
		return nil, err
	}
	result := &types.PollResult{LowerBound: lower, UpperBound: upper}

	pages, err := p.fetch(ctx, lower, upper)
	result.Pages = len(pages)
	if err != nil {
		return result, err
	}

	summary, err := p.reconciler.Reconcile(ctx, pages)
	result.Tasks = summary.Tasks
	result.Updated = summary.Updated
	result.Unchanged = summary.Unchanged
	result.Skipped = summary.NoMatch
	result.Failed = summary.Failed
	if err != nil {
		return result, fmt.Errorf("reconcile: %w", err)
	}

	if err := p.watermarks.Advance(ctx, upper); err != nil {
		return result, fmt.Errorf("advance watermark: %w", err)
	}
	return result, nil
}

func (p *TaskPoller) lowerBound(ctx context.Context, now time.Time) (time.Time, error) {
	last, err := p.watermarks.Last(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("read watermark: %w", err)
	}
	if last == nil {
		return now.AddDate(-p.config.LookbackYears, 0, 0), nil
	}
	return last.RequestDate, nil
}

// fetch reads every page of the completed-order search for [lower, upper]
func (p *TaskPoller) fetch(ctx context.Context, lower, upper time.Time) ([]*fhir.Bundle, error) {
	page, err := p.source.SearchTasks(ctx, SearchParams(p.config.TaskIdentifierSystem, lower, upper))
	if err != nil {
		return nil, fmt.Errorf("search completed tasks: %w", err)
	}

	pages := []*fhir.Bundle{page}
	for {
		next, ok, err := p.source.NextPage(ctx, page)
		if err != nil {
			return pages, fmt.Errorf("fetch page %d: %w", len(pages)+1, err)
		}
		if !ok {
			return pages, nil
		}
		pages = append(pages, next)
		page = next
	}
}

// SearchParams builds the completed-order query. Both bounds are sent as UTC instants.
func SearchParams(identifierSystem string, lower, upper time.Time) url.Values {
	return url.Values{
		"identifier":   {identifierSystem + "|"},
		"status":       {fhir.TaskStatusCompleted.Code()},
		"_lastUpdated": {"ge" + formatBound(lower), "le" + formatBound(upper)},
	}
}

func formatBound(t time.Time) string {
	return t.UTC().Format(lastUpdatedLayout)
}
