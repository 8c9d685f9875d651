package outbound

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/eRegister/openmrs-module-labonfhir/pkg/logger"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/monitoring"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/types"
)

// ErrDispatcherClosed is returned by Dispatch after Close
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Sender delivers one order
type Sender interface {
	Send(ctx context.Context, taskID string) types.DeliveryOutcome
}

// Dispatcher runs deliveries on a bounded pool. Deliveries for the same order never overlap,
// whether they were queued with Dispatch or run inline with Run.
type Dispatcher struct {
	sender  Sender
	metrics *monitoring.MetricsCollector
	logger  *logger.Logger

	group *errgroup.Group
	locks *keyedMutex

	// pending counts queued deliveries per order; an order holds at most one worker
	queueMu sync.Mutex
	pending map[string]int

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher creates a dispatcher with at most workers concurrent deliveries
func NewDispatcher(sender Sender, workers int, metrics *monitoring.MetricsCollector, log *logger.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	g := &errgroup.Group{}
	g.SetLimit(workers)
	return &Dispatcher{
		sender:  sender,
		metrics: metrics,
		logger:  log,
		group:   g,
		locks:   newKeyedMutex(),
		pending: make(map[string]int),
	}
}

// Dispatch schedules a delivery of taskID. A delivery queued behind another one for the same
// order reuses that order's worker. Dispatch blocks while every worker is busy.
func (d *Dispatcher) Dispatch(taskID string) error {
	if taskID == "" {
		return types.NewValidationError(types.ErrCodeInvalidInput, "task id is required", nil)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	d.metrics.DispatchQueued(1)
	d.queueMu.Lock()
	d.pending[taskID]++
	queued := d.pending[taskID] > 1
	d.queueMu.Unlock()
	if queued {
		return nil
	}

	d.group.Go(func() error {
		d.drain(taskID)
		return nil
	})
	return nil
}

// drain delivers taskID until no delivery for it is pending
func (d *Dispatcher) drain(taskID string) {
	for {
		outcome := d.Run(context.Background(), taskID)
		d.metrics.DispatchQueued(-1)
		d.logger.WithTask(taskID).WithField("outcome", outcome).Debug("Dispatch finished")

		d.queueMu.Lock()
		d.pending[taskID]--
		if d.pending[taskID] == 0 {
			delete(d.pending, taskID)
			d.queueMu.Unlock()
			return
		}
		d.queueMu.Unlock()
	}
}

// Run delivers taskID on the calling goroutine, waiting for any delivery of the same order
// to finish first.
func (d *Dispatcher) Run(ctx context.Context, taskID string) types.DeliveryOutcome {
	unlock := d.locks.Lock(taskID)
	defer unlock()
	return d.sender.Send(ctx, taskID)
}

// Wait blocks until every accepted delivery has finished
func (d *Dispatcher) Wait() {
	_ = d.group.Wait()
}

// Close stops accepting work and drains in-flight deliveries
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.Wait()
}

// keyedMutex is a set of mutexes created on demand and dropped when unused
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires the mutex for key and returns its release function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
