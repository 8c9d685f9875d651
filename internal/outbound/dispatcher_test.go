package outbound

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/eRegister/openmrs-module-labonfhir/pkg/logger"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/monitoring"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/types"
)

// recordingSender tracks concurrency per order and overall
type recordingSender struct {
	delay time.Duration

	mu         sync.Mutex
	active     map[string]int
	overlapped bool
	sent       []string

	running int32
	peak    int32
}

func newRecordingSender(delay time.Duration) *recordingSender {
	return &recordingSender{delay: delay, active: make(map[string]int)}
}

func (s *recordingSender) Send(_ context.Context, taskID string) types.DeliveryOutcome {
	s.mu.Lock()
	s.active[taskID]++
	if s.active[taskID] > 1 {
		s.overlapped = true
	}
	s.mu.Unlock()

	n := atomic.AddInt32(&s.running, 1)
	for {
		peak := atomic.LoadInt32(&s.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&s.peak, peak, n) {
			break
		}
	}

	time.Sleep(s.delay)

	atomic.AddInt32(&s.running, -1)
	s.mu.Lock()
	s.active[taskID]--
	s.sent = append(s.sent, taskID)
	s.mu.Unlock()
	return types.DeliveryDelivered
}

func newTestDispatcher(sender Sender, workers int) *Dispatcher {
	return NewDispatcher(sender, workers, monitoring.NewMetricsCollector(nil), logger.Discard())
}

func TestDispatcher_DeliversEveryOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	sender := newRecordingSender(time.Millisecond)
	d := newTestDispatcher(sender, 4)

	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		require.NoError(t, d.Dispatch(id))
	}
	d.Close()

	assert.ElementsMatch(t, []string{"t1", "t2", "t3", "t4", "t5"}, sender.sent)
}

func TestDispatcher_SameOrderNeverOverlaps(t *testing.T) {
	defer goleak.VerifyNone(t)

	sender := newRecordingSender(5 * time.Millisecond)
	d := newTestDispatcher(sender, 8)

	for i := 0; i < 6; i++ {
		require.NoError(t, d.Dispatch("t1"))
	}
	d.Close()

	assert.False(t, sender.overlapped)
	assert.Len(t, sender.sent, 6)
}

func TestDispatcher_BoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	sender := newRecordingSender(5 * time.Millisecond)
	d := newTestDispatcher(sender, 2)

	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		require.NoError(t, d.Dispatch(id))
	}
	d.Close()

	assert.LessOrEqual(t, atomic.LoadInt32(&sender.peak), int32(2))
}

func TestDispatcher_RejectsAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := newTestDispatcher(newRecordingSender(0), 1)
	d.Close()

	assert.ErrorIs(t, d.Dispatch("t1"), ErrDispatcherClosed)
}

func TestDispatcher_RequiresTaskID(t *testing.T) {
	d := newTestDispatcher(newRecordingSender(0), 1)
	defer d.Close()

	err := d.Dispatch("")
	assert.True(t, types.IsType(err, types.ErrorTypeValidation))
}

func TestDispatcher_RunWaitsForQueuedDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)

	sender := newRecordingSender(20 * time.Millisecond)
	d := newTestDispatcher(sender, 4)

	var wg sync.WaitGroup
	require.NoError(t, d.Dispatch("t1"))
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, types.DeliveryDelivered, d.Run(context.Background(), "t1"))
		}()
	}
	require.NoError(t, d.Dispatch("t1"))
	wg.Wait()
	d.Close()

	assert.False(t, sender.overlapped)
	assert.Len(t, sender.sent, 4)
}

func TestDispatcher_BurstForOneOrderHoldsOneWorker(t *testing.T) {
	defer goleak.VerifyNone(t)

	sender := newRecordingSender(20 * time.Millisecond)
	d := newTestDispatcher(sender, 2)

	for i := 0; i < 4; i++ {
		require.NoError(t, d.Dispatch("t1"))
	}
	require.NoError(t, d.Dispatch("t2"))
	d.Close()

	require.Len(t, sender.sent, 5)
	assert.False(t, sender.overlapped)
	// t2 ran beside the first t1 delivery instead of queueing behind the burst
	assert.Contains(t, sender.sent[:2], "t2")
	assert.Equal(t, "t1", sender.sent[4])
}
