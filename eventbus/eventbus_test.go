package eventbus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := NewEventBus(DefaultOptions())
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	bus.Publish(Event{Kind: KindWorkflowStarted, CorrelationID: "exec-1"})

	select {
	case evt := <-ch:
		assert.Equal(t, KindWorkflowStarted, evt.Kind)
		assert.Equal(t, "exec-1", evt.CorrelationID)
		assert.NotEmpty(t, evt.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventBus_MultipleSubscribersEachReceive(t *testing.T) {
	bus := NewEventBus(DefaultOptions())
	ch1, unsub1 := bus.Subscribe()
	ch2, unsub2 := bus.Subscribe()
	defer unsub1()
	defer unsub2()

	bus.Publish(Event{Kind: KindAgentTurnStarted})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			assert.Equal(t, KindAgentTurnStarted, evt.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestEventBus_OverflowDropsOldestAndEmitsBusOverflow(t *testing.T) {
	opts := DefaultOptions()
	opts.SubscriberBufferSize = 1
	bus := NewEventBus(opts)

	overflowCh, unsubOverflow := bus.Subscribe()
	defer unsubOverflow()
	// drain the subscriber whose overflow we're testing separately
	dataCh, unsubData := bus.Subscribe()
	defer unsubData()

	bus.Publish(Event{Kind: KindAgentTurnStarted})
	bus.Publish(Event{Kind: KindAgentTurnCompleted}) // overflows dataCh's buffer of 1

	// dataCh should now hold only the newest event: the bus.overflow notice,
	// which itself displaced agent.turn.completed from the buffer of 1
	select {
	case evt := <-dataCh:
		assert.Equal(t, KindBusOverflow, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	foundOverflow := false
	for i := 0; i < 3; i++ {
		select {
		case evt := <-overflowCh:
			if evt.Kind == KindBusOverflow {
				foundOverflow = true
			}
		case <-time.After(100 * time.Millisecond):
		}
	}
	assert.True(t, foundOverflow, "expected a bus.overflow event")
}

func TestEventBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus(DefaultOptions())
	ch, unsubscribe := bus.Subscribe()
	unsubscribe()

	_, ok := <-ch
	require.False(t, ok)
}

func TestEventBus_MetricsRecordPublishAndSubscribers(t *testing.T) {
	metrics := NewMetrics("hector")
	opts := DefaultOptions()
	opts.Metrics = metrics
	bus := NewEventBus(opts)

	ch, unsubscribe := bus.Subscribe()
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.subscribers))

	bus.Publish(Event{Kind: KindWorkflowStarted})
	<-ch
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.published.WithLabelValues(string(KindWorkflowStarted))))

	unsubscribe()
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.subscribers))
}

func TestEventBus_NilMetricsIsNoOp(t *testing.T) {
	bus := NewEventBus(DefaultOptions())
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	bus.Publish(Event{Kind: KindWorkflowStarted})
	<-ch
}
