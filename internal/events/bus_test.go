package events_test

import (
	"testing"
	"time"

	"codeberg.org/mutker/axectl/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	bus := events.NewBus()
	a := bus.Subscribe(4)
	b := bus.Subscribe(4)

	ev := events.AdjustmentApplied{
		Old:    events.Setting{VoltageMV: 1200, FrequencyMHz: 500},
		New:    events.Setting{VoltageMV: 1200, FrequencyMHz: 475},
		Reason: events.ReasonOverTemperature,
		At:     time.Now(),
	}
	bus.Publish(ev)

	assert.Equal(t, ev, <-a, "Expected the first subscriber to receive the event")
	assert.Equal(t, ev, <-b, "Expected the second subscriber to receive the event")
	assert.Zero(t, bus.Dropped())
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := events.NewBus()
	slow := bus.Subscribe(2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			bus.Publish(events.TelemetryFault{Count: i + 1, Threshold: 5})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected publishing to a full subscriber to return immediately")
	}

	assert.Equal(t, uint64(8), bus.Dropped(), "Expected overflow beyond the buffer to be counted")
	assert.Len(t, slow, 2, "Expected the buffer to hold the first events")
}

func TestSubscribeBufferDefault(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe(0)

	for i := 0; i < 64; i++ {
		bus.Publish(events.StagnationReset{Cycle: i})
	}

	assert.Zero(t, bus.Dropped(), "Expected the default buffer to absorb the burst")
	assert.Len(t, ch, 64)
}

func TestCloseEndsSubscribers(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe(1)

	bus.Publish(events.RankingDegraded{Candidates: 3})
	bus.Close()

	ev, ok := <-ch
	require.True(t, ok, "Expected the buffered event to survive the close")
	assert.Equal(t, events.KindRankingDegraded, ev.Kind())

	_, ok = <-ch
	assert.False(t, ok, "Expected the channel closed after draining")

	// Publishing and closing again are harmless.
	bus.Publish(events.RankingDegraded{Candidates: 3})
	bus.Close()
	assert.Zero(t, bus.Dropped())
}

func TestSubscribeAfterClose(t *testing.T) {
	bus := events.NewBus()
	bus.Close()

	ch := bus.Subscribe(1)
	_, ok := <-ch
	assert.False(t, ok, "Expected a closed channel from a closed bus")
}
