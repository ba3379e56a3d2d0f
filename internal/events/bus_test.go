package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesEvents(t *testing.T) {
	bus := NewBus()

	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.DetectionStarted("station-1", "track-1", time.Now())

	ev := <-ch
	assert.Equal(t, TypeDetectionStarted, ev.Type)
	assert.Equal(t, "station-1", ev.StationID)
	assert.Equal(t, "track-1", ev.TrackID)
}

func TestPublishFansOut(t *testing.T) {
	bus := NewBus()

	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	bus.StationDegraded("station-1", "stream unreachable")

	ev1 := <-ch1
	ev2 := <-ch2
	assert.Equal(t, TypeStationDegraded, ev1.Type)
	assert.Equal(t, ev1.Reason, ev2.Reason)
}

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	bus := NewBus()

	done := make(chan struct{})
	go func() {
		bus.DetectionFinalized("d1", "s1", "t1", 120, 0.9, "acoustid")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()

	_, cancel := bus.Subscribe()
	defer cancel()

	// overfill the subscriber buffer; publishes must keep returning
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.StationDegraded("station-1", "flood")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	assert.Positive(t, bus.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()

	ch, cancel := bus.Subscribe()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// double cancel is safe
	cancel()
}

func TestFinalizedEventFields(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.DetectionFinalized("det-1", "station-1", "track-1", 95.5, 0.88, "local_exact")

	ev := <-ch
	require.Equal(t, TypeDetectionFinalized, ev.Type)
	assert.Equal(t, "det-1", ev.DetectionID)
	assert.InDelta(t, 95.5, ev.Duration, 1e-9)
	assert.InDelta(t, 0.88, ev.Confidence, 1e-9)
	assert.Equal(t, "local_exact", ev.Method)
	assert.False(t, ev.Time.IsZero())
}
