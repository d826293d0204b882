package events_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/sharebridge/internal/events"
	"github.com/NamanBalaji/sharebridge/internal/status"
)

func receive(t *testing.T, sub *events.Subscription) events.TaskChanged {
	t.Helper()

	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription channel closed")
		return ev
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	return events.TaskChanged{}
}

func TestSubscribe_SnapshotThenDeltas(t *testing.T) {
	bus := events.NewBus(4)
	a, b := uuid.New(), uuid.New()

	sub := bus.Subscribe(func() []events.TaskChanged {
		return []events.TaskChanged{
			{TaskID: a, Version: 3, State: status.Downloading},
			{TaskID: b, Version: 1, State: status.Queued},
		}
	})
	defer sub.Close()

	first := receive(t, sub)
	assert.True(t, first.Snapshot)
	assert.Equal(t, a, first.TaskID)

	second := receive(t, sub)
	assert.True(t, second.Snapshot)
	assert.Equal(t, b, second.TaskID)

	bus.Publish(events.TaskChanged{TaskID: a, Version: 4, State: status.Completed})

	delta := receive(t, sub)
	assert.False(t, delta.Snapshot)
	assert.Equal(t, status.Completed, delta.State)
	assert.False(t, delta.At.IsZero())
}

func TestSubscribe_DeltasRacingSnapshotAreFiltered(t *testing.T) {
	bus := events.NewBus(4)
	id := uuid.New()

	sub := bus.Subscribe(func() []events.TaskChanged {
		// one change lands before the snapshot reads the row, one after
		bus.Publish(events.TaskChanged{TaskID: id, Version: 2, State: status.Resolving})
		snap := []events.TaskChanged{{TaskID: id, Version: 2, State: status.Resolving}}
		bus.Publish(events.TaskChanged{TaskID: id, Version: 3, State: status.Downloading})

		return snap
	})
	defer sub.Close()

	snap := receive(t, sub)
	assert.True(t, snap.Snapshot)
	assert.Equal(t, uint64(2), snap.Version)

	next := receive(t, sub)
	assert.Equal(t, uint64(3), next.Version)
	assert.Equal(t, status.Downloading, next.State)

	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected extra event %+v", ev)
	default:
	}
}

func TestPublish_SlowSubscriberDropsAndIsCounted(t *testing.T) {
	bus := events.NewBus(2)
	id := uuid.New()

	slow := bus.Subscribe(nil)
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		for v := uint64(1); v <= 10; v++ {
			bus.Publish(events.TaskChanged{TaskID: id, Version: v})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	assert.Equal(t, uint64(8), slow.Dropped())
	assert.Equal(t, uint64(8), bus.Dropped())

	// per-task order is kept for what was delivered
	assert.Equal(t, uint64(1), receive(t, slow).Version)
	assert.Equal(t, uint64(2), receive(t, slow).Version)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	bus := events.NewBus(1)

	sub := bus.Subscribe(nil)
	assert.Equal(t, 1, bus.Subscribers())

	sub.Close()
	assert.Equal(t, 0, bus.Subscribers())

	_, ok := <-sub.C()
	assert.False(t, ok)

	// closing twice is harmless
	sub.Close()

	other := bus.Subscribe(nil)
	bus.Close()

	_, ok = <-other.C()
	assert.False(t, ok)

	late := bus.Subscribe(nil)
	_, ok = <-late.C()
	assert.False(t, ok)

	bus.Publish(events.TaskChanged{TaskID: uuid.New()})
}
