package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goredis/internal/protocol"
)

func TestPublishAdvancesOffsetMonotonically(t *testing.T) {
	bus := NewBus()
	o1 := bus.Publish(protocol.Command{ByteSize: 10})
	o2 := bus.Publish(protocol.Command{ByteSize: 5})
	require.Equal(t, uint64(10), o1)
	require.Equal(t, uint64(15), o2)
	require.Equal(t, uint64(15), bus.Offset())
}

func TestSubscriberReceivesInPublishOrder(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	bus.Publish(protocol.Command{Argv: []string{"SET", "a", "1"}, ByteSize: 1})
	bus.Publish(protocol.Command{Argv: []string{"SET", "b", "2"}, ByteSize: 1})

	first := <-sub.C
	second := <-sub.C
	require.Equal(t, "a", first.Argv[1])
	require.Equal(t, "b", second.Argv[1])
}

func TestSlowSubscriberIsDroppedWithoutBlockingFastOnes(t *testing.T) {
	bus := NewBus()
	slow := bus.Subscribe()
	fast := bus.Subscribe()
	defer fast.Unsubscribe()

	for i := 0; i < subscriberCapacity+10; i++ {
		bus.Publish(protocol.Command{ByteSize: 1})
	}

	select {
	case <-slow.Lagged():
	case <-time.After(time.Second):
		t.Fatal("expected slow subscriber to be marked lagged")
	}

	drained := 0
	for {
		select {
		case <-fast.C:
			drained++
		default:
			require.Greater(t, drained, 0)
			return
		}
	}
}
