package events

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/labctrl/instrument-mgmt/pkg/types"
)

type collectingBroadcaster struct {
	mu     sync.Mutex
	events []types.UpdateEvent
}

func (c *collectingBroadcaster) Broadcast(event types.UpdateEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *collectingBroadcaster) snapshot() []types.UpdateEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.UpdateEvent, len(c.events))
	copy(out, c.events)
	return out
}

func TestBusPreservesPublishOrder(t *testing.T) {
	is := is.New(t)

	bus := NewBus()
	sink := &collectingBroadcaster{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		bus.Run(ctx, sink)
	}()

	for i := int64(0); i < 10; i++ {
		bus.Publish(types.ParameterChanged{Name: "position", Value: i})
	}

	deadline := time.Now().Add(time.Second)
	for len(sink.snapshot()) < 10 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	got := sink.snapshot()
	is.Equal(len(got), 10)
	for i, ev := range got {
		is.Equal(ev.Body()["position"], int64(i))
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	is := is.New(t)

	bus := NewBus()

	// Nothing is draining; publishing far beyond capacity must return.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int64(0); i < 1000; i++ {
			bus.Publish(types.ParameterChanged{Name: "velocity", Value: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full queue")
	}

	is.True(bus.Dropped() > 0)
	is.Equal(bus.Pending(), queueDepth)
}

func TestBusLogsDropsAsTheyHappen(t *testing.T) {
	is := is.New(t)

	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	bus := NewBus()
	for i := int64(0); i < queueDepth*3; i++ {
		bus.Publish(types.ParameterChanged{Name: "position", Value: i})
	}

	is.True(bus.Dropped() > 0)
	// One warning per second, not one per drop.
	is.Equal(strings.Count(buf.String(), "update bus full"), 1)
}

func TestBusDropsOldestFirst(t *testing.T) {
	is := is.New(t)

	bus := NewBus()
	for i := int64(0); i < queueDepth+16; i++ {
		bus.Publish(types.ParameterChanged{Name: "n", Value: i})
	}

	sink := &collectingBroadcaster{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		bus.Run(ctx, sink)
	}()

	deadline := time.Now().Add(time.Second)
	for len(sink.snapshot()) < queueDepth && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	got := sink.snapshot()
	is.Equal(len(got), queueDepth)
	// The survivors are the newest updates, still in order.
	is.Equal(got[len(got)-1].Body()["n"], int64(queueDepth+15))
	for i := 1; i < len(got); i++ {
		prev := got[i-1].Body()["n"].(int64)
		cur := got[i].Body()["n"].(int64)
		is.True(cur > prev)
	}
}
