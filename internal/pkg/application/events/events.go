// Package events carries state updates from the device session to whoever
// broadcasts them. The bus is deliberately small: a single bounded queue fed
// by the session and drained by one consumer, so update order always matches
// the order mutations were applied in.
package events

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/labctrl/instrument-mgmt/internal/pkg/infrastructure/logging"
	"github.com/labctrl/instrument-mgmt/pkg/types"
)

// Broadcaster is the downstream side of the bus, implemented by the
// websocket layer.
type Broadcaster interface {
	Broadcast(event types.UpdateEvent)
}

// Publisher is the upstream side, what the device controllers hold. Bus
// implements it; tests substitute their own.
type Publisher interface {
	Publish(event types.UpdateEvent)
}

const queueDepth = 64

// Bus decouples update producers from the broadcast path. Publish never
// blocks the caller: when the queue is full the oldest pending update is
// dropped to make room, which favors fresh state over a complete history.
type Bus struct {
	queue    chan types.UpdateEvent
	dropped  atomic.Int64
	lastDrop atomic.Int64
}

func NewBus() *Bus {
	return &Bus{
		queue: make(chan types.UpdateEvent, queueDepth),
	}
}

// Publish enqueues an update without blocking. Only the session goroutine
// publishes, so drop-oldest keeps the survivors in source order.
func (b *Bus) Publish(event types.UpdateEvent) {
	for {
		select {
		case b.queue <- event:
			return
		default:
		}

		select {
		case <-b.queue:
			b.dropped.Add(1)
			b.logDrop()
		default:
		}
	}
}

// logDrop reports at most one drop warning per second; a full queue under
// load would otherwise flood the log with one line per drop.
func (b *Bus) logDrop() {
	now := time.Now().UnixNano()
	last := b.lastDrop.Load()
	if now-last < int64(time.Second) || !b.lastDrop.CompareAndSwap(last, now) {
		return
	}
	log.Warn().Int64("dropped", b.dropped.Load()).Msg("update bus full, dropping oldest")
}

// Run drains the queue into the broadcaster until ctx is cancelled. It is
// the only consumer, which preserves publish order end to end.
func (b *Bus) Run(ctx context.Context, broadcaster Broadcaster) {
	logger := logging.GetLoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			if n := b.dropped.Load(); n > 0 {
				logger.Warn().Int64("dropped", n).Msg("update bus dropped events under load")
			}
			return
		case event := <-b.queue:
			broadcaster.Broadcast(event)
		}
	}
}

// Pending reports how many updates are queued but not yet broadcast.
func (b *Bus) Pending() int {
	return len(b.queue)
}

// Dropped reports how many updates were discarded because the queue was
// full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
