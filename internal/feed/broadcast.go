package feed

import (
	"sync"

	"marketflow/config"
	"marketflow/internal/model"
	"marketflow/logger"
)

// Broadcast fans applied ticks out to in-process subscribers such as the
// archive writer. Subscriber channels are bounded; when one falls behind its
// oldest buffered tick is dropped so a slow consumer never stalls the
// pipeline.
type Broadcast struct {
	buffer int
	log    *logger.Log

	mu   sync.RWMutex
	subs map[int]chan model.RealtimeTick
	next int
}

func NewBroadcast(cfg *config.Config) *Broadcast {
	return &Broadcast{
		buffer: cfg.Channels.BroadcastBuffer,
		log:    logger.GetLogger(),
		subs:   make(map[int]chan model.RealtimeTick),
	}
}

// Subscribe registers a new receiver. The returned cancel function must be
// called when the receiver is done; the channel is closed at that point.
func (b *Broadcast) Subscribe() (<-chan model.RealtimeTick, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan model.RealtimeTick, b.buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers a tick to every subscriber without blocking.
func (b *Broadcast) Publish(tick model.RealtimeTick) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- tick:
		default:
			// Full buffer: evict the oldest tick to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- tick:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of registered receivers.
func (b *Broadcast) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
