package feed

import (
	"testing"
	"time"

	"marketflow/config"
	"marketflow/internal/model"
)

func testBroadcast(buffer int) *Broadcast {
	return NewBroadcast(&config.Config{
		Channels: config.ChannelsConfig{BroadcastBuffer: buffer},
	})
}

func tickFor(code string, price int64) model.RealtimeTick {
	return model.RealtimeTick{
		StockCode:    code,
		CurrentPrice: price,
		EventTime:    time.Now(),
		TickType:     model.TickTypeTrade,
	}
}

func TestBroadcastFanOut(t *testing.T) {
	b := testBroadcast(4)
	first, cancelFirst := b.Subscribe()
	second, cancelSecond := b.Subscribe()
	defer cancelFirst()
	defer cancelSecond()

	b.Publish(tickFor("005930", 72000))

	for _, ch := range []<-chan model.RealtimeTick{first, second} {
		select {
		case tick := <-ch:
			if tick.StockCode != "005930" {
				t.Errorf("unexpected tick: %+v", tick)
			}
		default:
			t.Fatal("subscriber did not receive the tick")
		}
	}
}

func TestBroadcastDropsOldestWhenFull(t *testing.T) {
	b := testBroadcast(2)
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(tickFor("005930", 1))
	b.Publish(tickFor("005930", 2))
	b.Publish(tickFor("005930", 3))

	got := (<-ch).CurrentPrice
	if got != 2 {
		t.Errorf("expected oldest tick evicted, first received price %d", got)
	}
	if (<-ch).CurrentPrice != 3 {
		t.Error("newest tick missing")
	}
}

func TestBroadcastCancelClosesChannel(t *testing.T) {
	b := testBroadcast(2)
	ch, cancel := b.Subscribe()

	cancel()

	if _, open := <-ch; open {
		t.Error("expected channel closed after cancel")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("subscriber still registered: %d", b.SubscriberCount())
	}

	// Publishing with no subscribers must not panic.
	b.Publish(tickFor("005930", 1))

	// Cancelling twice is safe.
	cancel()
}
