package events

import "testing"

func TestBusTopicFiltering(t *testing.T) {
	bus := NewBus()
	orders, unsubOrders := bus.Subscribe(4, EventOrderUpdate)
	defer unsubOrders()
	all, unsubAll := bus.Subscribe(4)
	defer unsubAll()

	bus.Publish(EventPriceTick, "tick")
	bus.Publish(EventOrderUpdate, "order")

	select {
	case msg := <-orders:
		if msg.Topic != EventOrderUpdate || msg.Payload != "order" {
			t.Fatalf("unexpected message %+v", msg)
		}
	default:
		t.Fatalf("order subscriber got nothing")
	}
	if len(orders) != 0 {
		t.Fatalf("order subscriber received a filtered topic")
	}
	if len(all) != 2 {
		t.Fatalf("wildcard subscriber has %d messages, expected 2", len(all))
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe(1, EventHalt)
	defer unsub()

	bus.Publish(EventHalt, 1)
	bus.Publish(EventHalt, 2)

	if got := bus.Dropped(); got != 1 {
		t.Fatalf("Dropped=%d, expected 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	bus.Publish(EventHalt, nil)
}
