package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOutToIndependentSubscribers(t *testing.T) {
	bus := NewBus(nil)
	ui := bus.Subscribe("ui", 4, Signal, Exit)
	logger := bus.Subscribe("logger", 4)
	monitor := bus.Subscribe("monitor", 4, Price)

	bus.Publish(Event{Type: Signal, Symbol: "btcidr", Payload: 1})
	bus.Publish(Event{Type: Price, Symbol: "btcidr", Payload: 2.0})

	ev := <-ui.C
	assert.Equal(t, Signal, ev.Type)
	assert.False(t, ev.Timestamp.IsZero())

	assert.Equal(t, Signal, (<-logger.C).Type)
	assert.Equal(t, Price, (<-logger.C).Type)
	assert.Equal(t, Price, (<-monitor.C).Type)

	select {
	case ev := <-ui.C:
		t.Fatalf("unexpected event %v", ev.Type)
	default:
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe("slow", 1)

	bus.Publish(Event{Type: Trade})
	bus.Publish(Event{Type: Trade})

	require.Len(t, sub.C, 1)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe("x", 1)
	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)

	_, ok := <-sub.C
	assert.False(t, ok)

	// 取消订阅之后发布不会 panic
	bus.Publish(Event{Type: Trade})
}
