package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewInMemoryBus()
	var got []string

	bus.Subscribe("order-approved", func(payload map[string]any) {
		got = append(got, "first:"+payload["orderId"].(string))
	})
	bus.Subscribe("order-approved", func(payload map[string]any) {
		got = append(got, "second:"+payload["orderId"].(string))
	})

	bus.Publish("order-approved", map[string]any{"orderId": "o-1"})

	assert.Equal(t, []string{"first:o-1", "second:o-1"}, got)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewInMemoryBus()
	calls := 0

	unsubscribe := bus.Subscribe("ping", func(payload map[string]any) { calls++ })
	bus.Publish("ping", nil)
	unsubscribe()
	bus.Publish("ping", nil)

	assert.Equal(t, 1, calls)
}

func TestPublishUnknownTopicIsNoop(t *testing.T) {
	bus := NewInMemoryBus()
	bus.Publish("nobody-listens", map[string]any{"x": 1})
}
