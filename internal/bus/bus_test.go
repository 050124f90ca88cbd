package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusPublishSubscribe(t *testing.T) {
	b := New()

	var got []any
	b.Subscribe("evt", func(payload any) {
		got = append(got, payload)
	})

	b.Publish("evt", 1)
	b.Publish("evt", 2)
	b.Publish("other", 3)

	require.Equal(t, []any{1, 2}, got)
}

func TestBusUnsubscribe(t *testing.T) {
	b := New()

	calls := 0
	unsub := b.Subscribe("evt", func(any) { calls++ })
	require.Equal(t, 1, b.SubscriberCount("evt"))

	b.Publish("evt", nil)
	unsub()
	unsub() // second call is a no-op
	b.Publish("evt", nil)

	require.Equal(t, 1, calls)
	require.Equal(t, 0, b.SubscriberCount("evt"))
}

func TestBusMultipleSubscribers(t *testing.T) {
	b := New()

	a, c := 0, 0
	b.Subscribe("evt", func(any) { a++ })
	b.Subscribe("evt", func(any) { c++ })

	b.Publish("evt", nil)
	require.Equal(t, 1, a)
	require.Equal(t, 1, c)
}

func TestBusPublishWithoutSubscribers(t *testing.T) {
	b := New()
	b.Publish("nobody", "payload")
	require.Equal(t, 0, b.SubscriberCount("nobody"))
}
