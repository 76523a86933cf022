package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reactor/internal/message"
)

func TestBus_DeliversInSubscriptionOrder(t *testing.T) {
	b := New()
	var order []string

	b.On("network:online", func(message.Message) { order = append(order, "first") })
	b.On("network:online", func(message.Message) { order = append(order, "second") })
	b.OnAny(func(message.Message) { order = append(order, "any") })
	b.On("network:offline", func(message.Message) { order = append(order, "offline") })

	b.Emit(message.NetworkOnline{})

	assert.Equal(t, []string{"first", "second", "any"}, order)
}

func TestBus_HandlerPanicIsolated(t *testing.T) {
	b := New()
	var delivered []int

	b.On("network:online", func(message.Message) { delivered = append(delivered, 1) })
	b.On("network:online", func(message.Message) { panic("boom") })
	b.On("network:online", func(message.Message) { delivered = append(delivered, 3) })

	require.NotPanics(t, func() { b.Emit(message.NetworkOnline{}) })
	assert.Equal(t, []int{1, 3}, delivered)
}

func TestBus_EmitWithoutTypeIsNoop(t *testing.T) {
	b := New()
	called := false
	b.OnAny(func(message.Message) { called = true })

	require.NotPanics(t, func() {
		b.Emit(nil)
		b.Emit(message.Routed{})
	})
	assert.False(t, called)
}

func TestBus_UnsubscribeIdempotent(t *testing.T) {
	b := New()
	var a, c int

	unsubA := b.On("network:online", func(message.Message) { a++ })
	b.On("network:online", func(message.Message) { c++ })

	unsubA()
	require.NotPanics(t, unsubA)

	b.Emit(message.NetworkOnline{})
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, c)
	assert.Equal(t, 1, b.HandlerCount("network:online"))
}

func TestBus_UnsubscribeDuringEmit(t *testing.T) {
	b := New()
	var calls []string

	var unsubSecond func()
	b.On("network:online", func(message.Message) {
		calls = append(calls, "first")
		unsubSecond()
	})
	unsubSecond = b.On("network:online", func(message.Message) { calls = append(calls, "second") })

	b.Emit(message.NetworkOnline{})
	b.Emit(message.NetworkOnline{})

	// The first emit works on a snapshot, so the second handler still sees it.
	assert.Equal(t, []string{"first", "second", "first"}, calls)
}

func TestBus_Clear(t *testing.T) {
	b := New()
	called := 0
	b.On("network:online", func(message.Message) { called++ })
	b.OnAny(func(message.Message) { called++ })

	b.Clear()
	b.Emit(message.NetworkOnline{})

	assert.Zero(t, called)
	assert.Zero(t, b.HandlerCount("network:online"))
}
