package event_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/event"
)

func TestBus_TopicIsolation(t *testing.T) {
	bus := event.NewBus(event.BusConfig{BufferSize: 4})
	defer bus.Close()

	a := bus.Subscribe("cap-a")
	b := bus.Subscribe("cap-b")

	bus.Publish("cap-a", event.New("cap-a", event.TypeStatus, map[string]string{"status": "processing"}))

	select {
	case evt := <-a.Events():
		assert.Equal(t, event.TypeStatus, evt.Type)
		assert.Equal(t, "cap-a", evt.Topic)
		assert.NotEmpty(t, evt.ID)
	default:
		t.Fatal("expected event on cap-a")
	}

	select {
	case evt := <-b.Events():
		t.Fatalf("unexpected event on cap-b: %+v", evt)
	default:
	}
}

func TestBus_FanOut(t *testing.T) {
	bus := event.NewBus(event.DefaultBusConfig)
	defer bus.Close()

	subs := []*event.Subscription{bus.Subscribe("cap"), bus.Subscribe("cap"), bus.Subscribe("cap")}
	assert.Equal(t, 3, bus.Subscribers("cap"))

	event.BusSink(bus, "cap").Emit(event.New("cap", event.TypeProgress, nil))

	for _, s := range subs {
		require.Len(t, s.Events(), 1)
	}
}

func TestBus_DropsWhenFull(t *testing.T) {
	var dropped atomic.Int32
	bus := event.NewBus(event.BusConfig{
		BufferSize: 1,
		OnDrop:     func(event.Event, int64) { dropped.Add(1) },
	})
	defer bus.Close()

	sub := bus.Subscribe("cap")
	for i := 0; i < 5; i++ {
		bus.Publish("cap", event.New("cap", event.TypeProgress, i))
	}

	assert.Len(t, sub.Events(), 1)
	assert.Equal(t, int32(4), dropped.Load())
}

func TestBus_TerminalEventEvictsOldest(t *testing.T) {
	var dropped []event.Type
	bus := event.NewBus(event.BusConfig{
		BufferSize: 1,
		OnDrop:     func(evt event.Event, _ int64) { dropped = append(dropped, evt.Type) },
	})
	defer bus.Close()

	sub := bus.Subscribe("cap")
	bus.Publish("cap", event.New("cap", event.TypeProgress, 1))
	bus.Publish("cap", event.New("cap", event.TypeComplete, nil))

	require.Len(t, sub.Events(), 1)
	evt := <-sub.Events()
	assert.Equal(t, event.TypeComplete, evt.Type)
	assert.Equal(t, []event.Type{event.TypeProgress}, dropped)
}

func TestBus_StreamEndsWhenBufferFull(t *testing.T) {
	bus := event.NewBus(event.BusConfig{BufferSize: 2})
	defer bus.Close()

	sub := bus.Subscribe("cap")
	for i := 0; i < 10; i++ {
		bus.Publish("cap", event.New("cap", event.TypeProgress, i))
	}
	bus.Publish("cap", event.New("cap", event.TypeError, "boom"))

	var last event.Event
	for i := 0; i < 2; i++ {
		last = <-sub.Events()
	}
	assert.Equal(t, event.TypeError, last.Type)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := event.NewBus(event.DefaultBusConfig)
	defer bus.Close()

	sub := bus.Subscribe("cap")
	sub.Unsubscribe()
	sub.Unsubscribe()

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.Equal(t, 0, bus.Subscribers("cap"))

	assert.NotPanics(t, func() {
		bus.Publish("cap", event.New("cap", event.TypeComplete, nil))
	})
}

func TestBus_Close(t *testing.T) {
	bus := event.NewBus(event.DefaultBusConfig)
	sub := bus.Subscribe("cap")

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	_, open := <-sub.Events()
	assert.False(t, open)

	late := bus.Subscribe("cap")
	_, open = <-late.Events()
	assert.False(t, open)
	assert.NotPanics(t, func() { sub.Unsubscribe() })
}

func TestEvent_Helpers(t *testing.T) {
	assert.True(t, event.TypeComplete.Terminal())
	assert.True(t, event.TypeError.Terminal())
	assert.False(t, event.TypeProgress.Terminal())

	evt := event.New("cap", event.TypeProgress, map[string]any{"percent": 50})
	data, err := evt.DataBytes()
	require.NoError(t, err)
	assert.JSONEq(t, `{"percent":50}`, string(data))

	var got []event.Type
	sink := event.Tee(
		event.SinkFunc(func(e event.Event) { got = append(got, e.Type) }),
		event.Discard,
		event.SinkFunc(func(e event.Event) { got = append(got, e.Type) }),
	)
	sink.Emit(evt)
	assert.Equal(t, []event.Type{event.TypeProgress, event.TypeProgress}, got)
}

func TestTopicSink_RoutesByEventTopic(t *testing.T) {
	bus := event.NewBus(event.DefaultBusConfig)
	defer bus.Close()

	a := bus.Subscribe("cap-a")
	b := bus.Subscribe("cap-b")

	sink := event.TopicSink(bus)
	sink.Emit(event.New("cap-a", event.TypeStatus, nil))
	sink.Emit(event.New("cap-b", event.TypeProgress, nil))
	sink.Emit(event.New("cap-b", event.TypeComplete, nil))

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 2)
}
