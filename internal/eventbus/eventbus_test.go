package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	ev := NewEnvelope("tick-loop", EventTickDelta, PriorityCritical, []byte{1, 2})

	_, err := uuid.Parse(ev.ID)
	assert.NoError(t, err, "ID должен быть UUID")
	assert.Equal(t, EventTickDelta, ev.EventType)
	assert.Equal(t, 1, ev.Version)
	assert.False(t, ev.Timestamp.IsZero())
	assert.NotEqual(t, ev.ID, NewEnvelope("x", EventChat, 0, nil).ID)
}

func TestMemoryBus_OrderedDelivery(t *testing.T) {
	bus := NewMemoryBus(16)

	var mu sync.Mutex
	var got []string
	_, err := bus.Subscribe(context.Background(), Filter{Types: []string{EventTickDelta}}, func(ctx context.Context, ev *Envelope) {
		mu.Lock()
		got = append(got, ev.CorrelationID)
		mu.Unlock()
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		ev := NewEnvelope("test", EventTickDelta, PriorityCritical, nil)
		ev.CorrelationID = string(rune('a' + i))
		require.NoError(t, bus.Publish(context.Background(), ev))
	}
	require.NoError(t, bus.Publish(context.Background(), NewEnvelope("test", EventChat, PriorityNormal, nil)))

	require.NoError(t, bus.Close(), "Close доставляет всё принятое")

	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}, got, "дельты приходят в порядке публикации")

	stats := bus.Metrics()
	assert.Equal(t, uint64(11), stats.Published)
	assert.Equal(t, uint64(10), stats.Consumed, "событие чата отфильтровано")
}

func TestMemoryBus_DropsLowPriorityWhenFull(t *testing.T) {
	bus := NewMemoryBus(1)
	defer bus.Close()

	block := make(chan struct{})
	_, err := bus.Subscribe(context.Background(), Filter{}, func(ctx context.Context, ev *Envelope) {
		<-block
	})
	require.NoError(t, err)

	// первое событие занимает обработчик, второе буфер
	require.NoError(t, bus.Publish(context.Background(), NewEnvelope("t", EventChat, PriorityCritical, nil)))
	require.Eventually(t, func() bool { return bus.Metrics().InFlight == 0 }, time.Second, time.Millisecond)
	require.NoError(t, bus.Publish(context.Background(), NewEnvelope("t", EventChat, PriorityCritical, nil)))

	require.NoError(t, bus.Publish(context.Background(), NewEnvelope("t", EventChat, PriorityLow, nil)))
	assert.Equal(t, uint64(1), bus.Metrics().Dropped, "низкий приоритет отброшен")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = bus.Publish(ctx, NewEnvelope("t", EventTickDelta, PriorityCritical, nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded, "высокий приоритет ждёт места до отмены контекста")

	close(block)
}

func TestMemoryBus_UnsubscribeAndClose(t *testing.T) {
	bus := NewMemoryBus(4)

	var count int
	var mu sync.Mutex
	sub, err := bus.Subscribe(context.Background(), Filter{}, func(ctx context.Context, ev *Envelope) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)
	sub.Unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), NewEnvelope("t", EventChat, PriorityNormal, nil)))
	require.NoError(t, bus.Close())
	assert.Equal(t, 0, count)

	assert.ErrorIs(t, bus.Publish(context.Background(), NewEnvelope("t", EventChat, PriorityNormal, nil)), ErrBusClosed)
	_, err = bus.Subscribe(context.Background(), Filter{}, func(context.Context, *Envelope) {})
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.NoError(t, bus.Close(), "повторный Close безопасен")
}

func TestMetricsExporter(t *testing.T) {
	bus := NewMemoryBus(8)
	reg := prometheus.NewRegistry()
	exp := NewMetricsExporter(bus, reg, 5*time.Millisecond)
	exp.Start()

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(context.Background(), NewEnvelope("t", EventChat, PriorityNormal, nil)))
	}
	require.NoError(t, bus.Close())
	exp.Stop()

	assert.Equal(t, 3.0, testutil.ToFloat64(exp.published))
	assert.Equal(t, 0.0, testutil.ToFloat64(exp.inflight))
}

func TestMatchFilter(t *testing.T) {
	ev := &Envelope{EventType: EventTickDelta, Source: "tick-loop"}

	assert.True(t, matchFilter(ev, Filter{}))
	assert.True(t, matchFilter(ev, Filter{Types: []string{EventChat, EventTickDelta}}))
	assert.False(t, matchFilter(ev, Filter{Sources: []string{"api"}}))
	assert.Equal(t, "ill.TickDelta", Subject(EventTickDelta))
}
