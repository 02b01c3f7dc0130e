package server

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Panadero1/ill-of-the-world/internal/eventbus"
	"github.com/Panadero1/ill-of-the-world/internal/protocol"
)

// Publisher получает изменённые за тик клетки
type Publisher interface {
	PublishDelta(ctx context.Context, d *protocol.TickDelta) error
}

// PublisherFunc адаптер функции к Publisher
type PublisherFunc func(ctx context.Context, d *protocol.TickDelta) error

func (f PublisherFunc) PublishDelta(ctx context.Context, d *protocol.TickDelta) error {
	return f(ctx, d)
}

// BusPublisher кодирует дельту и отправляет её в шину событий как TickDelta
type BusPublisher struct {
	bus    eventbus.EventBus
	codec  protocol.DeltaCodec
	source string
}

// NewBusPublisher создаёт издателя поверх шины
func NewBusPublisher(bus eventbus.EventBus, codec protocol.DeltaCodec, source string) *BusPublisher {
	return &BusPublisher{bus: bus, codec: codec, source: source}
}

func (p *BusPublisher) PublishDelta(ctx context.Context, d *protocol.TickDelta) error {
	payload, err := p.codec.Encode(d)
	if err != nil {
		return fmt.Errorf("encode tick %d: %w", d.Tick, err)
	}

	ev := eventbus.NewEnvelope(p.source, eventbus.EventTickDelta, eventbus.PriorityCritical, payload)
	ev.CorrelationID = strconv.FormatUint(d.Tick, 10)
	ev.Metadata = map[string]string{"changes": strconv.Itoa(len(d.Changes))}

	if err := p.bus.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish tick %d: %w", d.Tick, err)
	}
	return nil
}
