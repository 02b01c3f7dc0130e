package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Panadero1/ill-of-the-world/internal/eventbus"
	"github.com/Panadero1/ill-of-the-world/internal/protocol"
	"github.com/Panadero1/ill-of-the-world/internal/scheduler"
	"github.com/Panadero1/ill-of-the-world/internal/world"
)

// recorder запоминает опубликованные дельты
type recorder struct {
	mu     sync.Mutex
	deltas []*protocol.TickDelta
}

func (r *recorder) PublishDelta(ctx context.Context, d *protocol.TickDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, d)
	return nil
}

func (r *recorder) all() []*protocol.TickDelta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*protocol.TickDelta(nil), r.deltas...)
}

func newServer(t *testing.T, opts Options, pub Publisher) *Server {
	t.Helper()
	s, err := New(opts, pub, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, s.Close(context.Background()))
	})
	return s
}

func TestServer_UpdateAppliedExactlyOnce(t *testing.T) {
	rec := &recorder{}
	s := newServer(t, Options{Workers: 4}, rec)

	target := world.EncodeGrid(5, 10, 20)
	require.NoError(t, s.Enqueue(world.NewGridUpdate(5, 10, 20, 7)))

	res, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, uint64(1), res.Tick)

	assert.Equal(t, uint8(7), s.ReadBlock(target).Kind)
	assert.Equal(t, 1, s.store.CountKind(7))
	assert.Equal(t, world.WorldVolume-1, s.store.CountKind(world.KindAir), "все остальные клетки остались 0")

	res, err = s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Applied, "обновление не применяется повторно")
	assert.Equal(t, 1, s.store.CountKind(7))

	deltas := rec.all()
	require.Len(t, deltas, 1, "пустые тики не публикуются")
	assert.Equal(t, []world.CellChange{{Pos: target, Block: world.Block{Kind: 7}}}, deltas[0].Changes)
	assert.Equal(t, Idle, s.State())
}

func TestServer_LastUpdateWins(t *testing.T) {
	s := newServer(t, Options{Workers: 2}, nil)

	require.NoError(t, s.Enqueue(world.NewXYZUpdate(1, 2, 3, 4)))
	require.NoError(t, s.Enqueue(world.NewXYZUpdate(257, 2, -253, 5)))

	res, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, world.KindSand, s.ReadBlock(world.EncodeXYZ(1, 2, 3)).Kind, "обновления применяются в порядке поступления")
	require.Len(t, res.Delta.Changes, 1, "одна позиция — одна запись в дельте")
	assert.Equal(t, world.KindSand, res.Delta.Changes[0].Block.Kind)
}

func TestServer_RuleChangesArePublished(t *testing.T) {
	rec := &recorder{}
	s := newServer(t, Options{
		Workers:      4,
		TrackChanges: true,
		Rule:         world.SandFall,
	}, rec)

	top := world.EncodeXYZ(40, 30, 40)
	require.NoError(t, s.Enqueue(world.WorldUpdate{Pos: top, Kind: world.KindSand}))

	res, err := s.Step(context.Background())
	require.NoError(t, err)

	below := world.EncodeXYZ(40, 29, 40)
	assert.Equal(t, world.KindSand, s.ReadBlock(below).Kind, "песок упал в том же тике")
	assert.Equal(t, []world.CellChange{
		{Pos: below, Block: world.Block{Kind: world.KindSand}},
		{Pos: top, Block: world.Block{}},
	}, res.Delta.Changes, "дельта содержит итоговые значения, упорядоченные по позиции")
}

func TestServer_FullGridSetKind(t *testing.T) {
	s := newServer(t, Options{Workers: 8, Rule: world.SetKind(2)}, nil)

	res, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, world.WorldVolume, res.Report.Changed)
	assert.Equal(t, world.WorldVolume, s.store.CountKind(2))
	assert.Equal(t, world.KindDirt, s.ReadBlock(world.EncodeXYZ(-7, 200, 99)).Kind)
}

func TestServer_RunAndStop(t *testing.T) {
	s := newServer(t, Options{Workers: 2, Interval: time.Millisecond, ReadMode: scheduler.ReadLive}, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	require.Eventually(t, func() bool { return s.Stats().Tick >= 3 }, 5*time.Second, time.Millisecond)

	require.NoError(t, s.Stop())
	tick := s.Stats().Tick
	assert.Equal(t, Idle, s.State(), "цикл останавливается только в Idle")

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, tick, s.Stats().Tick, "после Stop тики не идут")
	assert.NoError(t, s.Stop(), "повторный Stop безопасен")
}

func TestServer_QueueFull(t *testing.T) {
	s := newServer(t, Options{Workers: 1, QueueCapacity: 1}, nil)

	require.NoError(t, s.Enqueue(world.NewGridUpdate(0, 0, 0, 1)))
	assert.ErrorIs(t, s.Enqueue(world.NewGridUpdate(0, 0, 1, 1)), world.ErrQueueFull)
	assert.Equal(t, uint64(1), s.Stats().Queue.Rejected)
}

func TestServer_PoolFailureStopsRun(t *testing.T) {
	s, err := New(Options{Workers: 1}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.pool.Shutdown(context.Background()))

	err = s.Run(context.Background())
	assert.ErrorIs(t, err, scheduler.ErrPoolClosed, "отказ пула фатален")
}

func TestBusPublisher(t *testing.T) {
	bus := eventbus.NewMemoryBus(4)
	codec := protocol.NewBinaryCodec()

	got := make(chan *eventbus.Envelope, 1)
	_, err := bus.Subscribe(context.Background(), eventbus.Filter{Types: []string{eventbus.EventTickDelta}}, func(ctx context.Context, ev *eventbus.Envelope) {
		got <- ev
	})
	require.NoError(t, err)

	pub := NewBusPublisher(bus, codec, "tick-loop")
	delta := &protocol.TickDelta{Tick: 12, Changes: []world.CellChange{{Pos: 99, Block: world.Block{Kind: 1}}}}
	require.NoError(t, pub.PublishDelta(context.Background(), delta))

	select {
	case ev := <-got:
		assert.Equal(t, "12", ev.CorrelationID)
		assert.Equal(t, "tick-loop", ev.Source)
		decoded, err := codec.Decode(ev.Payload)
		require.NoError(t, err)
		assert.Equal(t, delta, decoded)
	case <-time.After(time.Second):
		t.Fatal("дельта не доставлена")
	}

	require.NoError(t, bus.Close())
	err = pub.PublishDelta(context.Background(), delta)
	assert.True(t, errors.Is(err, eventbus.ErrBusClosed))
}

func TestMergeChanges(t *testing.T) {
	assert.Nil(t, mergeChanges(nil, nil))

	merged := mergeChanges(
		[]world.CellChange{{Pos: 9, Block: world.Block{Kind: 1}}, {Pos: 3, Block: world.Block{Kind: 2}}},
		[]world.CellChange{{Pos: 9, Block: world.Block{Kind: 5}}},
	)
	assert.Equal(t, []world.CellChange{
		{Pos: 3, Block: world.Block{Kind: 2}},
		{Pos: 9, Block: world.Block{Kind: 5}},
	}, merged, "изменение правила перекрывает обновление")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ticking", Ticking.String())
	assert.Equal(t, "State(42)", State(42).String())
}

func TestServer_DeltaCarriesFinalValuesWithoutTracking(t *testing.T) {
	rec := &recorder{}
	s := newServer(t, Options{Workers: 4, TrackChanges: false, Rule: world.SetKind(2)}, rec)

	target := world.EncodeGrid(5, 10, 20)
	require.NoError(t, s.Enqueue(world.NewGridUpdate(5, 10, 20, 7)))

	_, err := s.Step(context.Background())
	require.NoError(t, err)

	deltas := rec.all()
	require.Len(t, deltas, 1)
	require.Len(t, deltas[0].Changes, 1, "без отслеживания публикуются только применённые клетки")
	assert.Equal(t, target, deltas[0].Changes[0].Pos)
	assert.Equal(t, s.ReadBlock(target), deltas[0].Changes[0].Block, "дельта совпадает с содержимым мира после тика")
	assert.Equal(t, world.KindDirt, deltas[0].Changes[0].Block.Kind)
}
