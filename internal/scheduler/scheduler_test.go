package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Panadero1/ill-of-the-world/internal/metrics"
	"github.com/Panadero1/ill-of-the-world/internal/world"
)

func newScheduler(t *testing.T, store *world.BlockStore, workers int, opts Options) *UpdateScheduler {
	t.Helper()

	pool := NewWorkerPool(workers, 0)
	t.Cleanup(func() {
		assert.NoError(t, pool.Shutdown(context.Background()))
	})

	s, err := New(store, pool, opts, nil)
	require.NoError(t, err)
	return s
}

// mixRule читает соседей по X, в том числе из чужих чанков
func mixRule(v *world.ChunkView, p world.Pos, b *world.Block) error {
	left, _ := p.Offset(-1, 0, 0)
	right, _ := p.Offset(1, 0, 0)
	b.Kind = (v.Get(left).Kind + 2*v.Get(right).Kind + b.Kind) % 7
	return nil
}

func TestUpdateScheduler_SetKindEverywhere(t *testing.T) {
	store := world.NewBlockStore()
	reg := prometheus.NewRegistry()

	pool := NewWorkerPool(4, 0)
	defer pool.Shutdown(context.Background())

	s, err := New(store, pool, Options{}, metrics.NewCollector(reg))
	require.NoError(t, err)

	report, err := s.RunTick(context.Background(), world.SetKind(2))
	require.NoError(t, err)

	assert.Equal(t, world.WorldVolume, store.CountKind(2), "после тика все клетки имеют вид 2")
	assert.Equal(t, world.WorldVolume, report.Changed)
	assert.Empty(t, report.Failures)
	assert.Nil(t, report.Changes, "без TrackChanges список не собирается")
	assert.Equal(t, uint64(1), report.Tick)
	assert.Equal(t, 0, store.LeasedCount(), "все чанки возвращены")
	assert.Eventually(t, func() bool {
		return pool.Executed() == uint64(world.ChunkCount)
	}, time.Second, time.Millisecond, "по одной задаче на чанк")
}

func TestUpdateScheduler_DeterministicAcrossPoolSizes(t *testing.T) {
	gen := world.NewPerlinGenerator(7, 0.05)

	for _, mode := range []ReadMode{ReadSnapshot, ReadLive} {
		t.Run(mode.String(), func(t *testing.T) {
			a := world.NewBlockStore()
			b := world.NewBlockStore()
			gen.Generate(a)
			gen.Generate(b)

			single := newScheduler(t, a, 1, Options{ReadMode: mode})
			many := newScheduler(t, b, 8, Options{ReadMode: mode})

			for tick := 0; tick < 3; tick++ {
				_, err := single.RunTick(context.Background(), mixRule)
				require.NoError(t, err)
				_, err = many.RunTick(context.Background(), mixRule)
				require.NoError(t, err)

				at, differ := a.FirstDiff(b)
				require.False(t, differ, "тик %d: миры разошлись в позиции %d", tick, at)
			}
		})
	}
}

func TestUpdateScheduler_FailureIsolation(t *testing.T) {
	store := world.NewBlockStore()
	s := newScheduler(t, store, 4, Options{})

	boom := errors.New("boom")
	rule := func(v *world.ChunkView, p world.Pos, b *world.Block) error {
		b.Kind = 3
		switch {
		case v.ID() == 7 && p.Local() == 100:
			return boom
		case v.ID() == 9 && p.Local() == 200:
			panic("rule exploded")
		}
		return nil
	}

	report, err := s.RunTick(context.Background(), rule)
	require.NoError(t, err, "ошибки правила не фатальны")
	require.Len(t, report.Failures, 2)

	byChunk := map[uint8]ChunkFailure{}
	for _, f := range report.Failures {
		byChunk[f.Chunk] = f
	}
	assert.ErrorIs(t, byChunk[7], boom)
	assert.Equal(t, s.Plan().PhaseOf(7), byChunk[7].Phase)
	assert.ErrorContains(t, byChunk[9], "rule exploded")

	for _, chunk := range []uint8{7, 9} {
		cells := store.ChunkCells(chunk)
		for i := range cells {
			if cells[i].Kind != world.KindAir {
				t.Fatalf("чанк %d изменён частично: клетка %d", chunk, i)
			}
		}
	}
	assert.Equal(t, (world.ChunkCount-2)*world.ChunkVolume, store.CountKind(3), "остальные чанки обработаны")
}

// shiftRule копирует в клетку вид правого соседа в строке y=0, z=0
func shiftRule(v *world.ChunkView, p world.Pos, b *world.Block) error {
	x, y, z := p.XYZ()
	if y != 0 || z != 0 {
		return nil
	}
	right := world.EncodeXYZ(x+1, 0, 0)
	b.Kind = v.Get(right).Kind
	return nil
}

func TestUpdateScheduler_NeighbourReadModes(t *testing.T) {
	// x=32 лежит в чанке фазы 0, x=31 — в соседнем чанке фазы 1
	source := world.EncodeXYZ(32, 0, 0)
	target := world.EncodeXYZ(31, 0, 0)
	require.Equal(t, 0, world.NewTilingPlan().PhaseOf(source.Chunk()))
	require.Equal(t, 1, world.NewTilingPlan().PhaseOf(target.Chunk()))

	t.Run("snapshot", func(t *testing.T) {
		store := world.NewBlockStore()
		store.Set(source, world.Block{Kind: world.KindSand})
		s := newScheduler(t, store, 4, Options{ReadMode: ReadSnapshot, TrackChanges: true})

		report, err := s.RunTick(context.Background(), shiftRule)
		require.NoError(t, err)

		assert.Equal(t, world.KindSand, store.Get(target).Kind, "сосед читается из снимка начала тика")
		assert.Equal(t, world.KindAir, store.Get(source).Kind)
		assert.Equal(t, 2, report.Changed)
		// фаза 0 (чанк источника) публикуется раньше фазы 1
		assert.Equal(t, []world.CellChange{
			{Pos: source, Block: world.Block{}},
			{Pos: target, Block: world.Block{Kind: world.KindSand}},
		}, report.Changes)
	})

	t.Run("live", func(t *testing.T) {
		store := world.NewBlockStore()
		store.Set(source, world.Block{Kind: world.KindSand})
		s := newScheduler(t, store, 4, Options{ReadMode: ReadLive})

		_, err := s.RunTick(context.Background(), shiftRule)
		require.NoError(t, err)

		assert.Equal(t, world.KindAir, store.Get(target).Kind, "фаза 0 уже сдвинула песок к моменту фазы 1")
		assert.Equal(t, 0, store.CountKind(world.KindSand))
	})
}

func TestUpdateScheduler_LiveReadOutsideNeighbours(t *testing.T) {
	store := world.NewBlockStore()
	s := newScheduler(t, store, 4, Options{ReadMode: ReadLive})

	rule := func(v *world.ChunkView, p world.Pos, b *world.Block) error {
		if p.Local() == 0 {
			// чанк через полмира по Z — заведомо не сосед
			v.Get(world.EncodeGrid(v.ID()+128, 0, 0))
		}
		b.Kind = 1
		return nil
	}

	report, err := s.RunTick(context.Background(), rule)
	require.NoError(t, err)
	require.Len(t, report.Failures, world.ChunkCount)
	assert.ErrorIs(t, report.Failures[0], world.ErrNotAdjacent)
	assert.Equal(t, 0, store.CountKind(1), "ни один чанк не изменён")
}

func TestUpdateScheduler_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	store := world.NewBlockStore()
	s := newScheduler(t, store, 2, Options{ReadMode: ReadLive})

	_, err := s.RunTick(context.Background(), world.Identity)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, span := range recorder.Ended() {
		names[span.Name()] = true
	}
	for _, want := range []string{"tick", "phase 0", "phase 1", "phase 2", "phase 3"} {
		assert.True(t, names[want], "нет спана %q", want)
	}
}

func TestUpdateScheduler_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	pool := NewWorkerPool(2, 0)
	defer pool.Shutdown(context.Background())

	s, err := New(world.NewBlockStore(), pool, Options{ReadMode: ReadLive}, c)
	require.NoError(t, err)

	_, err = s.RunTick(context.Background(), func(v *world.ChunkView, p world.Pos, b *world.Block) error {
		if v.ID() == 0 {
			return errors.New("nope")
		}
		return nil
	})
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "ill_chunk_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = testutil.GatherAndCount(reg, "ill_phase_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, world.PhaseCount, n, "по серии на каждую фазу")
}

func TestUpdateScheduler_PoolFailureIsFatal(t *testing.T) {
	pool := NewWorkerPool(2, 0)
	s, err := New(world.NewBlockStore(), pool, Options{ReadMode: ReadLive}, nil)
	require.NoError(t, err)
	require.NoError(t, pool.Shutdown(context.Background()))

	_, err = s.RunTick(context.Background(), world.Identity)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestParseReadMode(t *testing.T) {
	m, err := ParseReadMode("live")
	require.NoError(t, err)
	assert.Equal(t, ReadLive, m)

	m, err = ParseReadMode("")
	require.NoError(t, err)
	assert.Equal(t, ReadSnapshot, m)

	_, err = ParseReadMode("eventual")
	assert.Error(t, err)
}
