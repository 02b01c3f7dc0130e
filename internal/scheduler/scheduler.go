package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Panadero1/ill-of-the-world/internal/logging"
	"github.com/Panadero1/ill-of-the-world/internal/metrics"
	"github.com/Panadero1/ill-of-the-world/internal/observability"
	"github.com/Panadero1/ill-of-the-world/internal/world"
)

// ReadMode откуда правило читает клетки чужих чанков
type ReadMode int

const (
	// ReadSnapshot чтение из снимка мира на начало тика: результат не зависит
	// от порядка фаз и числа воркеров.
	ReadSnapshot ReadMode = iota
	// ReadLive чтение из живого хранилища: видны изменения уже завершённых фаз
	// текущего тика. Разрешены только восемь соседних чанков.
	ReadLive
)

func (m ReadMode) String() string {
	switch m {
	case ReadSnapshot:
		return "snapshot"
	case ReadLive:
		return "live"
	default:
		return fmt.Sprintf("ReadMode(%d)", int(m))
	}
}

// ParseReadMode разбирает значение из конфигурации
func ParseReadMode(s string) (ReadMode, error) {
	switch s {
	case "", "snapshot":
		return ReadSnapshot, nil
	case "live":
		return ReadLive, nil
	default:
		return ReadSnapshot, fmt.Errorf("scheduler: unknown read mode %q", s)
	}
}

// Options параметры планировщика
type Options struct {
	ReadMode ReadMode
	// TrackChanges собирать список изменённых правилом клеток для публикации.
	// Без него в отчёте остаётся только их количество.
	TrackChanges bool
}

// ChunkFailure задача чанка завершилась ошибкой правила или паникой.
// Чанк при этом остался в состоянии до начала задачи.
type ChunkFailure struct {
	Chunk uint8
	Phase int
	Err   error
}

func (f ChunkFailure) Error() string {
	return fmt.Sprintf("chunk %d (phase %d): %v", f.Chunk, f.Phase, f.Err)
}

func (f ChunkFailure) Unwrap() error { return f.Err }

// TickReport итог одного прохода по всем фазам
type TickReport struct {
	Tick           uint64
	Failures       []ChunkFailure
	Changes        []world.CellChange // в порядке фаз, внутри фазы по id чанка
	Changed        int
	PhaseDurations [world.PhaseCount]time.Duration
	Duration       time.Duration
}

// chunkResult результат задачи одного чанка; каждая задача пишет только в свой
type chunkResult struct {
	changed int
	changes []world.CellChange
	err     error
}

// UpdateScheduler проводит правило по всем чанкам мира в четыре фазы.
// Чанки одной фазы попарно не соседствуют, поэтому их задачи выполняются
// параллельно на пуле без блокировок клеток; между фазами — барьер.
type UpdateScheduler struct {
	store    *world.BlockStore
	plan     *world.TilingPlan
	pool     *WorkerPool
	opts     Options
	metrics  *metrics.Collector
	logger   *logging.Logger
	snapshot *world.BlockStore
	buffers  chan []world.Block
	tick     uint64
}

// New создаёт планировщик. Разбиение на фазы проверяется сразу:
// нарушенный инвариант означает ошибку сборки, а не данных.
func New(store *world.BlockStore, pool *WorkerPool, opts Options, m *metrics.Collector) (*UpdateScheduler, error) {
	plan := world.NewTilingPlan()
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler: invalid tiling: %w", err)
	}

	s := &UpdateScheduler{
		store:   store,
		plan:    plan,
		pool:    pool,
		opts:    opts,
		metrics: m,
		logger:  logging.GetSchedulerLogger(),
		buffers: make(chan []world.Block, pool.Size()),
	}
	if opts.ReadMode == ReadSnapshot {
		s.snapshot = world.NewBlockStore()
	}
	return s, nil
}

// Plan разбиение на фазы
func (s *UpdateScheduler) Plan() *world.TilingPlan { return s.plan }

// Ticks число выполненных тиков
func (s *UpdateScheduler) Ticks() uint64 { return s.tick }

// RunTick применяет rule ко всем клеткам мира. Вызывается только из цикла
// сервера, когда никто другой не пишет в хранилище.
// Ошибки правил не прерывают тик и попадают в отчёт; возвращаемая ошибка
// означает отказ пула и фатальна.
func (s *UpdateScheduler) RunTick(ctx context.Context, rule world.Rule) (*TickReport, error) {
	s.tick++
	report := &TickReport{Tick: s.tick}
	start := time.Now()

	ctx, span := observability.Tracer("scheduler").Start(ctx, "tick")
	span.SetAttributes(
		attribute.Int64("tick", int64(s.tick)),
		attribute.String("read_mode", s.opts.ReadMode.String()),
	)
	defer span.End()

	if s.snapshot != nil {
		s.snapshot.CopyFrom(s.store)
	}

	for k := 0; k < world.PhaseCount; k++ {
		if err := s.runPhase(ctx, k, rule, report); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "worker pool failure")
			return report, err
		}
	}

	report.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("cells_changed", report.Changed),
		attribute.Int("chunk_failures", len(report.Failures)),
	)

	s.metrics.CellsChanged(report.Changed)
	s.metrics.TasksExecuted(world.ChunkCount)

	if len(report.Failures) > 0 {
		s.logger.Warn("⚠️ Тик %d: %d чанков не обработано", report.Tick, len(report.Failures))
	}
	s.logger.Debug("Тик %d: изменено клеток %d за %v", report.Tick, report.Changed, report.Duration)
	return report, nil
}

func (s *UpdateScheduler) runPhase(ctx context.Context, k int, rule world.Rule, report *TickReport) error {
	_, span := observability.Tracer("scheduler").Start(ctx, fmt.Sprintf("phase %d", k))
	defer span.End()

	phaseStart := time.Now()
	chunks := s.plan.ChunksInPhase(k)
	results := make([]chunkResult, len(chunks))
	tasks := make([]Task, len(chunks))

	for i, chunk := range chunks {
		res := &results[i]
		tasks[i] = func() {
			*res = s.runChunk(chunk, rule)
		}
	}

	if err := s.pool.SubmitBatchAndWait(tasks); err != nil {
		span.RecordError(err)
		return fmt.Errorf("scheduler: phase %d: %w", k, err)
	}

	for i, res := range results {
		if res.err != nil {
			failure := ChunkFailure{Chunk: chunks[i], Phase: k, Err: res.err}
			report.Failures = append(report.Failures, failure)
			s.metrics.ChunkFailed()
			s.logger.Error("❌ Ошибка обработки: %v", failure)
			continue
		}
		report.Changed += res.changed
		report.Changes = append(report.Changes, res.changes...)
	}

	d := time.Since(phaseStart)
	report.PhaseDurations[k] = d
	s.metrics.ObservePhase(k, d)
	span.SetAttributes(attribute.Int("chunks", len(chunks)))
	return nil
}

// runChunk выполняет правило над одним чанком. Правило работает с рабочей
// копией, поэтому ошибка или паника оставляют чанк нетронутым.
func (s *UpdateScheduler) runChunk(chunk uint8, rule world.Rule) (res chunkResult) {
	view, err := s.store.Lease(chunk)
	if err != nil {
		return chunkResult{err: err}
	}
	defer s.store.Release(view)

	if s.snapshot != nil {
		view.SetOutside(s.snapshot, false)
	} else {
		view.SetOutside(s.store, true)
	}

	buf := s.getBuffer()
	defer s.putBuffer(buf)
	view.Stage(buf)

	if err := applyRule(view, rule); err != nil {
		view.Discard()
		return chunkResult{err: err}
	}

	res.changed, res.changes = view.Commit(s.opts.TrackChanges)
	return res
}

func applyRule(view *world.ChunkView, rule world.Rule) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("rule panicked: %w", e)
				return
			}
			err = fmt.Errorf("rule panicked: %v", r)
		}
	}()
	return view.Each(rule)
}

// getBuffer берёт рабочий буфер из свободного списка или создаёт новый
func (s *UpdateScheduler) getBuffer() []world.Block {
	select {
	case buf := <-s.buffers:
		return buf
	default:
		return make([]world.Block, world.ChunkVolume)
	}
}

func (s *UpdateScheduler) putBuffer(buf []world.Block) {
	select {
	case s.buffers <- buf:
	default:
	}
}
