package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Panadero1/ill-of-the-world/internal/logging"
	"github.com/Panadero1/ill-of-the-world/internal/metrics"
	"github.com/Panadero1/ill-of-the-world/internal/observability"
	"github.com/Panadero1/ill-of-the-world/internal/protocol"
	"github.com/Panadero1/ill-of-the-world/internal/scheduler"
	"github.com/Panadero1/ill-of-the-world/internal/world"
)

// ErrAlreadyStarted повторный Start
var ErrAlreadyStarted = errors.New("server: already started")

// Options параметры сервера
type Options struct {
	Workers       int
	Interval      time.Duration // пауза между тиками; 0 — тики подряд
	ReadMode      scheduler.ReadMode
	TrackChanges  bool
	QueueCapacity int // 0 — очередь без ограничения
	Rule          world.Rule
	Generator     world.Generator
}

// TickResult итог одного шага цикла
type TickResult struct {
	Tick    uint64
	Applied int
	Report  *scheduler.TickReport
	Delta   *protocol.TickDelta
}

// Stats снимок состояния для API
type Stats struct {
	Tick         uint64
	State        string
	Workers      int
	Queue        world.QueueStats
	LastDuration time.Duration
	LastChanged  int
	LastFailures int
	LastApplied  int
}

// Server владеет миром, очередью обновлений и тиковым циклом.
// Хранилище пишут только этапы Applying и Ticking; чтения снаружи
// (REST) проходят под viewMu и видят мир только между тиками.
type Server struct {
	store     *world.BlockStore
	queue     *world.UpdateQueue
	pool      *scheduler.WorkerPool
	sched     *scheduler.UpdateScheduler
	rule      world.Rule
	track     bool
	interval  time.Duration
	publisher Publisher
	metrics   *metrics.Collector
	logger    *logging.Logger

	viewMu sync.RWMutex
	state  atomic.Int32

	statsMu sync.Mutex
	last    TickResult

	runMu   sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
	runErr  error
}

// New создаёт мир, однократно заполняет его генератором и запускает пул воркеров.
// publisher и m могут быть nil.
func New(opts Options, publisher Publisher, m *metrics.Collector) (*Server, error) {
	if opts.Rule == nil {
		opts.Rule = world.Identity
	}
	if opts.Generator == nil {
		opts.Generator = world.EmptyGenerator
	}

	logger := logging.GetServerLogger()
	store := world.NewBlockStore()

	start := time.Now()
	opts.Generator.Generate(store)
	logger.Info("🌍 Мир сгенерирован за %v", time.Since(start))

	pool := scheduler.NewWorkerPool(opts.Workers, 0)
	sched, err := scheduler.New(store, pool, scheduler.Options{
		ReadMode:     opts.ReadMode,
		TrackChanges: opts.TrackChanges,
	}, m)
	if err != nil {
		_ = pool.Shutdown(context.Background())
		return nil, err
	}

	return &Server{
		store:     store,
		queue:     world.NewUpdateQueue(opts.QueueCapacity),
		pool:      pool,
		sched:     sched,
		rule:      opts.Rule,
		track:     opts.TrackChanges,
		interval:  opts.Interval,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Enqueue принимает внешнее обновление. Вызывается из любых горутин.
// При переполнении очереди возвращает world.ErrQueueFull.
func (s *Server) Enqueue(u world.WorldUpdate) error {
	if err := s.queue.Push(u); err != nil {
		s.metrics.UpdateRejected()
		return err
	}
	return nil
}

// ReadBlock читает блок мира; не пересекается с записью тика
func (s *Server) ReadBlock(p world.Pos) world.Block {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.store.Get(p)
}

// State текущий этап цикла
func (s *Server) State() State {
	return State(s.state.Load())
}

func (s *Server) setState(st State) {
	s.state.Store(int32(st))
}

// Stats снимок для API и логов
func (s *Server) Stats() Stats {
	s.statsMu.Lock()
	last := s.last
	s.statsMu.Unlock()

	st := Stats{
		Tick:        last.Tick,
		State:       s.State().String(),
		Workers:     s.pool.Size(),
		Queue:       s.queue.Stats(),
		LastApplied: last.Applied,
	}
	if last.Report != nil {
		st.LastDuration = last.Report.Duration
		st.LastChanged = last.Report.Changed
		st.LastFailures = len(last.Report.Failures)
	}
	return st
}

// Step выполняет один полный тик: Draining → Applying → Ticking → Publishing.
// Ошибка означает отказ пула и фатальна; ошибки публикации только логируются.
func (s *Server) Step(ctx context.Context) (*TickResult, error) {
	start := time.Now()
	ctx, span := observability.Tracer("server").Start(ctx, "step")
	defer span.End()

	s.setState(Draining)
	s.metrics.SetQueueDepth(s.queue.Len())
	updates := s.queue.DrainAll()

	s.viewMu.Lock()
	s.setState(Applying)
	applied := make([]world.CellChange, 0, len(updates))
	for _, u := range updates {
		s.store.Apply(u)
		applied = append(applied, world.CellChange{Pos: u.Pos})
	}
	s.metrics.UpdatesApplied(len(updates))

	s.setState(Ticking)
	report, err := s.sched.RunTick(ctx, s.rule)
	if err == nil {
		// правило могло переписать применённую клетку; в дельту идёт итог тика
		for i := range applied {
			applied[i].Block = s.store.Get(applied[i].Pos)
		}
	}
	s.viewMu.Unlock()
	if err != nil {
		s.setState(Idle)
		span.RecordError(err)
		return nil, fmt.Errorf("server: tick %d: %w", s.sched.Ticks(), err)
	}

	s.setState(Publishing)
	delta := &protocol.TickDelta{
		Tick:    report.Tick,
		Changes: mergeChanges(applied, report.Changes),
	}
	if s.publisher != nil && len(delta.Changes) > 0 {
		if err := s.publisher.PublishDelta(ctx, delta); err != nil {
			s.logger.Warn("⚠️ Не удалось опубликовать тик %d: %v", delta.Tick, err)
		}
	}

	result := TickResult{Tick: report.Tick, Applied: len(updates), Report: report, Delta: delta}
	s.statsMu.Lock()
	s.last = result
	s.statsMu.Unlock()

	s.metrics.ObserveTick(time.Since(start))
	span.SetAttributes(
		attribute.Int64("tick", int64(report.Tick)),
		attribute.Int("updates", len(updates)),
		attribute.Int("published", len(delta.Changes)),
	)
	s.setState(Idle)
	return &result, nil
}

// mergeChanges объединяет применённые обновления и изменения правила.
// Для каждой позиции остаётся последнее значение; результат упорядочен по позиции.
func mergeChanges(applied, ruled []world.CellChange) []world.CellChange {
	if len(applied) == 0 && len(ruled) == 0 {
		return nil
	}

	final := make(map[world.Pos]world.Block, len(applied)+len(ruled))
	for _, c := range applied {
		final[c.Pos] = c.Block
	}
	for _, c := range ruled {
		final[c.Pos] = c.Block
	}

	out := make([]world.CellChange, 0, len(final))
	for p, b := range final {
		out = append(out, world.CellChange{Pos: p, Block: b})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pos < out[j].Pos })
	return out
}

// Run крутит тики до Stop или отмены ctx. Сигнал остановки проверяется
// только в состоянии Idle: начатый тик всегда доводится до конца.
func (s *Server) Run(ctx context.Context) error {
	var ticker *time.Ticker
	if s.interval > 0 {
		ticker = time.NewTicker(s.interval)
		defer ticker.Stop()
	}

	s.logger.Info("▶️ Тиковый цикл запущен (интервал %v, воркеров %d)", s.interval, s.pool.Size())
	for {
		select {
		case <-s.stop:
			s.logger.Info("⏹️ Тиковый цикл остановлен на тике %d", s.sched.Ticks())
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := s.Step(ctx); err != nil {
			s.logger.Error("❌ Фатальная ошибка тика: %v", err)
			return err
		}

		if ticker == nil {
			continue
		}
		select {
		case <-ticker.C:
		case <-s.stop:
		case <-ctx.Done():
		}
	}
}

// Start запускает Run в отдельной горутине
func (s *Server) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	go func() {
		defer close(s.done)
		err := s.Run(ctx)
		s.runMu.Lock()
		s.runErr = err
		s.runMu.Unlock()
	}()
	return nil
}

// Done закрывается, когда цикл, запущенный Start, завершился
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Stop сигналит циклу и ждёт его выхода. Возвращает ошибку цикла, если она была.
func (s *Server) Stop() error {
	s.runMu.Lock()
	started := s.started
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.runMu.Unlock()

	if !started {
		return nil
	}
	<-s.done

	s.runMu.Lock()
	defer s.runMu.Unlock()
	if errors.Is(s.runErr, context.Canceled) {
		return nil
	}
	return s.runErr
}

// Close останавливает цикл и пул воркеров. Ошибки пула фатальны.
func (s *Server) Close(ctx context.Context) error {
	runErr := s.Stop()
	if err := s.pool.Shutdown(ctx); err != nil {
		return err
	}
	return runErr
}
