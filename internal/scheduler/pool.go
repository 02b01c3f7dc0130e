package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Panadero1/ill-of-the-world/internal/logging"
)

var (
	// ErrPoolClosed задача отправлена в остановленный пул
	ErrPoolClosed = errors.New("scheduler: worker pool is shut down")
	// ErrTasksDropped при остановке в очереди остались невыполненные задачи
	ErrTasksDropped = errors.New("scheduler: tasks dropped on shutdown")
	// ErrJoinTimeout воркеры не завершились до истечения контекста
	ErrJoinTimeout = errors.New("scheduler: workers did not stop in time")
)

// Task единица работы пула
type Task func()

// DefaultQueueSize ёмкость общей очереди задач: четыре фазы по 64 чанка
const DefaultQueueSize = 256

// WorkerPool фиксированный набор горутин, разбирающих общую FIFO-очередь.
// Размер задаётся при создании и не меняется.
type WorkerPool struct {
	size  int
	tasks chan Task
	quit  chan struct{}
	wg    sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	stopMu   sync.Mutex
	stopping bool

	executed atomic.Uint64
	panics   atomic.Uint64
}

// NewWorkerPool запускает size воркеров (минимум один)
func NewWorkerPool(size, queueSize int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}

	p := &WorkerPool{
		size:  size,
		tasks: make(chan Task, queueSize),
		quit:  make(chan struct{}),
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker(i)
	}

	logging.GetSchedulerLogger().Info("🧵 Пул воркеров запущен: %d воркеров, очередь %d", size, queueSize)
	return p
}

// Size количество воркеров
func (p *WorkerPool) Size() int { return p.size }

// Executed число выполненных задач за всё время
func (p *WorkerPool) Executed() uint64 { return p.executed.Load() }

// Panics число задач, завершившихся паникой
func (p *WorkerPool) Panics() uint64 { return p.panics.Load() }

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		// сигнал остановки важнее очереди
		select {
		case <-p.quit:
			return
		default:
		}

		select {
		case <-p.quit:
			return
		case t := <-p.tasks:
			p.run(id, t)
		}
	}
}

// run выполняет задачу; паника задачи не должна убивать воркер
func (p *WorkerPool) run(id int, t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			logging.GetSchedulerLogger().Error("Паника в задаче воркера %d: %v", id, r)
		}
		p.executed.Add(1)
	}()
	t()
}

// Submit ставит задачу в очередь. Блокируется, пока в очереди нет места
// или пока пул не начал остановку.
func (p *WorkerPool) Submit(t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	select {
	case <-p.quit:
		return ErrPoolClosed
	default:
	}

	select {
	case <-p.quit:
		return ErrPoolClosed
	case p.tasks <- t:
		return nil
	}
}

// SubmitBatchAndWait отправляет пакет задач и ждёт завершения каждой из них.
// Это барьер между фазами тика: после возврата все записи задач видны
// вызывающей горутине. Ошибка отправки означает, что пул остановлен;
// тогда возврат происходит только после выхода всех воркеров, чтобы ни одна
// уже отправленная задача не писала в мир после возврата.
func (p *WorkerPool) SubmitBatchAndWait(tasks []Task) error {
	var wg sync.WaitGroup
	wg.Add(len(tasks))

	for i, t := range tasks {
		err := p.Submit(func() {
			defer wg.Done()
			t()
		})
		if err != nil {
			// задачи из очереди уже не запустятся, ждём только выполняющиеся
			p.wg.Wait()
			return fmt.Errorf("submit task %d of %d: %w", i, len(tasks), err)
		}
	}

	wg.Wait()
	return nil
}

// Shutdown запрещает новые задачи, сигналит воркерам и дожидается их выхода.
// Задачи, оставшиеся в очереди, считаются потерянными (ErrTasksDropped);
// если воркеры не успели выйти до отмены ctx — ErrJoinTimeout.
// Обе ошибки фатальны для сервера.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.stopMu.Lock()
	if p.stopping {
		p.stopMu.Unlock()
		return ErrPoolClosed
	}
	p.stopping = true
	close(p.quit)
	p.stopMu.Unlock()

	// quit уже закрыт, поэтому заблокированные Submit отпускают RLock
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrJoinTimeout, ctx.Err())
	}

	dropped := 0
	for {
		select {
		case <-p.tasks:
			dropped++
			continue
		default:
		}
		break
	}

	log := logging.GetSchedulerLogger()
	if dropped > 0 {
		log.Error("❌ Пул остановлен, потеряно задач: %d", dropped)
		return fmt.Errorf("%w: %d", ErrTasksDropped, dropped)
	}

	log.Info("🛑 Пул воркеров остановлен, выполнено задач: %d", p.executed.Load())
	return nil
}
