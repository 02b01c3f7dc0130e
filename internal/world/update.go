package world

import (
	"errors"
	"sync"
)

// ErrQueueFull очередь обновлений достигла предела; обновление отклонено
var ErrQueueFull = errors.New("world: update queue is full")

// WorldUpdate внешняя команда: записать вид блока в позицию.
// Применяется ровно один раз в начале ближайшего тика.
type WorldUpdate struct {
	Pos  Pos
	Kind uint8
}

// NewGridUpdate обновление по тройке (chunk, column, block)
func NewGridUpdate(chunk, column, block, kind uint8) WorldUpdate {
	return WorldUpdate{Pos: EncodeGrid(chunk, column, block), Kind: kind}
}

// NewXYZUpdate обновление по мировым координатам
func NewXYZUpdate(x int, y uint8, z int, kind uint8) WorldUpdate {
	return WorldUpdate{Pos: EncodeXYZ(x, y, z), Kind: kind}
}

// QueueStats счётчики очереди
type QueueStats struct {
	Depth    int    // Сейчас в очереди
	Pushed   uint64 // Принято за всё время
	Rejected uint64 // Отклонено из-за переполнения
	Drained  uint64 // Выдано в тики
}

// UpdateQueue единственный ресурс, общий для сетевых потоков и цикла тиков.
// Защищён мьютексом; DrainAll забирает всё, что лежит в очереди на момент вызова.
// capacity == 0 — очередь без ограничения; в конфигурации это
// world.update_queue_capacity: -1 (config.WorldConfig.GetUpdateQueueCapacity
// переводит -1 в 0, а 0 в конфигурации означает значение по умолчанию).
type UpdateQueue struct {
	mu       sync.Mutex
	items    []WorldUpdate
	capacity int
	stats    QueueStats
}

// NewUpdateQueue создаёт очередь с указанным пределом
func NewUpdateQueue(capacity int) *UpdateQueue {
	return &UpdateQueue{capacity: capacity}
}

// Push добавляет обновление; при переполнении новое обновление отклоняется
func (q *UpdateQueue) Push(u WorldUpdate) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.stats.Rejected++
		return ErrQueueFull
	}

	q.items = append(q.items, u)
	q.stats.Pushed++
	return nil
}

// DrainAll атомарно забирает и очищает содержимое очереди.
// Опоздавшие обновления ждут следующего тика.
func (q *UpdateQueue) DrainAll() []WorldUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.items
	q.items = make([]WorldUpdate, 0, len(out))
	q.stats.Drained += uint64(len(out))
	return out
}

// Len текущая глубина очереди
func (q *UpdateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats снимок счётчиков
func (q *UpdateQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.stats
	s.Depth = len(q.items)
	return s
}
