package server

import "fmt"

// State этап тикового цикла.
// Idle → Draining → Applying → Ticking → Publishing → Idle
type State int32

const (
	Idle       State = iota // ожидание следующего тика; только здесь проверяется сигнал остановки
	Draining                // сбор накопившихся обновлений из очереди
	Applying                // последовательная запись обновлений в хранилище
	Ticking                 // четыре фазы правила на пуле воркеров
	Publishing              // отправка изменённых клеток подписчикам
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	case Applying:
		return "applying"
	case Ticking:
		return "ticking"
	case Publishing:
		return "publishing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
