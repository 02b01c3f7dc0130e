package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace общий префикс метрик сервера
const Namespace = "ill"

// Collector собирает метрики тикового цикла, очереди обновлений и входящего трафика.
//
// Метрики:
// * ticks_total — завершённые тики
// * tick_duration_seconds — histogram длительности тика
// * phase_duration_seconds{phase} — histogram длительности фазы
// * chunk_failures_total — задачи чанков, завершившиеся ошибкой или паникой
// * updates_applied_total / updates_rejected_total — внешние обновления
// * update_queue_depth — gauge глубины очереди на момент сбора
// * cells_changed_total — клетки, изменённые правилом
// * pool_tasks_total — выполненные задачи пула
// * ingress_messages_total{type} — разобранные сообщения входящего потока
//
// Все методы допускают nil-получатель: компоненты можно собирать без метрик.
type Collector struct {
	ticks           prometheus.Counter
	tickDuration    prometheus.Histogram
	phaseDuration   *prometheus.HistogramVec
	chunkFailures   prometheus.Counter
	updatesApplied  prometheus.Counter
	updatesRejected prometheus.Counter
	queueDepth      prometheus.Gauge
	cellsChanged    prometheus.Counter
	poolTasks       prometheus.Counter
	ingress         *prometheus.CounterVec
}

// NewCollector создаёт метрики и регистрирует их в reg.
// Тесты передают собственный prometheus.NewRegistry(), чтобы не конфликтовать
// с глобальным регистром.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ticks_total",
			Help:      "Общее число завершённых тиков.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "tick_duration_seconds",
			Help:      "Длительность тика от сбора обновлений до публикации.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "phase_duration_seconds",
			Help:      "Длительность одной фазы обработки чанков.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}, []string{"phase"}),
		chunkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "chunk_failures_total",
			Help:      "Задачи чанков, завершившиеся ошибкой правила или паникой.",
		}),
		updatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "updates_applied_total",
			Help:      "Внешние обновления, применённые к миру.",
		}),
		updatesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "updates_rejected_total",
			Help:      "Обновления, отклонённые из-за переполнения очереди.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "update_queue_depth",
			Help:      "Глубина очереди обновлений перед сбором.",
		}),
		cellsChanged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cells_changed_total",
			Help:      "Клетки, изменённые правилом тика.",
		}),
		poolTasks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "pool_tasks_total",
			Help:      "Задачи, выполненные пулом воркеров.",
		}),
		ingress: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ingress_messages_total",
			Help:      "Сообщения входящего потока по типу.",
		}, []string{"type"}),
	}

	if reg != nil {
		reg.MustRegister(
			c.ticks, c.tickDuration, c.phaseDuration, c.chunkFailures,
			c.updatesApplied, c.updatesRejected, c.queueDepth,
			c.cellsChanged, c.poolTasks, c.ingress,
		)
	}
	return c
}

// ObserveTick фиксирует завершённый тик
func (c *Collector) ObserveTick(d time.Duration) {
	if c == nil {
		return
	}
	c.ticks.Inc()
	c.tickDuration.Observe(d.Seconds())
}

// ObservePhase фиксирует длительность фазы k
func (c *Collector) ObservePhase(k int, d time.Duration) {
	if c == nil {
		return
	}
	c.phaseDuration.WithLabelValues(strconv.Itoa(k)).Observe(d.Seconds())
}

func (c *Collector) ChunkFailed() {
	if c == nil {
		return
	}
	c.chunkFailures.Inc()
}

func (c *Collector) UpdatesApplied(n int) {
	if c == nil || n == 0 {
		return
	}
	c.updatesApplied.Add(float64(n))
}

func (c *Collector) UpdateRejected() {
	if c == nil {
		return
	}
	c.updatesRejected.Inc()
}

func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

func (c *Collector) CellsChanged(n int) {
	if c == nil || n == 0 {
		return
	}
	c.cellsChanged.Add(float64(n))
}

func (c *Collector) TasksExecuted(n int) {
	if c == nil || n == 0 {
		return
	}
	c.poolTasks.Add(float64(n))
}

// IngressMessage учитывает разобранное сообщение типа kind
func (c *Collector) IngressMessage(kind string) {
	if c == nil {
		return
	}
	c.ingress.WithLabelValues(kind).Inc()
}
