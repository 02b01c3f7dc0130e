package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации сервера.
// Нулевые значения полей означают «взять из окружения или по умолчанию»,
// поэтому читать параметры нужно через Get*-методы.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	World     WorldConfig     `yaml:"world"`
	Ingress   IngressConfig   `yaml:"ingress"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	EventBus  EventBusConfig  `yaml:"eventbus"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	TickRate     int           `yaml:"tick_rate"`     // тиков в секунду
	Workers      int           `yaml:"workers"`       // размер пула воркеров
	ReadMode     string        `yaml:"read_mode"`     // snapshot | live
	TrackChanges *bool         `yaml:"track_changes"` // публиковать изменённые правилом клетки
	Rule         string        `yaml:"rule"`          // identity | grass | sand
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

type WorldConfig struct {
	Seed                int64   `yaml:"seed"`
	Generator           string  `yaml:"generator"` // empty | perlin
	NoiseScale          float64 `yaml:"noise_scale"`
	UpdateQueueCapacity int     `yaml:"update_queue_capacity"` // -1 — без ограничения
}

type IngressConfig struct {
	Transport        string  `yaml:"transport"` // tcp | kcp
	Addr             string  `yaml:"addr"`
	UpdatesPerSecond float64 `yaml:"updates_per_second"`
	Burst            int     `yaml:"burst"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type EventBusConfig struct {
	Kind      string `yaml:"kind"` // memory | jetstream
	URL       string `yaml:"url"`
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
	Capacity  int    `yaml:"capacity"`
}

type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Service string `yaml:"service"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Files bool   `yaml:"files"`
}

// Default возвращает пустую конфигурацию: все значения берутся через fallback
func Default() *Config {
	return &Config{}
}

// Load читает YAML файл конфигурации.
// Если path == "", пытается прочитать путь из ENV ILL_CONFIG; если и там пусто —
// возвращает Default().
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("ILL_CONFIG")
		if path == "" {
			return Default(), nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение конфигурации %s: %w", path, err)
	}

	return Parse(data)
}

// Parse разбирает YAML из памяти
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("разбор конфигурации: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет значения, которые нельзя молча исправить
func (c *Config) Validate() error {
	switch c.Server.ReadMode {
	case "", "snapshot", "live":
	default:
		return fmt.Errorf("server.read_mode: неизвестный режим %q", c.Server.ReadMode)
	}
	switch c.Ingress.Transport {
	case "", "tcp", "kcp":
	default:
		return fmt.Errorf("ingress.transport: неизвестный транспорт %q", c.Ingress.Transport)
	}
	switch c.EventBus.Kind {
	case "", "memory", "jetstream":
	default:
		return fmt.Errorf("eventbus.kind: неизвестная шина %q", c.EventBus.Kind)
	}
	if c.Server.TickRate < 0 || c.Server.Workers < 0 || c.World.UpdateQueueCapacity < -1 {
		return fmt.Errorf("server/world: отрицательные значения недопустимы")
	}
	return nil
}

// GetTickInterval возвращает период тика: config -> env -> 20 TPS
func (s *ServerConfig) GetTickInterval() time.Duration {
	rate := getIntWithEnvFallback(s.TickRate, "ILL_TICK_RATE", 20)
	return time.Second / time.Duration(rate)
}

// GetWorkers возвращает размер пула: config -> env -> число CPU
func (s *ServerConfig) GetWorkers() int {
	return getIntWithEnvFallback(s.Workers, "ILL_WORKERS", runtime.NumCPU())
}

// GetReadMode возвращает режим чтения соседних чанков
func (s *ServerConfig) GetReadMode() string {
	return getStringWithEnvFallback(s.ReadMode, "ILL_READ_MODE", "snapshot")
}

// GetTrackChanges сообщает, нужно ли собирать изменённые правилом клетки
func (s *ServerConfig) GetTrackChanges() bool {
	if s.TrackChanges != nil {
		return *s.TrackChanges
	}
	return true
}

// GetRule возвращает имя правила мутации
func (s *ServerConfig) GetRule() string {
	return getStringWithEnvFallback(s.Rule, "ILL_RULE", "identity")
}

// GetShutdownWait возвращает предельное время ожидания воркеров при остановке
func (s *ServerConfig) GetShutdownWait() time.Duration {
	if s.ShutdownWait > 0 {
		return s.ShutdownWait
	}
	return 10 * time.Second
}

// GetGenerator возвращает имя генератора мира
func (w *WorldConfig) GetGenerator() string {
	return getStringWithEnvFallback(w.Generator, "ILL_GENERATOR", "perlin")
}

// GetNoiseScale возвращает масштаб шума для генератора
func (w *WorldConfig) GetNoiseScale() float64 {
	if w.NoiseScale > 0 {
		return w.NoiseScale
	}
	return 0.03
}

// GetUpdateQueueCapacity возвращает предел очереди обновлений для
// world.NewUpdateQueue: -1 в конфигурации переводится в 0 (без ограничения),
// 0 означает env ILL_QUEUE_CAPACITY или 65536.
func (w *WorldConfig) GetUpdateQueueCapacity() int {
	if w.UpdateQueueCapacity == -1 {
		return 0
	}
	return getIntWithEnvFallback(w.UpdateQueueCapacity, "ILL_QUEUE_CAPACITY", 65536)
}

// GetTransport возвращает транспорт входящих соединений
func (i *IngressConfig) GetTransport() string {
	return getStringWithEnvFallback(i.Transport, "ILL_TRANSPORT", "tcp")
}

// GetAddr возвращает адрес входящих соединений
func (i *IngressConfig) GetAddr() string {
	return getStringWithEnvFallback(i.Addr, "ILL_INGRESS_ADDR", ":7777")
}

// GetUpdatesPerSecond возвращает лимит сообщений на соединение
func (i *IngressConfig) GetUpdatesPerSecond() float64 {
	if i.UpdatesPerSecond > 0 {
		return i.UpdatesPerSecond
	}
	return 2000
}

// GetBurst возвращает допустимый всплеск сообщений на соединение
func (i *IngressConfig) GetBurst() int {
	if i.Burst > 0 {
		return i.Burst
	}
	return 256
}

// GetAddr возвращает адрес REST API
func (a *APIConfig) GetAddr() string {
	return getStringWithEnvFallback(a.Addr, "ILL_API_ADDR", ":8088")
}

// GetAddr возвращает адрес Prometheus /metrics
func (m *MetricsConfig) GetAddr() string {
	return getStringWithEnvFallback(m.Addr, "ILL_METRICS_ADDR", ":2112")
}

// GetKind возвращает тип шины событий
func (e *EventBusConfig) GetKind() string {
	return getStringWithEnvFallback(e.Kind, "ILL_EVENTBUS", "memory")
}

// GetCapacity возвращает размер буфера in-memory шины
func (e *EventBusConfig) GetCapacity() int {
	if e.Capacity > 0 {
		return e.Capacity
	}
	return 1024
}

// GetRetention возвращает срок хранения событий в JetStream
func (e *EventBusConfig) GetRetention() time.Duration {
	if e.Retention > 0 {
		return time.Duration(e.Retention) * time.Hour
	}
	return time.Hour
}

// GetService возвращает имя сервиса для трассировки
func (t *TelemetryConfig) GetService() string {
	return getStringWithEnvFallback(t.Service, "OTEL_SERVICE_NAME", "ill-of-the-world")
}

// getIntWithEnvFallback возвращает значение с приоритетом: config -> env -> default
func getIntWithEnvFallback(configValue int, envVar string, defaultValue int) int {
	if configValue > 0 {
		return configValue
	}

	if envVal := os.Getenv(envVar); envVal != "" {
		if v, err := strconv.Atoi(envVal); err == nil && v > 0 {
			return v
		}
	}

	return defaultValue
}

// getStringWithEnvFallback то же для строк
func getStringWithEnvFallback(configValue, envVar, defaultValue string) string {
	if configValue != "" {
		return configValue
	}
	if envVal := os.Getenv(envVar); envVal != "" {
		return envVal
	}
	return defaultValue
}
