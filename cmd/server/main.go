package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Panadero1/ill-of-the-world/internal/api"
	"github.com/Panadero1/ill-of-the-world/internal/config"
	"github.com/Panadero1/ill-of-the-world/internal/eventbus"
	"github.com/Panadero1/ill-of-the-world/internal/logging"
	"github.com/Panadero1/ill-of-the-world/internal/metrics"
	"github.com/Panadero1/ill-of-the-world/internal/network"
	"github.com/Panadero1/ill-of-the-world/internal/observability"
	"github.com/Panadero1/ill-of-the-world/internal/protocol"
	"github.com/Panadero1/ill-of-the-world/internal/scheduler"
	"github.com/Panadero1/ill-of-the-world/internal/server"
	"github.com/Panadero1/ill-of-the-world/internal/world"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (по умолчанию $ILL_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}

	// === ЛОГИРОВАНИЕ ===
	if err := logging.InitDefaultLogger("server"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()
	if cfg.Logging.Level != "" {
		level := logging.ParseLevel(cfg.Logging.Level)
		logging.SetDefaultLevel(level, level)
	}
	logging.GetLoggerManager().EnableFiles(cfg.Logging.Files)

	logging.Info("🎮 Запуск сервера мира...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === ТРАССИРОВКА ===
	shutdownTelemetry := observability.Noop
	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err = observability.InitTelemetry(ctx, cfg.Telemetry.GetService())
		if err != nil {
			log.Fatalf("❌ Ошибка инициализации трассировки: %v", err)
		}
		logging.Info("🔭 Трассировка OTLP включена (%s)", cfg.Telemetry.GetService())
	}

	// === МЕТРИКИ ===
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// === ШИНА СОБЫТИЙ ===
	bus, err := newEventBus(&cfg.EventBus)
	if err != nil {
		log.Fatalf("❌ Ошибка создания шины событий: %v", err)
	}
	exporter := eventbus.NewMetricsExporter(bus, reg, 5*time.Second)
	exporter.Start()
	if _, err := eventbus.StartLoggingListener(bus); err != nil {
		logging.Warn("⚠️ Логирование событий недоступно: %v", err)
	}

	codec, err := protocol.NewZstdCodec()
	if err != nil {
		log.Fatalf("❌ Ошибка создания кодека дельт: %v", err)
	}

	// === МИР ===
	rule, err := world.RuleByName(cfg.Server.GetRule())
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	generator, err := world.GeneratorByName(cfg.World.GetGenerator(), cfg.World.Seed, cfg.World.GetNoiseScale())
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	readMode, err := scheduler.ParseReadMode(cfg.Server.GetReadMode())
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	srv, err := server.New(server.Options{
		Workers:       cfg.Server.GetWorkers(),
		Interval:      cfg.Server.GetTickInterval(),
		ReadMode:      readMode,
		TrackChanges:  cfg.Server.GetTrackChanges(),
		QueueCapacity: cfg.World.GetUpdateQueueCapacity(),
		Rule:          rule,
		Generator:     generator,
	}, server.NewBusPublisher(bus, codec, "tick-loop"), collector)
	if err != nil {
		log.Fatalf("❌ Ошибка создания сервера мира: %v", err)
	}

	// === СЕТЬ ===
	ingress := network.NewIngress(network.Options{
		Transport:        cfg.Ingress.GetTransport(),
		Addr:             cfg.Ingress.GetAddr(),
		UpdatesPerSecond: cfg.Ingress.GetUpdatesPerSecond(),
		Burst:            cfg.Ingress.GetBurst(),
	}, srv, bus, collector)
	if err := ingress.Start(); err != nil {
		log.Fatalf("❌ Ошибка запуска приёма обновлений: %v", err)
	}

	restServer := api.NewRestServer(api.Config{
		Addr:     cfg.API.GetAddr(),
		World:    srv,
		Registry: reg,
		Gatherer: reg,
	})
	if err := restServer.Start(); err != nil {
		log.Fatalf("❌ Ошибка запуска REST API: %v", err)
	}

	metricsSrv := &http.Server{
		Addr:              cfg.Metrics.GetAddr(),
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("❌ Сервер метрик остановился: %v", err)
		}
	}()

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("❌ Ошибка запуска тикового цикла: %v", err)
	}

	logging.Info("✅ Все сервисы запущены")
	logging.Info("   🎮 Обновления: %s %s", cfg.Ingress.GetTransport(), cfg.Ingress.GetAddr())
	logging.Info("   🌐 REST API: %s", cfg.API.GetAddr())
	logging.Info("   📊 Метрики: %s/metrics", cfg.Metrics.GetAddr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var fatal error
	select {
	case sig := <-sigCh:
		logging.Info("📡 Получен сигнал %v, завершение работы...", sig)
	case <-srv.Done():
		// цикл завершился сам: только отказ пула
		fatal = srv.Stop()
	}

	// === GRACEFUL SHUTDOWN ===
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownWait())
	defer shutdownCancel()

	if err := srv.Stop(); err != nil && fatal == nil {
		fatal = err
	}
	ingress.Stop()
	if err := restServer.Stop(shutdownCtx); err != nil {
		logging.Error("❌ Ошибка остановки REST API: %v", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logging.Error("❌ Ошибка остановки сервера метрик: %v", err)
	}
	if err := srv.Close(shutdownCtx); err != nil && fatal == nil {
		fatal = err
	}
	exporter.Stop()
	if err := bus.Close(); err != nil {
		logging.Error("❌ Ошибка закрытия шины: %v", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logging.Error("❌ Ошибка остановки трассировки: %v", err)
	}

	if fatal != nil {
		logging.CloseDefaultLogger()
		log.Fatalf("❌ Сервер мира остановлен из-за отказа пула: %v", fatal)
	}
	logging.Info("👋 Сервер успешно остановлен")
}

func newEventBus(cfg *config.EventBusConfig) (eventbus.EventBus, error) {
	switch cfg.GetKind() {
	case "jetstream":
		url := cfg.URL
		if url == "" {
			url = os.Getenv("NATS_URL")
		}
		bus, err := eventbus.NewJetStreamBus(url, cfg.Stream, cfg.GetRetention())
		if err != nil {
			return nil, err
		}
		logging.Info("📨 Шина событий: JetStream %s", url)
		return bus, nil
	default:
		logging.Info("📨 Шина событий: память (буфер %d)", cfg.GetCapacity())
		return eventbus.NewMemoryBus(cfg.GetCapacity()), nil
	}
}
