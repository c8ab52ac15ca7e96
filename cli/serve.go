package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Arcay322/Granja-cuyes-sub002/config"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/api"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/domain"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/kafka"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/lifecycle"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/monitor"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/postgres"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/queue"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/rediscache"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/render"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/version"
	"github.com/Arcay322/Granja-cuyes-sub002/pkg/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the export service",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("redis-addr", "", "Redis address (host:port); empty disables the status cache")
	serveCmd.Flags().String("kafka-brokers", "", "comma-separated Kafka broker addresses; empty disables event publishing")
	serveCmd.Flags().String("kafka-topic", kafka.DefaultTopic, "Kafka topic for export events")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	serveCmd.Flags().String("export-dir", "./exports", "directory where generated files are written")
	serveCmd.Flags().Int("max-concurrent", 3, "maximum exports rendered in parallel")
	serveCmd.Flags().Int("retention-days", 7, "days to keep finished exports before cleanup")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("kafka_topic", serveCmd.Flags(), "kafka-topic")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	bindFlag("export_dir", serveCmd.Flags(), "export-dir")
	bindFlag("max_concurrent", serveCmd.Flags(), "max-concurrent")
	bindFlag("retention_days", serveCmd.Flags(), "retention-days")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel)

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "exportd", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	// ── storage ───────────────────────────────────────────────────────────────
	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	store := postgres.NewStore(pool)

	renderer, err := render.NewLocalRenderer(cfg.ExportDir)
	if err != nil {
		return fmt.Errorf("export dir: %w", err)
	}

	// ── queue + lifecycle ─────────────────────────────────────────────────────
	queueOpts := []queue.Option{queue.WithLogger(logger)}
	if cfg.MaxConcurrent > 0 {
		queueOpts = append(queueOpts, queue.WithMaxConcurrent(cfg.MaxConcurrent))
	}

	var cache rediscache.StatusCache
	if cfg.RedisAddr != "" {
		redisClient := rediscache.NewClient(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()
		cache = rediscache.NewStatusCache(redisClient)
		queueOpts = append(queueOpts, queue.WithProgressSink(rediscache.ProgressMirror(cache, logger)))
	}

	q := queue.New(store, renderer, queueOpts...)

	if cache != nil {
		q.Subscribe(rediscache.EventMirror(cache, logger))
	}
	if cfg.KafkaBrokers != "" {
		publisher := kafka.NewPublisher(strings.Split(cfg.KafkaBrokers, ","), cfg.KafkaTopic)
		defer func() { _ = publisher.Close() }()
		q.Subscribe(kafka.EventSink(publisher, logger))
	}

	manager := lifecycle.NewManager(store, q, lifecycle.WithLogger(logger))

	monOpts := []monitor.Option{monitor.WithLogger(logger)}
	if cfg.RetentionDays > 0 {
		monOpts = append(monOpts, monitor.WithRetention(time.Duration(cfg.RetentionDays)*24*time.Hour))
	}
	mon := monitor.New(store, manager, q, monOpts...)

	// Jobs that were PENDING when the previous process died go back on the
	// queue before we start taking traffic.
	if err := requeuePending(store, q, logger); err != nil {
		return err
	}

	q.Start()
	if err := mon.StartMonitoring(context.Background()); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.NewHandler(manager, mon, cache, logger)
	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(handler, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	go func() {
		logger.Info("HTTP server starting",
			slog.String("addr", httpSrv.Addr),
			slog.String("version", version.String()),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer shutCancel()

	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	if err := mon.GracefulShutdown(shutCtx, 30*time.Second); err != nil {
		logger.Error("graceful shutdown error", slog.String("error", err.Error()))
	}
	q.Stop()

	logger.Info("stopped")
	return nil
}

// requeuePending reloads PENDING jobs left over from a previous run.
func requeuePending(store postgres.JobStore, q *queue.Queue, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	jobs, err := store.ListJobs(ctx, postgres.HistoryFilter{Status: domain.StatusPending, Limit: 1000})
	if err != nil {
		return fmt.Errorf("reload pending jobs: %w", err)
	}
	for _, job := range jobs {
		if err := q.Add(ctx, job); err != nil {
			logger.Error("failed to requeue job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
	}
	if len(jobs) > 0 {
		logger.Info("requeued pending exports from previous run", slog.Int("count", len(jobs)))
	}
	return nil
}
