package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/coursekit/metrics-pipeline/internal/aggregator"
	"github.com/coursekit/metrics-pipeline/internal/api"
	"github.com/coursekit/metrics-pipeline/internal/cache"
	"github.com/coursekit/metrics-pipeline/internal/collector"
	"github.com/coursekit/metrics-pipeline/internal/emitter"
	"github.com/coursekit/metrics-pipeline/internal/ingress"
	"github.com/coursekit/metrics-pipeline/internal/observability"
	"github.com/coursekit/metrics-pipeline/internal/query"
	"github.com/coursekit/metrics-pipeline/internal/store"
)

type Config struct {
	Server struct {
		Address string `yaml:"address"`
	} `yaml:"server"`

	ClickHouse struct {
		Addresses    []string `yaml:"addresses"`
		Database     string   `yaml:"database"`
		Username     string   `yaml:"username"`
		Password     string   `yaml:"password"`
		MaxIdleConns int      `yaml:"max_idle_conns"`
		MaxOpenConns int      `yaml:"max_open_conns"`
	} `yaml:"clickhouse"`

	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`

	Emitter struct {
		QueueSize     int           `yaml:"queue_size"`
		BatchSize     int           `yaml:"batch_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
		StopTimeout   time.Duration `yaml:"stop_timeout"`
	} `yaml:"emitter"`

	Rollup struct {
		Interval time.Duration `yaml:"interval"`
		Delay    time.Duration `yaml:"delay"`
	} `yaml:"rollup"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

func main() {
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	backfillDays := flag.Int("backfill", 0, "Roll up the last N days and exit")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chStore, err := store.New(&store.Config{
		Addresses:    cfg.ClickHouse.Addresses,
		Database:     cfg.ClickHouse.Database,
		Username:     cfg.ClickHouse.Username,
		Password:     cfg.ClickHouse.Password,
		MaxIdleConns: cfg.ClickHouse.MaxIdleConns,
		MaxOpenConns: cfg.ClickHouse.MaxOpenConns,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to ClickHouse", zap.Error(err))
	}
	defer chStore.Close()

	if err := chStore.Migrate(ctx); err != nil {
		logger.Fatal("Failed to run schema migrations", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	aggRunner := aggregator.New(aggregator.Config{RollupDelay: cfg.Rollup.Delay}, chStore, metrics, logger)

	if *backfillDays > 0 {
		if err := aggRunner.Backfill(ctx, *backfillDays); err != nil {
			logger.Fatal("Backfill failed", zap.Error(err))
		}
		logger.Info("Backfill complete", zap.Int("days", *backfillDays))
		return
	}

	var redisCache *cache.Client
	if cfg.Redis.URL != "" {
		redisCache, err = cache.New(&cache.Config{URL: cfg.Redis.URL}, logger)
		if err != nil {
			logger.Warn("Redis unavailable, realtime counters disabled", zap.Error(err))
			redisCache = nil
		} else {
			defer redisCache.Close()
		}
	}

	var collectorCache collector.Cache
	var queryCache query.Cache
	if redisCache != nil {
		collectorCache = redisCache
		queryCache = redisCache
	}

	coll := collector.New(chStore, collectorCache, metrics, logger)

	em := emitter.New(emitter.Config{
		QueueSize:     cfg.Emitter.QueueSize,
		BatchSize:     cfg.Emitter.BatchSize,
		FlushInterval: cfg.Emitter.FlushInterval,
		StopTimeout:   cfg.Emitter.StopTimeout,
	}, coll, metrics, logger)
	em.Start()

	aggRunner.Start(cfg.Rollup.Interval)

	queries := query.New(chStore, queryCache, em, query.NewSystemProbe(), logger)

	router := mux.NewRouter()
	api.NewServer(queries, logger).Routes(router)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      ingress.Middleware(em, "/metrics", "/health", "/favicon.ico", "/api/v1/metrics")(router),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("Starting metrics API", zap.String("address", cfg.Server.Address))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Metrics pipeline started successfully")

	<-sigChan
	logger.Info("Shutting down metrics pipeline...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down HTTP server", zap.Error(err))
	}

	aggRunner.Stop()
	em.Stop()

	logger.Info("Metrics pipeline shutdown complete")
}

func loadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		cfg.ClickHouse.Password = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}

	if len(cfg.ClickHouse.Addresses) == 0 {
		cfg.ClickHouse.Addresses = []string{"localhost:9000"}
	}

	if cfg.ClickHouse.Database == "" {
		cfg.ClickHouse.Database = "metrics"
	}

	if cfg.ClickHouse.Username == "" {
		cfg.ClickHouse.Username = "default"
	}

	if cfg.ClickHouse.MaxIdleConns == 0 {
		cfg.ClickHouse.MaxIdleConns = 5
	}

	if cfg.ClickHouse.MaxOpenConns == 0 {
		cfg.ClickHouse.MaxOpenConns = 10
	}

	if cfg.Rollup.Interval == 0 {
		cfg.Rollup.Interval = time.Hour
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return config.Build()
}
