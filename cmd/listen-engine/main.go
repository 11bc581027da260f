package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	listenengine "github.com/snarg/listen-engine"
	"github.com/snarg/listen-engine/internal/api"
	"github.com/snarg/listen-engine/internal/audio"
	"github.com/snarg/listen-engine/internal/config"
	"github.com/snarg/listen-engine/internal/database"
	"github.com/snarg/listen-engine/internal/listen"
	"github.com/snarg/listen-engine/internal/memory"
	"github.com/snarg/listen-engine/internal/metrics"
	"github.com/snarg/listen-engine/internal/mqttclient"
	"github.com/snarg/listen-engine/internal/processor"
	"github.com/snarg/listen-engine/internal/profile"
	"github.com/snarg/listen-engine/internal/redisclient"
	"github.com/snarg/listen-engine/internal/storage"
	"github.com/snarg/listen-engine/internal/stt"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection URL")
	flag.StringVar(&overrides.RedisURL, "redis-url", "", "Redis connection URL")
	flag.StringVar(&overrides.ProfileDir, "profile-dir", "", "directory for speech profile samples")
	flag.Parse()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("listen-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Memory store
	var (
		store    memory.Store
		pool     *pgxpool.Pool
		dbHealth api.HealthChecker
	)
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		if err := db.InitSchema(ctx, listenengine.SchemaSQL); err != nil {
			log.Fatal().Err(err).Msg("failed to initialize schema")
		}
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate schema")
		}
		store, pool, dbHealth = db, db.Pool, db
	} else {
		log.Warn().Msg("DATABASE_URL not set, memories are kept in process only")
		store = memory.NewMemStore()
	}

	// In-progress pointers
	var (
		pointers    memory.Pointers
		redisHealth api.HealthChecker
	)
	if cfg.RedisURL != "" {
		rc, err := redisclient.Connect(ctx, cfg.RedisURL, cfg.PointerTTL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rc.Close()
		pointers, redisHealth = rc, rc
	} else {
		log.Warn().Msg("REDIS_URL not set, in-progress pointers are kept in process only")
		pointers = memory.NewMemPointers()
	}

	// MQTT (optional)
	var (
		publisher listen.Publisher
		broker    api.BrokerStatus
	)
	if cfg.MQTTBrokerURL != "" {
		mqtt, err := mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			Log:         log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mqtt.Close()
		publisher, broker = mqtt, mqtt
	}

	// Speech profiles
	objects, err := storage.New(ctx, cfg.S3, cfg.ProfileDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize profile storage")
	}
	profiles := profile.New(objects, cfg.Session.EnrollmentPadding, log)

	// VAD bypass list
	bypass, err := audio.NewAllowlist(cfg.VAD.BypassUsers, cfg.VAD.BypassFile, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load VAD bypass list")
	}
	if cfg.VAD.BypassFile != "" {
		if err := bypass.Watch(ctx); err != nil {
			log.Warn().Err(err).Msg("VAD bypass file will not be reloaded")
		}
	}

	// Transcription providers
	sttLog := log.With().Str("component", "stt").Logger()
	registry, err := stt.NewRegistry(cfg.STT.NativeProvider, cfg.STT.GeneralProvider,
		stt.NewDeepgramClient(cfg.STT.DeepgramURL, cfg.STT.DeepgramAPIKey, cfg.STT.DeepgramModel, cfg.STT.DialTimeout, sttLog),
		stt.NewSonioxClient(cfg.STT.SonioxURL, cfg.STT.SonioxAPIKey, cfg.STT.SonioxModel, cfg.STT.DialTimeout, sttLog),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid stt provider config")
	}

	// Processing pipeline
	var (
		proc    listen.Processor = processor.Passthrough{}
		matcher *processor.Client
	)
	if cfg.Processor.URL != "" {
		matcher = processor.NewClient(cfg.Processor.URL, cfg.Processor.Token, cfg.Processor.Timeout)
		proc = matcher
		log.Info().Str("url", cfg.Processor.URL).Msg("memory processing enabled")
	} else {
		log.Warn().Msg("PROCESSOR_URL not set, memories are finalized without processing")
	}

	svcOpts := listen.ServiceOptions{
		Store:             store,
		Pointers:          pointers,
		Processor:         proc,
		Registry:          registry,
		Profiles:          profiles,
		BypassVAD:         bypass,
		Publisher:         publisher,
		QuietPeriod:       cfg.Session.QuietPeriod,
		Lifetime:          cfg.Session.Lifetime,
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		VADMode:           cfg.VAD.Mode,
		Log:               log,
	}
	if matcher != nil {
		svcOpts.Matcher = matcher
	}
	svc := listen.NewService(svcOpts)

	prometheus.MustRegister(metrics.NewCollector(pool, svc))

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(api.ServerOptions{
		Config:      cfg,
		Service:     svc,
		Profiles:    profiles,
		Publisher:   publisher,
		DB:          dbHealth,
		Redis:       redisHealth,
		MQTT:        broker,
		Version:     version,
		StartTime:   startTime,
		BaseContext: ctx,
		Log:         httpLog,
	})

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
		stop()
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	if err := svc.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("finalizations still running at shutdown")
	}

	log.Info().Msg("listen-engine stopped")
}
