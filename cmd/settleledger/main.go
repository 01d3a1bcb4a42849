package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"SettleLedger/internal/config"
	"SettleLedger/internal/engine"
	"SettleLedger/internal/fx"
	"SettleLedger/internal/ingestion"
	"SettleLedger/internal/observability"
	"SettleLedger/internal/position"
	"SettleLedger/internal/reconciliation"
	"SettleLedger/internal/scheduler"
	"SettleLedger/internal/server"
	"SettleLedger/internal/store"
	"SettleLedger/internal/timeout"
)

func main() {
	configPath := flag.String("config", os.Getenv("SETTLE_CONFIG"), "path to config file")
	flag.Parse()

	log := observability.NewLogger("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	log.Info().Msg("settleledger starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	st, err := store.Open(cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer st.Close()
	log.Info().Msg("postgres connected")

	migrator := store.NewMigrator(st.DB(), cfg.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}
	log.Info().Msg("migrations applied")

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Domain engines ---
	transferEngine := engine.New(st, cfg.Ledger.AmountScale, metrics)
	positionEngine := position.New(st, metrics)
	fxResolver := fx.New(st)
	reconOrch := reconciliation.New(st, reconciliation.Config{
		HubParticipantID: cfg.Ledger.HubParticipantID,
		AmountScale:      cfg.Ledger.AmountScale,
		ValiditySeconds:  cfg.Ledger.InternalValiditySeconds,
	}, metrics)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	log.Info().Msg("nats connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure nats streams")
	}
	if err := ingestion.EnsureNotificationStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure notification stream")
	}

	rawEventChan := make(chan ingestion.RawEvent, 4096)
	subscriber := ingestion.NewSubscriber(js, rawEventChan)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatal().Err(err).Msg("nats subscribe")
	}

	dispatcher := ingestion.NewDispatcher(rawEventChan, transferEngine, positionEngine, reconOrch, fxResolver, cfg.Ledger.AmountScale, metrics)

	// --- Timeout scanners behind the Redis lease ---
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("redis ping")
	}
	log.Info().Msg("redis connected")

	notifier := ingestion.NewPublisher(js)
	scanner := timeout.NewScanner(st, notifier, cfg.Ledger.MaxForwardedAttempts, metrics)
	lease := scheduler.NewLease(redisClient, "settleledger:scan-lease", cfg.Scheduler.LeaseDuration)
	sched := scheduler.New(lease, scanner, cfg.Scheduler.ScanInterval, metrics)

	// --- Servers ---
	srv := server.New(cfg.Server.GRPCAddr, cfg.Server.MetricsAddr, st, healthChecker)

	errChan := make(chan error, 4)
	go func() { errChan <- dispatcher.Run(ctx) }()
	go func() { errChan <- sched.Run(ctx) }()
	go func() { errChan <- srv.StartGRPC(ctx) }()
	go func() { errChan <- srv.StartHTTP(ctx) }()

	healthChecker.SetReady(true)
	log.Info().
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.MetricsAddr).
		Msg("settleledger ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("component failed, shutting down")
		}
	}

	healthChecker.SetReady(false)
	cancel()
	subscriber.Stop()

	// In-flight handlers finish against the still-open pool before the
	// deferred closes run.
	time.Sleep(2 * time.Second)
	log.Info().Msg("settleledger shutdown complete")
}
