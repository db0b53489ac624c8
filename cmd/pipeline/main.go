// main wires the compliance pipeline: Kafka consumer, retention scheduler,
// and the operator API, sharing one Postgres handle and one Redis client.
// Business logic lives in the internal packages.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"medicore/internal/audit"
	"medicore/internal/identity"
	"medicore/internal/idempotency"
	"medicore/internal/notify"
	"medicore/internal/pipeline"
	"medicore/internal/platform/config"
	"medicore/internal/platform/httpserver"
	"medicore/internal/platform/kafka"
	"medicore/internal/platform/kafka/consumer"
	"medicore/internal/platform/logger"
	"medicore/internal/platform/metrics"
	"medicore/internal/platform/postgres"
	"medicore/internal/platform/redis"
	"medicore/internal/records"
	"medicore/internal/retention"
	"medicore/internal/scheduler"
	httptransport "medicore/internal/transport/http"
	"medicore/internal/validation"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("postgres connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	if err := kafka.EnsureTopics(ctx, cfg.Kafka.Brokers,
		cfg.Kafka.ChangesTopic, cfg.Kafka.IdentityTopic); err != nil {
		log.Error("topic provisioning failed", "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	recordStore := records.NewPostgresStore(db)
	auditStore := audit.NewPostgresStore(db)
	auditDeadLetters := audit.NewPostgresDeadLetters(db)
	notifyStore := notify.NewPostgresStore(db)
	identityStore := identity.NewPostgresStore(db)
	runStore := retention.NewPostgresRunStore(db)

	guard := idempotency.NewRedisGuard(redisClient.Client, cfg.DedupWindow)
	recorder := audit.NewRecorder(auditStore, auditDeadLetters, audit.RecorderConfig{}, log, m)
	validator := validation.New(recordStore, cfg.AllowedMedications, log)
	dispatcher := notify.NewDispatcher(notifyStore, notify.NewLogTransport(log), guard,
		notify.DispatcherConfig{}, log, m)
	assigner := identity.NewAssigner(identityStore, log, m)

	handler := pipeline.NewHandler(guard, validator, recordStore, recorder,
		dispatcher, assigner, log, m)

	router := consumer.NewRouter(log)
	router.Register(cfg.Kafka.ChangesTopic, consumer.HandlerFunc(
		func(ctx context.Context, msg *consumer.Message) error {
			return handler.HandleChange(ctx, msg.Value)
		}))
	router.Register(cfg.Kafka.IdentityTopic, consumer.HandlerFunc(
		func(ctx context.Context, msg *consumer.Message) error {
			return handler.HandleIdentity(ctx, msg.Value)
		}))

	kafkaConsumer, err := consumer.New(consumer.Config{
		Brokers: cfg.Kafka.Brokers,
		Group:   cfg.Kafka.ConsumerGroup,
		Topics:  []string{cfg.Kafka.ChangesTopic, cfg.Kafka.IdentityTopic},
	}, router, log)
	if err != nil {
		log.Error("kafka consumer setup failed", "error", err)
		os.Exit(1)
	}

	purger := retention.NewPurger(
		[]retention.Policy{{
			Name:       "audit_entries",
			Collection: audit.NewRetentionCollection(auditStore),
			Horizon:    cfg.Retention.AuditHorizon,
		}},
		retention.NewRedisLease(redisClient.Client),
		runStore,
		retention.PurgerConfig{
			BatchSize:        cfg.Retention.BatchSize,
			LeaseTTL:         cfg.Retention.LeaseTTL,
			DeletesPerSecond: cfg.Retention.DeletesPerSecond,
		},
		log, m,
	)
	sched := scheduler.New(log)
	sched.Register(scheduler.JobFunc{JobName: "retention_purge", Fn: purger.Run},
		cfg.Retention.Interval)

	srv := httpserver.New(cfg.HTTPAddr, httptransport.NewRouter(httptransport.Deps{
		AuditDeadLetters: auditDeadLetters,
		Notifications:    notifyStore,
		Records:          recordStore,
		PurgeRuns:        runStore,
		Health: func(ctx context.Context) error {
			if err := db.PingContext(ctx); err != nil {
				return err
			}
			return redisClient.Health(ctx)
		},
		Tokens: httptransport.NewTokenService(cfg.JWTSigningKey, "medicore"),
		Logger: log,
	}))

	log.Info("starting medicore pipeline",
		"addr", cfg.HTTPAddr,
		"changes_topic", cfg.Kafka.ChangesTopic,
		"identity_topic", cfg.Kafka.IdentityTopic,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return kafkaConsumer.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("pipeline terminated", "error", err)
		os.Exit(1)
	}
	log.Info("pipeline stopped")
}
