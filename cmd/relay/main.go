package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pmcore/deliverable-outbox/internal/config"
	"github.com/pmcore/deliverable-outbox/internal/logger"
	"github.com/pmcore/deliverable-outbox/internal/model"
	"github.com/pmcore/deliverable-outbox/internal/relay"
	"github.com/pmcore/deliverable-outbox/internal/repo"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	repository := repo.NewRepository(gdb, rdb, kw, cfg.Redis.Stream, log)

	streamTypes := make([]model.EventType, 0, len(cfg.Outbox.StreamEventTypes))
	for _, t := range cfg.Outbox.StreamEventTypes {
		streamTypes = append(streamTypes, model.EventType(t))
	}

	policy := relay.Policy{
		BaseDelay: cfg.Outbox.BackoffBase(),
		MaxDelay:  cfg.Outbox.BackoffMax(),
		Jitter:    cfg.Outbox.BackoffJitter,
	}
	dispatcher := relay.NewDispatcher(
		repository,
		relay.SinkFunc(repository.PublishEvent),
		relay.StreamFunc(repository.RelayToStream),
		policy,
		relay.Options{
			Workers:          cfg.Outbox.Workers,
			BatchSize:        cfg.Outbox.BatchSize,
			Interval:         cfg.Outbox.PollInterval(),
			AttemptTimeout:   cfg.Outbox.AttemptTimeout(),
			StreamEventTypes: streamTypes,
		},
		log,
	)
	reconciler := relay.NewReconciler(repository,
		cfg.Reconciler.Interval(), cfg.Reconciler.Staleness(), cfg.Reconciler.RequeueStale, log)
	janitor := relay.NewJanitor(repository,
		cfg.Janitor.Interval(), cfg.Janitor.Retention(), log)

	// stop claiming on SIGINT/SIGTERM; in-flight batches finish before exit
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infof("outbox-relay started: %d workers, batch %d", cfg.Outbox.Workers, cfg.Outbox.BatchSize)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); dispatcher.Run(ctx) }()
	go func() { defer wg.Done(); reconciler.Run(ctx) }()
	go func() { defer wg.Done(); janitor.Run(ctx) }()
	wg.Wait()

	log.Info("outbox-relay stopped")
}
