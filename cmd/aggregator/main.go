package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/keslleykledston/24-Monitoramento/internal/aggregation"
	"github.com/keslleykledston/24-Monitoramento/internal/database"
	"github.com/keslleykledston/24-Monitoramento/internal/retention"
	"github.com/keslleykledston/24-Monitoramento/internal/scheduler"
	"github.com/keslleykledston/24-Monitoramento/pkg/config"
	"github.com/keslleykledston/24-Monitoramento/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)
	log := logging.Component("aggregator")

	log.Info("Starting Aggregation Service...")

	db, err := database.Connect(cfg.Database.ConnectionString(), cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Info("Connected to database")

	var lock scheduler.Lock
	if cfg.Jobs.RedisLock {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(context.Background()).Err(); err != nil {
			logrus.Fatalf("Failed to connect to Redis: %v", err)
		}
		lock = scheduler.NewRedisLock(client, cfg.Jobs.LockTTL)
		log.Info("Jobs guarded by Redis lease")
	}

	sched := scheduler.New(lock, logging.Component("scheduler"))

	aggregator := aggregation.NewAggregator(db, cfg.Retention.AggregationBootstrap, logging.Component("aggregator"))
	err = sched.Every("aggregation", cfg.Jobs.AggregationInterval, func(ctx context.Context) error {
		_, err := aggregator.RunTick(ctx)
		return err
	})
	if err != nil {
		logrus.Fatalf("Failed to schedule aggregation: %v", err)
	}

	sweeper := retention.NewSweeper(db, cfg.Retention.RawRetention, cfg.Retention.AggregateRetention, logging.Component("retention"))
	err = sched.Every("retention", cfg.Jobs.RetentionInterval, func(ctx context.Context) error {
		_, err := sweeper.Sweep(ctx)
		return err
	})
	if err != nil {
		logrus.Fatalf("Failed to schedule retention sweep: %v", err)
	}

	sched.Start()
	log.WithFields(logrus.Fields{
		"aggregation_interval": cfg.Jobs.AggregationInterval,
		"retention_interval":   cfg.Jobs.RetentionInterval,
	}).Info("Aggregation Service is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down gracefully...")
	sched.Stop()
	for _, name := range []string{"aggregation", "retention"} {
		if stats, ok := sched.Stats(name); ok {
			log.WithFields(logrus.Fields{
				"job":     name,
				"runs":    stats.Runs,
				"skipped": stats.Skipped,
				"failed":  stats.Failed,
			}).Info("Job stats")
		}
	}
}
