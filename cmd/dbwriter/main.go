package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/keslleykledston/24-Monitoramento/internal/database"
	"github.com/keslleykledston/24-Monitoramento/internal/fanout"
	"github.com/keslleykledston/24-Monitoramento/internal/ingest"
	"github.com/keslleykledston/24-Monitoramento/internal/queue"
	"github.com/keslleykledston/24-Monitoramento/pkg/config"
	"github.com/keslleykledston/24-Monitoramento/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)
	log := logging.Component("dbwriter")

	log.Info("Starting Database Writer Service...")
	db, err := database.Connect(cfg.Database.ConnectionString(), cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Info("Connected to database")

	if err := db.RunMigrations(cfg.Rules.MigrationsDir); err != nil {
		logrus.Fatalf("Failed to run migrations: %v", err)
	}

	var publisher fanout.Publisher = fanout.Noop{}
	switch cfg.FanOut.Driver {
	case config.FanOutRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		publisher = fanout.NewRedisPublisher(client, cfg.FanOut.Channel)
	case config.FanOutNATS:
		nats, err := fanout.NewNATSPublisher(cfg.NATS.URL, cfg.FanOut.Channel)
		if err != nil {
			logrus.Fatalf("Failed to create fan-out publisher: %v", err)
		}
		publisher = nats
	}
	async := fanout.NewAsync(publisher, cfg.FanOut.Buffer, logging.Component("fanout"))
	defer async.Close()

	service := ingest.NewService(db, async, logging.Component("ingest"))

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicMeasurements, "dbwriter-group")
	defer consumer.Close()

	batchWriter := queue.NewBatchWriter(consumer, service, cfg.Kafka.BatchSize, cfg.Kafka.FlushInterval, logging.Component("batch-writer"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	batchWriter.Start(ctx)
	log.WithFields(logrus.Fields{
		"batch_size":     cfg.Kafka.BatchSize,
		"flush_interval": cfg.Kafka.FlushInterval,
	}).Info("Batch writer started")

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := consumer.Stats()
				log.WithFields(logrus.Fields{
					"messages":       stats.Messages,
					"bytes":          stats.Bytes,
					"errors":         stats.Errors,
					"lag":            stats.Lag,
					"fanout_dropped": async.Dropped(),
				}).Info("Consumer stats")
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down gracefully...")
	batchWriter.Stop()
	log.Info("Database Writer Service stopped")
}
