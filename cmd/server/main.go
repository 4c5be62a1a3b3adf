package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/keslleykledston/24-Monitoramento/internal/alerting"
	"github.com/keslleykledston/24-Monitoramento/internal/api"
	"github.com/keslleykledston/24-Monitoramento/internal/connection"
	"github.com/keslleykledston/24-Monitoramento/internal/database"
	"github.com/keslleykledston/24-Monitoramento/internal/fanout"
	"github.com/keslleykledston/24-Monitoramento/internal/incident"
	"github.com/keslleykledston/24-Monitoramento/internal/ingest"
	"github.com/keslleykledston/24-Monitoramento/internal/queue"
	"github.com/keslleykledston/24-Monitoramento/internal/scheduler"
	"github.com/keslleykledston/24-Monitoramento/internal/server"
	"github.com/keslleykledston/24-Monitoramento/pkg/config"
	"github.com/keslleykledston/24-Monitoramento/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)
	log := logging.Component("server")

	log.Info("Starting Monitoring API Server...")

	db, err := database.Connect(cfg.Database.ConnectionString(), cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Info("Connected to database")

	if err := db.RunMigrations(cfg.Rules.MigrationsDir); err != nil {
		logrus.Fatalf("Failed to run migrations: %v", err)
	}

	rules, err := alerting.LoadRuleFile(cfg.Rules.File)
	if err != nil {
		logrus.Fatalf("Failed to load alert rules: %v", err)
	}
	ctx := context.Background()
	created, err := alerting.SeedRules(ctx, db, rules, logging.Component("rules"))
	if err != nil {
		logrus.Fatalf("Failed to seed alert rules: %v", err)
	}
	log.WithField("created", created).Info("Alert rules seeded")

	publisher, err := newFanOut(cfg)
	if err != nil {
		logrus.Fatalf("Failed to create fan-out publisher: %v", err)
	}
	async := fanout.NewAsync(publisher, cfg.FanOut.Buffer, logging.Component("fanout"))
	defer async.Close()
	log.WithField("driver", cfg.FanOut.Driver).Info("Fan-out publisher ready")

	for _, topic := range []string{cfg.Kafka.TopicMeasurements, cfg.Kafka.TopicIncidents} {
		if err := queue.CreateTopic(cfg.Kafka.Brokers, topic, cfg.Kafka.NumPartitions, 1, logging.Component("kafka")); err != nil {
			log.WithError(err).WithField("topic", topic).Warn("Could not ensure Kafka topic")
		}
	}

	incidentProducer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicIncidents)
	defer incidentProducer.Close()
	manager := incident.NewManager(db, queue.NewEventPublisher(incidentProducer), incident.Options{
		ResolveLookback: cfg.Retention.AutoResolveLookback,
		ResolveSamples:  cfg.Retention.AutoResolveSamples,
	}, logging.Component("incidents"))

	var ingester api.Ingester
	if cfg.HTTP.IngestViaKafka {
		producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicMeasurements)
		defer producer.Close()
		ingester = queue.NewForwarder(producer)
		log.Info("Ingestion queued through Kafka")
	} else {
		ingester = ingest.NewService(db, async, logging.Component("ingest"))
	}

	handler := &api.Handler{
		Ingest:        ingester,
		Incidents:     manager,
		Store:         db.Store(),
		DB:            db,
		Queued:        cfg.HTTP.IngestViaKafka,
		Timeout:       10 * time.Second,
		MaxLiveWindow: cfg.Retention.RawRetention,
		MaxHistory:    cfg.Retention.AggregateRetention,
		Log:           logging.Component("api"),
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: api.NewRouter(handler, cfg.HTTP.CORSOrigins),
	}

	go func() {
		log.WithField("port", cfg.HTTP.Port).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("HTTP server failed: %v", err)
		}
	}()

	var stream *server.TCPServer
	var timers *scheduler.TimerManager
	if cfg.Stream.Enabled {
		timers = scheduler.NewTimerManager(2)
		timers.Start()
		stream = server.NewTCPServer(cfg.Stream, connection.NewManager(cfg.Stream.MaxConnections), timers, ingester, logging.Component("stream"))
		if err := stream.Start(); err != nil {
			logrus.Fatalf("Failed to start probe stream server: %v", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP server shutdown failed")
	}
	if stream != nil {
		stream.Stop()
		timers.Stop()
		log.WithField("inactivity_timers_fired", timers.Stats().Fired).Info("Probe stream server stopped")
	}
	log.WithField("fanout_dropped", async.Dropped()).Info("Server stopped")
}

func newFanOut(cfg *config.Config) (fanout.Publisher, error) {
	switch cfg.FanOut.Driver {
	case config.FanOutRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return fanout.NewRedisPublisher(client, cfg.FanOut.Channel), nil
	case config.FanOutNATS:
		return fanout.NewNATSPublisher(cfg.NATS.URL, cfg.FanOut.Channel)
	default:
		return fanout.Noop{}, nil
	}
}
