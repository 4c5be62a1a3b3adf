package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/keslleykledston/24-Monitoramento/internal/alerting"
	"github.com/keslleykledston/24-Monitoramento/internal/database"
	"github.com/keslleykledston/24-Monitoramento/internal/incident"
	"github.com/keslleykledston/24-Monitoramento/internal/queue"
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
	log := logging.Component("alarming")

	log.Info("Starting Alarming Service...")

	db, err := database.Connect(cfg.Database.ConnectionString(), cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Info("Connected to database")

	var lock scheduler.Lock
	if cfg.Jobs.RedisLock {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logrus.Fatalf("Failed to connect to Redis: %v", err)
		}
		lock = scheduler.NewRedisLock(redisClient, cfg.Jobs.LockTTL)
		log.Info("Jobs guarded by Redis lease")
	}

	eventProducer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicIncidents)
	defer eventProducer.Close()
	log.Info("Incident event producer initialized")

	manager := incident.NewManager(db, queue.NewEventPublisher(eventProducer), incident.Options{
		ResolveLookback: cfg.Retention.AutoResolveLookback,
		ResolveSamples:  cfg.Retention.AutoResolveSamples,
	}, logging.Component("incidents"))

	matchers := alerting.DefaultMatchers(cfg.Retention.DefaultConsecutiveFailures, cfg.Retention.LossCriticalThreshold)
	evaluator := alerting.NewEvaluator(db.Store(), manager, matchers, cfg.Retention.StatisticalLookback, logging.Component("evaluator"))

	sched := scheduler.New(lock, logging.Component("scheduler"))
	err = sched.Every("evaluation", cfg.Jobs.EvaluationInterval, func(ctx context.Context) error {
		_, err := evaluator.RunTick(ctx)
		return err
	})
	if err != nil {
		logrus.Fatalf("Failed to schedule rule evaluation: %v", err)
	}
	err = sched.Every("auto-resolve", cfg.Jobs.ResolveInterval, func(ctx context.Context) error {
		_, err := manager.SweepAutoResolve(ctx)
		return err
	})
	if err != nil {
		logrus.Fatalf("Failed to schedule auto-resolve: %v", err)
	}

	sched.Start()
	log.WithFields(logrus.Fields{
		"evaluation_interval": cfg.Jobs.EvaluationInterval,
		"resolve_interval":    cfg.Jobs.ResolveInterval,
	}).Info("Alarming Service is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down gracefully...")
	sched.Stop()
}
