package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/keslleykledston/24-Monitoramento/internal/notification"
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
	log := logging.Component("notification")

	log.Info("Starting Notification Service...")

	notifier := notification.NewEmailNotifier(&cfg.SMTP, logging.Component("email"))
	if err := notifier.TestConnection(); err != nil {
		log.WithError(err).Warn("Notifications will be logged only")
	}

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicIncidents, "notification-group")
	defer consumer.Close()
	log.WithField("topic", cfg.Kafka.TopicIncidents).Info("Kafka consumer initialized")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		queue.NewEventConsumer(consumer, notifier, logging.Component("events")).Run(ctx)
	}()

	log.Info("Notification Service is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down gracefully...")
	cancel()
	<-done
}
