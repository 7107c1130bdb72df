package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/carewire/booking-api/internal/config"
	"github.com/carewire/booking-api/internal/email"
	"github.com/carewire/booking-api/internal/model"
	"github.com/carewire/booking-api/internal/service/notifier"
	"github.com/carewire/booking-api/pkg/logger"
	"github.com/carewire/booking-api/pkg/messaging/redisstream"
	"github.com/carewire/booking-api/pkg/metrics"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.NewLogger(nil)

	registry := prometheus.NewRegistry()
	appMetrics := metrics.NewMetrics("booking_notifier", registry)

	broker, err := redisstream.NewBroker(redisstream.Config{
		URL:           cfg.Redis.URL,
		Streams:       []string{model.EventAppointmentBooked, model.EventAppointmentCanceled},
		Group:         cfg.Consumer.Group,
		Consumer:      cfg.Consumer.Name,
		Prefetch:      cfg.Consumer.Prefetch,
		MinIdle:       cfg.Consumer.MinIdle,
		MaxDeliveries: cfg.Consumer.MaxDeliveries,
		PoolSize:      cfg.Redis.PoolSize,
		MinIdleConns:  cfg.Redis.MinIdleConns,
	}, appLogger.Zerolog())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to broker")
	}
	defer broker.Close()

	consumer := notifier.NewConsumer(
		email.NewSMTPService(cfg.SMTP),
		notifier.NewHTTPAddressBook(&cfg.Identity),
		cfg.Consumer.DedupWindow,
		appLogger.WithComponent("notifier"),
		appMetrics,
	)

	ctx, stop := context.WithCancel(context.Background())

	go func() {
		http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(":9091", nil); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	go func() {
		log.Info().Str("group", cfg.Consumer.Group).Str("consumer", cfg.Consumer.Name).
			Msg("starting notification consumer")
		if err := broker.Consume(ctx, consumer.Handle); err != nil && ctx.Err() == nil {
			log.Fatal().Err(err).Msg("consumer error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	stop()
}
