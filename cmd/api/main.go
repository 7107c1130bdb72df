package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/carewire/booking-api/internal/config"
	"github.com/carewire/booking-api/internal/gateway"
	"github.com/carewire/booking-api/internal/handler"
	appointmentHandler "github.com/carewire/booking-api/internal/handler/appointment"
	"github.com/carewire/booking-api/internal/lease"
	"github.com/carewire/booking-api/internal/middleware"
	"github.com/carewire/booking-api/internal/model"
	"github.com/carewire/booking-api/internal/repository/postgres"
	"github.com/carewire/booking-api/internal/router"
	bookingService "github.com/carewire/booking-api/internal/service/booking"
	eventService "github.com/carewire/booking-api/internal/service/event"
	"github.com/carewire/booking-api/pkg/logger"
	"github.com/carewire/booking-api/pkg/messaging/redisstream"
	"github.com/carewire/booking-api/pkg/metrics"
	"github.com/carewire/booking-api/pkg/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.NewLogger(nil)

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse Redis URL")
	}
	redisOpts.PoolSize = cfg.Redis.PoolSize
	redisOpts.MinIdleConns = cfg.Redis.MinIdleConns
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	registry := prometheus.NewRegistry()
	appMetrics := metrics.NewMetrics("booking_api", registry)

	appointmentRepo := postgres.NewAppointmentRepository(db)
	outboxRepo := postgres.NewOutboxRepository(db)

	directory := gateway.NewClient(gateway.Config{
		BaseURL:    cfg.Directory.BaseURL,
		Timeout:    cfg.Directory.Timeout,
		MaxRetries: cfg.Directory.MaxRetries,
	}, appMetrics, appLogger.Zerolog())

	slotLeaser := lease.NewRedisSlotLeaser(redisClient, cfg.Directory.LeaseTTL)

	broker, err := redisstream.NewBroker(redisstream.Config{
		URL:          cfg.Redis.URL,
		Streams:      []string{model.EventAppointmentBooked, model.EventAppointmentCanceled},
		Group:        cfg.Consumer.Group,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, appLogger.Zerolog())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to broker")
	}
	defer broker.Close()

	events := eventService.NewService(outboxRepo)
	booking := bookingService.NewService(
		appointmentRepo,
		directory,
		events,
		slotLeaser,
		appLogger.WithComponent("booking"),
		appMetrics,
	)

	relay := worker.NewOutboxRelay(outboxRepo, broker, worker.OutboxRelayConfig{
		BatchSize:    cfg.Outbox.BatchSize,
		PollInterval: cfg.Outbox.PollInterval,
		MaxRetries:   cfg.Outbox.MaxRetries,
		RetryDelay:   cfg.Outbox.RetryDelay,
		Retention:    cfg.Outbox.Retention,
	}, appLogger.WithComponent("outbox-relay"), appMetrics)

	relayCtx, stopRelay := context.WithCancel(context.Background())
	go relay.Start(relayCtx)

	r := router.NewRouter(
		middleware.NewAuthMiddleware(cfg.JWT.Secret),
		handler.NewHealthHandler(db, redisClient),
		[]router.Handler{appointmentHandler.NewHandler(booking)},
		router.Config{
			RateLimit:  rate.Limit(cfg.Server.RateLimit),
			RateBurst:  cfg.Server.RateBurst,
			CORSConfig: middleware.DefaultCORSConfig(),
			Registry:   registry,
		},
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.RequestTimeout,
		WriteTimeout: cfg.Server.RequestTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	stopRelay()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
}
