package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/majaostudio/classbooking/api"
	"github.com/majaostudio/classbooking/config"
	"github.com/majaostudio/classbooking/internal/app"
	"github.com/majaostudio/classbooking/internal/bootstrap"
	"github.com/majaostudio/classbooking/internal/cache"
	"github.com/majaostudio/classbooking/internal/gcal"
	"github.com/majaostudio/classbooking/internal/kafka"
	"github.com/majaostudio/classbooking/internal/messaging"
	"github.com/majaostudio/classbooking/internal/repository"
	"github.com/majaostudio/classbooking/internal/service/availability"
	"github.com/majaostudio/classbooking/internal/service/negotiation"
	"go.uber.org/zap"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := app.NewLogger(cfg.Environment)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tz, err := cfg.Booking.Location()
	if err != nil {
		logger.Fatal("load timezone", zap.Error(err))
	}
	window, err := cfg.Booking.Window()
	if err != nil {
		logger.Fatal("parse operating window", zap.Error(err))
	}

	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	migrator, err := app.NewMigrator(pool)
	if err != nil {
		logger.Fatal("create migrator", zap.Error(err))
	}
	if err := migrator.Run(ctx); err != nil {
		logger.Fatal("run migrations", zap.Error(err))
	}
	migrator.Close()

	redisCache := cache.NewRedisCache(cfg.Redis, time.Duration(cfg.Booking.EventsCacheTTL)*time.Second)
	producer := kafka.NewProducer(cfg.Kafka.Brokers)
	defer producer.Close()

	calendarClient, err := gcal.NewClient(ctx, cfg.Calendar, tz)
	if err != nil {
		logger.Fatal("create calendar client", zap.Error(err))
	}

	gateway := messaging.NewGateway(cfg.Messaging, producer, cfg.Kafka.DeadLetterTopic, logger)
	negotiationRepo := repository.NewNegotiationRepository(pool)
	resolver := availability.NewResolver(window, cfg.Booking.SlotInterval(), cfg.Booking.MaxConcurrent)

	negotiationService := negotiation.NewService(negotiation.Deps{
		Negotiations: negotiationRepo,
		Resolver:     resolver,
		Calendar:     calendarClient,
		Gateway:      gateway,
		Locker:       redisCache,
		Cache:        redisCache,
		Producer:     producer,
		EventsTopic:  cfg.Kafka.EventsTopic,
		Window:       window,
		Timezone:     tz,
		ClassLength:  cfg.Booking.ClassLength(),
		ApprovalTTL:  cfg.Booking.ApprovalTTL(),
		TeacherName:  cfg.Messaging.TeacherName,
		TeacherPhone: cfg.Messaging.TeacherNumber,
		TeacherEmail: cfg.Messaging.TeacherEmail,
		Logger:       logger,
	})

	webhookHandler := api.NewWebhookHandler(negotiationService, gateway, nil, cfg.Messaging.TeacherNumber, tz, window, logger)
	availabilityHandler := api.NewAvailabilityHandler(negotiationService)

	if err := bootstrap.Run(ctx, cfg, webhookHandler, availabilityHandler, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
