package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/majaostudio/classbooking/config"
	"github.com/majaostudio/classbooking/internal/app"
	"github.com/majaostudio/classbooking/internal/audit"
	"github.com/majaostudio/classbooking/internal/cache"
	"github.com/majaostudio/classbooking/internal/gcal"
	"github.com/majaostudio/classbooking/internal/kafka"
	"github.com/majaostudio/classbooking/internal/messaging"
	"github.com/majaostudio/classbooking/internal/report"
	"github.com/majaostudio/classbooking/internal/repository"
	"github.com/majaostudio/classbooking/internal/service/availability"
	"github.com/majaostudio/classbooking/internal/service/negotiation"
	kafkaGo "github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"
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

	recorder := audit.NewRecorder(logger)
	reportGen := report.NewGenerator(calendarClient, tz, cfg.Report.HourlyRateCOP, cfg.Report.OwnerTeachers)

	eventsConsumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.EventsTopic)
	defer eventsConsumer.Close()
	go func() {
		err := eventsConsumer.Consume(ctx, func(ctx context.Context, msg kafkaGo.Message) error {
			var event kafka.NegotiationEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				logger.Warn("decode negotiation event", zap.Error(err))
				return nil
			}
			return recorder.Record(ctx, event)
		})
		if err != nil && ctx.Err() == nil {
			logger.Error("events consumer stopped", zap.Error(err))
		}
	}()

	deadLetterConsumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID+"-dead-letter", cfg.Kafka.DeadLetterTopic)
	defer deadLetterConsumer.Close()
	go func() {
		err := deadLetterConsumer.Consume(ctx, func(ctx context.Context, msg kafkaGo.Message) error {
			redeliver(ctx, msg.Value, gateway, producer, cfg, logger)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			logger.Error("dead-letter consumer stopped", zap.Error(err))
		}
	}()

	expireTicker := time.NewTicker(time.Duration(cfg.Worker.ExpirationSweepMinutes) * time.Minute)
	defer expireTicker.Stop()

	// Pay cycles close Friday night; the hourly tick emits one report
	// per Saturday for the week that just ended.
	reportTicker := time.NewTicker(time.Hour)
	defer reportTicker.Stop()
	var lastReportWeek time.Time

	for {
		select {
		case <-reportTicker.C:
			if time.Now().In(tz).Weekday() != time.Saturday {
				continue
			}
			weekly, err := reportGen.Generate(ctx, true)
			if err != nil {
				logger.Error("weekly report", zap.Error(err))
				continue
			}
			if weekly.WeekStart.Equal(lastReportWeek) {
				continue
			}
			lastReportWeek = weekly.WeekStart
			logWeeklyReport(logger, weekly)
		case <-expireTicker.C:
			expired, err := negotiationService.ExpirePendingNegotiations(ctx)
			if err != nil {
				logger.Error("expire negotiations", zap.Error(err))
				continue
			}
			if len(expired) > 0 {
				logger.Info("expired negotiations", zap.Int("count", len(expired)))
			}
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		}
	}
}

func logWeeklyReport(logger *zap.Logger, weekly *report.WeeklyReport) {
	logger.Info("weekly report",
		zap.Time("week_start", weekly.WeekStart),
		zap.Int("classes", weekly.TotalClasses),
		zap.Float64("hours", weekly.TotalHours),
		zap.Int64("total_owed_cop", weekly.TotalOwed))
	for _, teacher := range weekly.Teachers {
		logger.Info("teacher week",
			zap.String("teacher", teacher.Teacher),
			zap.Int("classes", teacher.Classes),
			zap.Float64("hours", teacher.Hours),
			zap.Int64("owed_cop", weekly.Payments[teacher.Teacher]))
	}
}

// redeliver retries a queued message with backoff; still-undeliverable
// messages go back on the topic with the attempt counter bumped so
// they are never lost, only delayed.
func redeliver(ctx context.Context, payload []byte, gateway *messaging.Gateway, producer *kafka.Producer, cfg *config.Config, logger *zap.Logger) {
	var queued kafka.OutboundMessage
	if err := json.Unmarshal(payload, &queued); err != nil {
		logger.Warn("decode queued message", zap.Error(err))
		return
	}

	backoff := retry.WithMaxRetries(2, retry.NewExponential(2*time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := gateway.Send(ctx, queued.To, queued.Body); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err == nil {
		logger.Info("redelivered queued message", zap.String("to", queued.To), zap.Int("attempts", queued.Attempts))
		return
	}

	queued.Attempts++
	if queued.Attempts > cfg.Worker.RedeliveryMaxAttempts {
		logger.Error("giving up on queued message",
			zap.String("to", queued.To), zap.Int("attempts", queued.Attempts), zap.Error(err))
		return
	}
	if err := producer.Publish(ctx, cfg.Kafka.DeadLetterTopic, queued.To, queued); err != nil {
		logger.Error("requeue message", zap.String("to", queued.To), zap.Error(err))
	}
}
