package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"notifyhub/internal/campaign"
	"notifyhub/internal/compliance"
	"notifyhub/internal/dispatch"
	"notifyhub/internal/httpserver"
	"notifyhub/internal/mqhandler"
	"notifyhub/internal/repository"
	"notifyhub/internal/schedule"
	"notifyhub/internal/scheduler"
	"notifyhub/internal/store"
	"notifyhub/pkg/config"
	"notifyhub/pkg/db"
	"notifyhub/pkg/logger"
	"notifyhub/pkg/mq"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		cfg = config.Default()
	}

	log := logger.New()
	defer log.Sync()

	log.Info("Starting schedulerd...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable store
	s, err := store.NewRedisStore(ctx, cfg.Redis)
	if err != nil {
		log.Fatal("Redis initialization failed", zap.Error(err))
	}
	defer s.Close()

	// Delivery audit DB
	pool, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer pool.Close()

	// Outbound events
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("MQ publisher initialization failed", zap.Error(err))
	}
	defer publisher.Close()

	// Repositories
	notifications := repository.NewNotificationRepository(s, log)
	campaigns := repository.NewCampaignRepository(s, log)
	audience := repository.NewAudienceRepository(s, log)
	records := repository.NewComplianceRepository(s, log)
	deliveryLog := repository.NewDeliveryLogRepository(pool)

	// Core services
	gate := compliance.NewGate(records, s, cfg.Compliance, log)
	tracker := dispatch.NewTracker(audience, s, cfg.Lifecycle, log)

	// Transport integrations are external; the dry-run provider keeps the
	// engine runnable without one.
	provider := dispatch.NewLogProvider(log)
	dispatcher := dispatch.NewDispatcher(
		provider,
		provider,
		dispatch.PassthroughRenderer{},
		audience,
		tracker,
		deliveryLog,
		s,
		cfg.Lifecycle,
		log,
	)

	orchestrator := campaign.NewOrchestrator(campaigns, audience, records, gate, dispatcher, publisher, cfg.Campaign, log)

	// Provider feedback in
	feedbackHandler := mqhandler.NewProviderFeedbackHandler(gate, tracker, publisher, log)
	consumer, err := mq.NewConsumer(cfg.MQ.URL, "provider.feedback.q", "provider.feedback", log)
	if err != nil {
		log.Fatal("Feedback consumer initialization failed", zap.Error(err))
	}
	consumer.SetHandler(feedbackHandler.HandleFeedback)
	go func() {
		log.Info("Starting feedback consumer")
		if err := consumer.StartConsuming(); err != nil {
			log.Fatal("Feedback consumer failed", zap.Error(err))
		}
	}()
	defer consumer.Close()

	// Scheduler loop and recurring jobs
	loop := scheduler.NewLoop(notifications, gate, dispatcher, publisher, cfg.Scheduler, log)
	go loop.Start(ctx)

	registry := scheduler.NewRegistry(log)
	registry.Register("campaign-send", schedule.Every{Interval: time.Minute}, orchestrator.RunDueScheduled)
	go registry.Start(ctx, time.Minute)

	// Ops surface
	router := httpserver.NewRouter(s, pool)
	go func() {
		log.Info("Ops server listening", zap.String("port", cfg.Server.Port))
		if err := router.Run(cfg.Server.Port); err != nil {
			log.Fatal("Ops server failed", zap.Error(err))
		}
	}()

	log.Info("schedulerd ready")
	<-ctx.Done()
	log.Info("Shutting down")
}
