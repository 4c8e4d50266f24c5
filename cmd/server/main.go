package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketplace-core/config"
	"marketplace-core/internal/api"
	"marketplace-core/internal/broker"
	"marketplace-core/internal/inventory"
	"marketplace-core/internal/models"
	"marketplace-core/internal/notify"
	"marketplace-core/internal/pricing"
	"marketplace-core/internal/provider"
	"marketplace-core/internal/redisclient"
	"marketplace-core/internal/service"
	"marketplace-core/internal/sla"
	"marketplace-core/internal/store"
	"marketplace-core/internal/util"
	"marketplace-core/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment core")

	tp, err := util.InitTracer("fulfillment-core", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	orderProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer orderProducer.Close()
	stockProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicStock)
	defer stockProducer.Close()
	dispatchProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicDispatch)
	defer dispatchProducer.Close()
	log.Println("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(orderProducer, stockProducer)
	ledger := inventory.NewLedger(db, redisClient, eventPublisher)

	cardProvider := provider.NewCardProvider(cfg.Payment.CardVerifyURL, cfg.Payment.VerifyTimeout)
	paypalProvider := provider.NewPayPalProvider(cfg.Payment.PayPalVerifyURL, cfg.Payment.VerifyTimeout)
	registry := provider.NewRegistry(cardProvider, paypalProvider)

	dispatcher := notify.NewDispatcher(dispatchProducer, map[notify.Channel]notify.Sender{
		notify.ChannelEmail: notify.NewLogSender(notify.ChannelEmail),
		notify.ChannelSMS:   notify.NewLogSender(notify.ChannelSMS),
	})

	retention := time.Duration(cfg.Business.RetentionDays) * 24 * time.Hour
	slaEngine := sla.NewEngine(db, dispatcher, eventPublisher, sla.DefaultPolicies, retention)

	pricingEngine := pricing.NewEngine(db, cfg.Business.ShippingMethods, pricing.TaxPolicy{
		RateBasisPoints:  cfg.Business.TaxRateBasisPoints,
		IncludesShipping: cfg.Business.TaxIncludesShipping,
	})

	checkoutService := service.NewCheckoutService(db, pricingEngine, ledger,
		map[models.PaymentMethod]service.IntentCreator{
			models.PaymentMethodCard:   cardProvider,
			models.PaymentMethodPayPal: paypalProvider,
		},
		slaEngine, eventPublisher)
	reconciler := service.NewReconciler(db, registry, ledger, slaEngine, dispatcher, eventPublisher)
	lifecycleService := service.NewLifecycleService(db, slaEngine, ledger, dispatcher, eventPublisher)

	seedCtx, seedCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if ids, err := db.ListActiveProductIDs(seedCtx); err != nil {
		log.Printf("Failed to list products for fast-path seeding: %v", err)
	} else {
		ledger.SyncToFastPath(seedCtx, ids)
	}
	seedCancel()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sweepWorker := worker.NewSweepWorker(slaEngine, cfg.Business.SLASweepInterval, cfg.Business.PurgeInterval)
	go func() {
		if err := sweepWorker.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("SLA sweep worker error: %v", err)
		}
	}()

	dispatchConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicDispatch, cfg.Kafka.ConsumerGroup)
	dispatchWorker := worker.NewDispatchWorker(dispatchConsumer, dispatcher)
	go func() {
		if err := dispatchWorker.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Dispatch worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(checkoutService, reconciler, lifecycleService, slaEngine, db)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	dispatchWorker.Stop()

	log.Println("Server exited")
}
