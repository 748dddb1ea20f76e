package main

import (
	"context"
	"os/signal"
	"syscall"

	"invoicing/api_collections/internal/balance"
	"invoicing/api_collections/internal/config"
	"invoicing/api_collections/internal/connect"
	"invoicing/api_collections/internal/feesplit"
	"invoicing/api_collections/internal/gateway"
	"invoicing/api_collections/internal/handlers"
	"invoicing/api_collections/internal/jobs"
	"invoicing/api_collections/internal/notify"
	"invoicing/api_collections/internal/reconcile"
	"invoicing/api_collections/internal/store"
	"invoicing/api_collections/internal/store/memory"
	"invoicing/api_collections/internal/store/postgres"
	"invoicing/api_collections/internal/stripe"
	"invoicing/api_collections/internal/workflow"
	"invoicing/pkg/clients"
	envconfig "invoicing/pkg/config"
	"invoicing/pkg/database"
	"invoicing/pkg/kafka"
	"invoicing/pkg/logging"
	"invoicing/pkg/monitoring"
	"invoicing/pkg/server"
	"invoicing/pkg/version"
)

const serviceName = "bursar"

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService(serviceName)

	// Load environment variables
	envconfig.LoadEnv(logger)
	logger.SetLevel(envconfig.GetLogLevel())

	logger.WithField("version", version.Version).Info("Starting Bursar (Collections API)")

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker(serviceName, version.Version)
	metricsCollector := monitoring.NewMetricsCollector(serviceName, version.Version, version.GitCommit)
	reg := metricsCollector.Registerer()
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(cfg.Required()))

	// Storage
	var st store.Store
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("Using in-memory store; payments are lost on restart")
		st = memory.New()
	default:
		dbConfig := database.DefaultConfig()
		dbConfig.URL = cfg.DatabaseURL
		db := database.MustConnect(ctx, dbConfig, logger)
		defer db.Close()
		if err := database.Migrate(ctx, db, logger); err != nil {
			logger.WithError(err).Fatal("Failed to apply database schema")
		}
		healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
		st = postgres.New(db, logger)
	}

	// Card processor
	processor := stripe.NewClient(stripe.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		HTTPClient:    clients.NewHTTPClient(cfg.GatewayTimeout),
		BackendURL:    cfg.StripeAPIBase,
		Logger:        logger,
	})
	exec := gateway.NewExecutor(logger, clients.NewBreakerMetrics(serviceName, reg))

	fees := feesplit.NewCalculator(feesplit.GlobalRate{Bps: cfg.PlatformFeeBps})
	tracker := balance.NewTracker(logger, metricsCollector.NewCounter(
		"balance_inconsistencies_total", "Invoices whose amount paid exceeds the total", nil).WithLabelValues())
	gw := gateway.New(gateway.Config{Timeout: cfg.GatewayTimeout, Currency: cfg.Currency},
		processor, fees, exec, gateway.NewMetrics(reg), logger)
	connectSvc := connect.NewService(st, processor, exec, logger)

	// Payment notifications
	var notifiers []reconcile.Notifier
	if cfg.KafkaEnabled() {
		producer, err := kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.KafkaBrokers, ClientID: serviceName}, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		defer producer.Close()
		healthChecker.AddCheck("kafka", monitoring.PingHealthCheck("Kafka", true, producer.HealthCheck))
		notifiers = append(notifiers, notify.NewKafkaNotifier(producer, cfg.PaymentsTopic))
		logger.WithField("topic", cfg.PaymentsTopic).Info("Publishing reconciled payments to Kafka")
	}
	if cfg.SlackEnabled() {
		notifiers = append(notifiers, notify.NewSlackNotifier(notify.SlackConfig{
			Token:     cfg.SlackBotToken,
			ChannelID: cfg.SlackChannelID,
		}, logger))
		logger.WithField("channel_id", cfg.SlackChannelID).Info("Posting reconciled payments to Slack")
	}

	reconciler := reconcile.New(st, tracker, reconcile.NewMetrics(reg), logger, notifiers...)

	// Collection sessions
	handlerMetrics := handlers.NewMetrics(metricsCollector)
	sessions := handlers.NewSessions(cfg.SessionTTL, cfg.MaxSessions, handlerMetrics.ActiveSessions)

	// Background jobs
	jobManager := jobs.NewJobManager(st, connectSvc, sessions, jobs.Config{
		AccountRefreshInterval: cfg.AccountRefreshInterval,
	}, jobs.NewMetrics(reg), logger)
	jobManager.Start(ctx)
	defer jobManager.Stop()

	h := handlers.New(handlers.Deps{
		Store:      st,
		Reconciler: reconciler,
		Connect:    connectSvc,
		Verifier:   processor,
		Workflow: workflow.Deps{
			Invoices:   st,
			Accounts:   connectSvc,
			Gateway:    gw,
			Reconciler: reconciler,
			Fees:       fees,
			Tracker:    tracker,
		},
		Sessions: sessions,
		Links:    handlers.LinkConfig{ReturnURL: cfg.ConnectReturnURL, RefreshURL: cfg.ConnectRefreshURL},
		Metrics:  handlerMetrics,
		Logger:   logger,
	})

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, serviceName, healthChecker, metricsCollector)
	h.Register(router, cfg.APIToken)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig(serviceName, cfg.Port)
	if err := server.Start(ctx, serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
