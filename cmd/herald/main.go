// Package main is the entry point for the Herald sender. It wires the
// storage backends, the delivery engines, the peer RPC layer and the ops
// server, then runs until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nats-io/nats.go"

	"herald/internal/aggregation"
	"herald/internal/api"
	"herald/internal/cache"
	"herald/internal/config"
	"herald/internal/contact"
	"herald/internal/coordinator"
	"herald/internal/dispatch"
	"herald/internal/domain"
	"herald/internal/escalation"
	"herald/internal/queue"
	kafkaqueue "herald/internal/queue/kafka"
	memoryqueue "herald/internal/queue/memory"
	"herald/internal/quota"
	"herald/internal/rolelookup"
	"herald/internal/rpc"
	"herald/internal/sender"
	"herald/internal/store"
	memorystor "herald/internal/store/memory"
	postgresstor "herald/internal/store/postgres"
	"herald/internal/vendors"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}

	logger := initLogger(&cfg.Logger)
	logger.Info("configuration loaded",
		"path", *configPath,
		"storage_mode", cfg.Storage.Mode,
		"peer_name", cfg.Sender.PeerName,
	)

	deps, cleanup, err := initDependencies(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps.sender.Start(ctx)

	go func() {
		if err := deps.consumer.Start(ctx, deps.sender.HandleNotification); err != nil && ctx.Err() == nil {
			logger.Error("intake consumer error", "error", err)
			cancel()
		}
	}()

	if deps.rpcServer != nil {
		if err := deps.rpcServer.Start(ctx); err != nil {
			logger.Error("failed to start peer RPC server", "error", err)
			os.Exit(1)
		}
	}

	go func() {
		if err := deps.server.Start(); err != nil {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	logger.Info("herald sender started",
		"address", cfg.Server.Address(),
		"storage_mode", cfg.Storage.Mode,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()

	if err := deps.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if deps.rpcServer != nil {
		deps.rpcServer.Stop()
	}
	deps.sender.Stop()

	logger.Info("herald sender stopped")
}

// dependencies holds all initialized service dependencies.
type dependencies struct {
	server    *api.Server
	sender    *sender.Sender
	consumer  queue.Consumer
	rpcServer *rpc.Server
}

// initDependencies creates and wires all service dependencies based on
// config. Returns the dependencies and a cleanup function.
func initDependencies(cfg *config.Config, logger *slog.Logger) (*dependencies, func(), error) {
	var (
		incidents    store.IncidentRepository
		messages     store.MessageRepository
		planSource   store.PlanSource
		tplSource    store.TemplateSource
		contactsRepo store.ContactRepository
		quotaRepo    store.QuotaRepository
		reprioRepo   store.ReprioritizationRepository
		audit        store.AuditLog
		backend      rolelookup.Backend
		directory    rolelookup.UserDirectory
		producer     queue.Producer
		consumer     queue.Consumer
		coord        coordinator.Coordinator
		peerClient   dispatch.PeerClient
		natsConn     *nats.Conn
		rpcServer    *rpc.Server
		cleanupFuncs []func()
	)

	if cfg.Storage.UseMemory() {
		logger.Info("initializing in-memory storage")

		msgRepo := memorystor.NewMessageRepository()
		messages = msgRepo
		incidents = memorystor.NewIncidentRepository(msgRepo)
		planSource = memorystor.NewPlanSource()
		tplSource = memorystor.NewTemplateSource()
		contactsRepo = memorystor.NewContactRepository()
		quotaRepo = memorystor.NewQuotaRepository()
		reprioRepo = memorystor.NewReprioritizationRepository()
		audit = memorystor.NewAuditLog()
		backend = rolelookup.NewStaticBackend()
		directory = rolelookup.NewStaticDirectory()

		memQueue := memoryqueue.NewQueue(10000)
		producer = memQueue
		consumer = memQueue
		cleanupFuncs = append(cleanupFuncs, func() { _ = memQueue.Close() })

		coord = coordinator.NewStatic(cfg.Sender.IsMaster, cfg.Sender.Peers)
	} else {
		logger.Info("initializing production storage (Kafka, Redis, PostgreSQL, NATS)")

		ctx := context.Background()
		db, err := postgresstor.NewDB(ctx, &cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		cleanupFuncs = append(cleanupFuncs, db.Close)

		if err := db.RunMigrations(ctx); err != nil {
			return nil, nil, err
		}
		logger.Info("database migrations completed")

		incidents = postgresstor.NewIncidentRepository(db)
		messages = postgresstor.NewMessageRepository(db)
		planSource = postgresstor.NewPlanSource(db)
		tplSource = postgresstor.NewTemplateSource(db)
		contactsRepo = postgresstor.NewContactRepository(db)
		quotaRepo = postgresstor.NewQuotaRepository(db)
		reprioRepo = postgresstor.NewReprioritizationRepository(db)
		audit = postgresstor.NewAuditLog(db)
		backend = postgresstor.NewRoleBackend(db)
		directory = postgresstor.NewUserDirectory(db)

		kafkaProducer := kafkaqueue.NewProducer(&cfg.Kafka)
		producer = kafkaProducer
		cleanupFuncs = append(cleanupFuncs, func() { _ = kafkaProducer.Close() })

		kafkaConsumer := kafkaqueue.NewConsumer(&cfg.Kafka, logger)
		consumer = kafkaConsumer
		cleanupFuncs = append(cleanupFuncs, func() { _ = kafkaConsumer.Close() })

		lease, err := coordinator.NewRedisLease(&cfg.Redis, cfg.Sender.PeerName, cfg.Sender.Peers, logger)
		if err != nil {
			return nil, nil, err
		}
		lease.Start(ctx)
		coord = lease
		cleanupFuncs = append(cleanupFuncs, lease.Stop)

		conn, err := nats.Connect(cfg.NATS.URL,
			nats.Name("herald-"+cfg.Sender.PeerName),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return nil, nil, err
		}
		natsConn = conn
		cleanupFuncs = append(cleanupFuncs, natsConn.Close)

		peerClient = rpc.NewClientWithConn(natsConn, cfg.Sender.RPCTimeout, logger)
	}

	plans := cache.NewPlans(planSource, logger)
	templates := cache.NewTemplates(tplSource, logger)
	renderer := cache.NewRenderer(templates, logger)
	roles := rolelookup.NewResolver(backend, directory, logger)

	// The engines notify through the sender, which is built after them.
	var snd *sender.Sender
	notifier := notifierFunc(func(ctx context.Context, msg *domain.Message) error {
		return snd.Notify(ctx, msg)
	})

	quotaEngine := quota.NewEngine(quotaRepo, incidents, plans, roles, notifier,
		cfg.Sender.QuotaApp, logger)
	aggregator := aggregation.NewEngine(messages, incidents, audit, logger)
	escalator := escalation.NewEngine(incidents, messages, plans, roles, renderer, notifier, audit, logger)

	fallback := domain.Mode(cfg.Sender.FallbackMode)
	registry := newVendorRegistry(cfg, logger)
	resolver := contact.NewResolver(contactsRepo, audit, fallback, logger)
	reprio := contact.NewReprioritizer(reprioRepo, audit, logger)
	dispatcher := dispatch.NewDispatcher(registry, messages, contactsRepo, audit,
		renderer, reprio, fallback, peerClient, coord.Peers(), logger)

	snd = sender.New(&cfg.Sender, sender.Deps{
		Plans:      plans,
		Templates:  templates,
		Renderer:   renderer,
		Roles:      roles,
		Contacts:   resolver,
		Reprio:     reprio,
		Quota:      quotaEngine,
		Aggregator: aggregator,
		Escalator:  escalator,
		Dispatcher: dispatcher,
		Messages:   messages,
		Coord:      coord,
		Logger:     logger,
	})

	if natsConn != nil {
		rpcServer = rpc.NewServer(natsConn, cfg.Sender.PeerName, snd.HandlePeerMessage, logger)
	}

	notificationHandler := api.NewNotificationHandler(producer, logger)
	server := api.NewServer(api.ServerDeps{
		Config:              &cfg.Server,
		Logger:              logger,
		NotificationHandler: notificationHandler,
	})

	cleanup := func() {
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			cleanupFuncs[i]()
		}
	}

	return &dependencies{
		server:    server,
		sender:    snd,
		consumer:  consumer,
		rpcServer: rpcServer,
	}, cleanup, nil
}

// notifierFunc adapts the sender's Notify to the engines' Notifier
// interfaces without a construction cycle.
type notifierFunc func(ctx context.Context, msg *domain.Message) error

func (f notifierFunc) Notify(ctx context.Context, msg *domain.Message) error {
	return f(ctx, msg)
}

// newVendorRegistry builds one transport per delivery mode: a webhook
// gateway when configured, the logging transport otherwise.
func newVendorRegistry(cfg *config.Config, logger *slog.Logger) *vendors.Registry {
	registry := vendors.NewRegistry()
	for _, mode := range []domain.Mode{
		domain.ModeEmail, domain.ModeSMS, domain.ModeCall, domain.ModeSlack,
	} {
		if url, ok := cfg.Vendors.Gateways[string(mode)]; ok && url != "" {
			registry.Register(vendors.NewWebhookTransport(mode, url))
			continue
		}
		registry.Register(vendors.NewLogTransport(mode, logger))
	}
	return registry
}

// initLogger creates and configures the application logger.
func initLogger(cfg *config.LoggerConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
