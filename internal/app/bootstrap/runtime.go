package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cacheadapter "github.com/partnerdesk/progression-engine/internal/adapters/cache"
	eventadapter "github.com/partnerdesk/progression-engine/internal/adapters/events"
	grpcadapter "github.com/partnerdesk/progression-engine/internal/adapters/grpc"
	httpadapter "github.com/partnerdesk/progression-engine/internal/adapters/http"
	"github.com/partnerdesk/progression-engine/internal/adapters/postgres"
	"github.com/partnerdesk/progression-engine/internal/application"
	"github.com/partnerdesk/progression-engine/internal/ports"
	"google.golang.org/grpc"
)

type Runtime struct {
	cfg        Config
	logger     *slog.Logger
	httpServer *http.Server
	grpcServer *grpc.Server
	grpcLis    net.Listener
	worker     *eventadapter.Worker
	cleanupFn  func(context.Context)
}

func NewRuntime(ctx context.Context, configPath string) (*Runtime, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With("service", cfg.ServiceID)
	slog.SetDefault(logger)

	repos := postgres.NewRepositories()
	cleanup := func(context.Context) {}

	var progressCache ports.ProgressCache
	if cfg.RedisURL != "" {
		redisClient, redisErr := cacheadapter.Connect(ctx, cfg.RedisURL)
		if redisErr != nil {
			return nil, fmt.Errorf("connect redis: %w", redisErr)
		}
		if pingErr := redisClient.Ping(ctx).Err(); pingErr != nil {
			return nil, fmt.Errorf("connect redis: %w", pingErr)
		}
		progressCache = cacheadapter.NewRedisProgressCache(redisClient)
		cleanup = func(context.Context) { _ = redisClient.Close() }
	} else {
		logger.Warn("redis url not configured, using in-memory progress cache")
		progressCache = cacheadapter.NewMemoryProgressCache()
	}

	var domainPub ports.DomainPublisher
	var analyticsPub ports.AnalyticsPublisher
	var dlqPub ports.DLQPublisher
	var consumer ports.EventConsumer
	if len(cfg.KafkaBrokers) > 0 {
		bus, busErr := eventadapter.NewKafkaBus(cfg.KafkaBrokers, cfg.TopicDomain, cfg.TopicAnalytics, cfg.DLQTopic)
		if busErr != nil {
			return nil, fmt.Errorf("kafka bus: %w", busErr)
		}
		kafkaConsumer, consumerErr := eventadapter.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaConsumerGroup, cfg.ConsumedTopics)
		if consumerErr != nil {
			return nil, fmt.Errorf("kafka consumer: %w", consumerErr)
		}
		domainPub, analyticsPub, dlqPub, consumer = bus, bus, bus, kafkaConsumer
		prevCleanup := cleanup
		cleanup = func(c context.Context) {
			_ = kafkaConsumer.Close()
			_ = bus.Close()
			prevCleanup(c)
		}
	} else {
		logger.Warn("kafka brokers not configured, using in-memory event bus")
		domainPub = eventadapter.NewMemoryDomainPublisher()
		analyticsPub = eventadapter.NewMemoryAnalyticsPublisher()
		dlqPub = eventadapter.NewLoggingDLQPublisher()
		consumer = eventadapter.NewMemoryConsumer()
	}

	var notifications ports.NotificationPublisher
	if cfg.NotificationWebhookURL != "" {
		webhook, webhookErr := eventadapter.NewWebhookNotificationPublisher(cfg.NotificationWebhookURL)
		if webhookErr != nil {
			return nil, fmt.Errorf("notification webhook: %w", webhookErr)
		}
		notifications = webhook
	} else {
		notifications = eventadapter.NewMemoryNotificationPublisher()
	}

	svc := application.NewService(application.Dependencies{
		Config: application.Config{
			ServiceName:          cfg.ServiceID,
			IdempotencyTTL:       cfg.IdempotencyTTL,
			EventDedupTTL:        cfg.EventDedupTTL,
			OutboxFlushBatchSize: cfg.OutboxFlushBatchSize,
			ProgressCacheTTL:     cfg.ProgressCacheTTL,
			LoginDayXP:           cfg.LoginDayXP,
			DefaultLessonXP:      cfg.DefaultLessonXP,
		},
		Ladder:        cfg.Ladder,
		DailyTaskPool: cfg.DailyTaskPool,
		Partners:      repos.Partners,
		Ledger:        repos.Ledger,
		Idempotency:   repos.Idempotency,
		EventDedup:    repos.EventDedup,
		Outbox:        repos.Outbox,
		Directory:     grpcadapter.NewDirectoryClient(cfg.DirectoryGRPCURL),
		Payments:      grpcadapter.NewPaymentGatewayClient(cfg.PaymentGatewayGRPCURL),
		Cache:         progressCache,
		DomainEvents:  domainPub,
		Analytics:     analyticsPub,
		DLQ:           dlqPub,
		Notifications: notifications,
		Logger:        logger,
	})

	handler := httpadapter.NewHandler(svc)
	router := httpadapter.NewRouter(handler, cfg.AdminJWTSecret)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	grpcadapter.Register(grpcServer, grpcadapter.NewProgressionInternalServer(svc))
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return nil, fmt.Errorf("listen gRPC: %w", err)
	}

	worker := eventadapter.NewWorker(logger, consumer, dlqPub, svc, cfg.ConsumerPollInterval)
	return &Runtime{
		cfg:        cfg,
		logger:     logger,
		httpServer: httpServer,
		grpcServer: grpcServer,
		grpcLis:    lis,
		worker:     worker,
		cleanupFn:  cleanup,
	}, nil
}

func (r *Runtime) RunAPI(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	errCh := make(chan error, 2)
	go func() {
		r.logger.Info("http server started", "addr", r.httpServer.Addr)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		r.logger.Info("grpc server started", "addr", r.grpcLis.Addr().String())
		if err := r.grpcServer.Serve(r.grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	select {
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
	case err := <-errCh:
		r.logger.Error("server failure", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = r.httpServer.Shutdown(shutdownCtx)
	r.grpcServer.GracefulStop()
	r.cleanupFn(shutdownCtx)
	return nil
}

func (r *Runtime) RunWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	r.logger.Info("event worker started")
	err := r.worker.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.cleanupFn(shutdownCtx)
	return nil
}
