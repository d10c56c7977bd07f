package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"settleflow/admin"
	"settleflow/auth"
	"settleflow/chat"
	"settleflow/config"
	"settleflow/db"
	"settleflow/dispute"
	"settleflow/mailer"
	"settleflow/notification"
	"settleflow/obs"
	"settleflow/outbox"
	"settleflow/signature"
	"settleflow/suggest"
	"settleflow/timeline"
)

func main() {
	configPath := flag.String("config", os.Getenv("SETTLEFLOW_CONFIG"), "path to the YAML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		slog.Error("settleflow exited", "error", err)
		os.Exit(1)
	}
}

type adminEnsurer interface {
	EnsureAdmin(ctx context.Context, req auth.RegisterRequest) (*auth.User, bool, error)
}

// bootstrapAdmin guarantees the configured admin account exists. It is
// idempotent, so it runs on every start.
func bootstrapAdmin(ctx context.Context, users adminEnsurer, email, password string, logger *slog.Logger) error {
	if email == "" {
		return nil
	}
	user, created, err := users.EnsureAdmin(ctx, auth.RegisterRequest{Email: email, Password: password})
	if err != nil {
		return fmt.Errorf("bootstrap admin %s: %w", email, err)
	}
	if created {
		logger.Info("admin account created", "user_id", user.ID, "email", user.Email)
	} else {
		logger.Info("admin account ensured", "user_id", user.ID, "email", user.Email)
	}
	return nil
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := obs.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	obs.Init()
	logger.Info("bootstrapping settleflow", "http_port", cfg.HTTPPort, "grpc_port", cfg.GRPCPort)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool, logger); err != nil {
		return err
	}
	probe := db.NewProbe(pool)
	defer probe.Close()

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	if err := bootstrapAdmin(ctx, authService, cfg.AdminEmail, cfg.AdminPassword, logger); err != nil {
		return err
	}
	vault := signature.NewVault(signature.NewRepository(pool))

	signing := make([]dispute.Status, 0, len(cfg.SigningStatuses))
	for _, st := range cfg.SigningStatuses {
		status := dispute.Status(st)
		if !status.Valid() {
			return fmt.Errorf("config: unknown signing status %q", st)
		}
		signing = append(signing, status)
	}
	disputeService := dispute.NewService(pool, dispute.NewRepository(pool), vault, timeline.NewWriter(), outbox.NewWriter(),
		dispute.WithSigningStatuses(signing),
		dispute.WithLogger(logger),
	)
	chatService := chat.NewService(disputeService, chat.NewRepository(pool))

	genOpts := []suggest.Option{suggest.WithLogger(logger), suggest.WithTimeout(cfg.AITimeout + time.Minute)}
	if cfg.RedisURL != "" {
		client, err := suggest.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		genOpts = append(genOpts, suggest.WithLocker(suggest.NewRedisLocker(client)))
	}
	generator := suggest.NewGenerator(disputeService, chatService, suggest.NewHTTPClient(suggest.ClientConfig{
		BaseURL: cfg.AIBaseURL,
		APIKey:  cfg.AIAPIKey,
		Model:   cfg.AIModel,
		Timeout: cfg.AITimeout,
	}), genOpts...)

	workflow := admin.NewWorkflow(disputeService, vault, authService,
		admin.WithRequireSignatures(cfg.RequireSignatures),
		admin.WithLogger(logger),
	)

	notifications := notification.NewRepository(pool)
	var sender mailer.Sender = mailer.LogSender{Logger: logger}
	mailCfg := mailer.Config{
		ServiceID:  cfg.EmailJSServiceID,
		PublicKey:  cfg.EmailJSPublicKey,
		PrivateKey: cfg.EmailJSPrivateKey,
		Templates:  cfg.EmailJSTemplates,
	}
	if mailCfg.Enabled() {
		sender = mailer.NewEmailJS(mailCfg)
	} else {
		logger.Warn("emailjs not configured, e-mails are logged only")
	}

	handlers := []outbox.Handler{notification.NewDispatcher(notifications, sender, logger)}
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := outbox.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopics)
		if err != nil {
			return err
		}
		defer publisher.Close()
		handlers = append(handlers, publisher)
	}
	relay := outbox.NewRelay(pool, outbox.NewStore(), handlers,
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithInterval(cfg.OutboxInterval),
		outbox.WithLogger(logger),
	)

	limiter := newIPLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	limiter.trustProxy = cfg.TrustProxyHeaders

	server := &Server{
		auth:             authService,
		disputes:         disputeService,
		chat:             chatService,
		suggestions:      generator,
		admin:            workflow,
		notifications:    notification.NewService(notifications),
		timeline:         timeline.NewReader(pool),
		ready:            probe,
		logger:           logger,
		generateOnCreate: cfg.AIGenerateOnCreate,
		limiter:          limiter,
		maxBody:          cfg.MaxBodyBytes,
	}
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen gRPC: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc server started", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("outbox relay started", "handlers", len(handlers))
		return relay.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		healthSrv.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})
	return g.Wait()
}
