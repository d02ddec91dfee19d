package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/airhost/airhost-gateway/internal/analysis"
	"github.com/airhost/airhost-gateway/internal/archive"
	"github.com/airhost/airhost-gateway/internal/config"
	"github.com/airhost/airhost-gateway/internal/conversation"
	"github.com/airhost/airhost-gateway/internal/dedupe"
	"github.com/airhost/airhost-gateway/internal/dispatch"
	"github.com/airhost/airhost-gateway/internal/dlq"
	"github.com/airhost/airhost-gateway/internal/handlers"
	"github.com/airhost/airhost-gateway/internal/logging"
	natsclient "github.com/airhost/airhost-gateway/internal/messaging/nats"
	"github.com/airhost/airhost-gateway/internal/ratelimit"
	"github.com/airhost/airhost-gateway/internal/relay"
	"github.com/airhost/airhost-gateway/internal/routing"
	"github.com/airhost/airhost-gateway/internal/server"
	"github.com/airhost/airhost-gateway/internal/whatsapp"
)

const serviceName = "airhost-gateway"

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("gateway exited with error", logging.Error(err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
		With(logging.Service(serviceName))
	logging.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	slog.Info("Starting gateway",
		slog.Int("port", cfg.Server.Port),
		slog.String("provider", cfg.Webhook.Provider),
		logging.Secret("verify_token", cfg.Webhook.VerifyToken),
		slog.Bool("signature_check", cfg.Webhook.AppSecret != ""),
		slog.String("conversation_url", cfg.Conversation.BaseURL),
	)

	ctx := context.Background()
	checks := map[string]handlers.Pinger{}

	store, err := newDedupeStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	checks["dedupe"] = store

	routes, closeRoutes, err := newResolver(ctx, cfg, checks)
	if err != nil {
		return err
	}
	defer closeRoutes()

	var js *natsclient.JetStreamClient
	if cfg.NATS.URL != "" {
		js, err = natsclient.NewJetStreamClient(natsclient.DefaultConfig(cfg.NATS.URL))
		if err != nil {
			return err
		}
		defer js.Drain()
		checks["nats"] = handlers.PingFunc(func(context.Context) error {
			if !js.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})
		slog.Info("NATS connected", slog.String("url", cfg.NATS.URL))
	}

	queue, err := newDLQ(ctx, cfg, js)
	if err != nil {
		return err
	}

	var archiver archive.Archiver = archive.NopArchiver{}
	if cfg.Archive.Enabled {
		a, err := archive.NewOpenSearchArchiver(cfg.Archive)
		if err != nil {
			slog.Warn("Failed to initialize delivery archive, continuing without it", logging.Error(err))
		} else {
			archiver = a
			slog.Info("Delivery archive enabled", slog.String("url", cfg.Archive.URL), slog.String("index", cfg.Archive.Index))
		}
	}

	convTarget := cfg.Conversation.Target("conversation")
	msgTarget := cfg.Messaging.Target("messaging")
	aiTarget := cfg.Analysis.Target("analysis")

	convRelay := relay.New(relay.WithRetries(cfg.Conversation.Retries))
	msgRelay := relay.New(relay.WithRetries(cfg.Messaging.Retries))
	aiRelay := relay.New(relay.WithRetries(cfg.Analysis.Retries))

	conversations := conversation.NewClient(convRelay, convTarget, cfg.Conversation.APIKey)

	deps := dispatch.Deps{
		Dedupe:        store,
		Routes:        routes,
		Conversations: conversations,
		Sender:        whatsapp.NewSender(msgRelay, msgTarget, cfg.Messaging.APIKey),
		DLQ:           queue,
		Logger:        logger,
	}

	if cfg.Analysis.Enabled {
		deps.Analyzer = analysis.NewAnalyzer(aiRelay, aiTarget, analysis.Config{
			APIKey:      cfg.Analysis.APIKey,
			Model:       cfg.Analysis.Model,
			MaxTokens:   cfg.Analysis.MaxTokens,
			Temperature: cfg.Analysis.Temperature,
		})
		deps.Limiter = newRateLimiter(ctx, cfg)
		defer deps.Limiter.Close()
		if js != nil {
			deps.Publisher = analysis.NewBusPublisher(js, cfg.NATS.AnalysisSubject)
		}
		slog.Info("Message analysis enabled", slog.String("model", cfg.Analysis.Model))
	}

	runner := dispatch.NewTaskRunner(cfg.Tasks.Workers, cfg.Tasks.QueueSize, queue, logger)
	runner.Start(context.Background())
	deps.Tasks = runner

	router := dispatch.NewRouter(deps)
	webhook := handlers.NewWebhookHandler(handlers.WebhookConfig{
		Provider:     cfg.Webhook.Provider,
		VerifyToken:  cfg.Webhook.VerifyToken,
		AppSecret:    cfg.Webhook.AppSecret,
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
		AckTimeout:   cfg.Server.AckTimeout,
	}, router,
		handlers.WithLogger(logger),
		handlers.WithDLQ(queue),
		handlers.WithArchiver(archiver),
	)

	rc := server.RouterConfig{
		Webhook:      webhook,
		Health:       handlers.NewHealthHandler(serviceName, webhook, queue, checks),
		MaxProxyBody: cfg.Webhook.MaxBodyBytes,
		Logger:       logger,
	}
	if cfg.Proxy.Enabled {
		rc.Relay = relay.New()
		rc.Proxies = append(rc.Proxies, server.ProxyRoute{Target: convTarget, Inject: conversation.Credentials(cfg.Conversation.APIKey)})
		if cfg.Messaging.BaseURL != "" {
			rc.Proxies = append(rc.Proxies, server.ProxyRoute{Target: msgTarget, Inject: relay.Bearer(cfg.Messaging.APIKey)})
		}
		if cfg.Analysis.Enabled {
			rc.Proxies = append(rc.Proxies, server.ProxyRoute{Target: aiTarget, Inject: relay.Bearer(cfg.Analysis.APIKey)})
		}
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(rc),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slog.Info("Shutting down gateway", slog.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Server forced to shutdown", logging.Error(err))
	}
	if err := webhook.Wait(shutdownCtx); err != nil {
		slog.Warn("Deliveries still in flight at shutdown", logging.Error(err))
	}
	if err := runner.Stop(shutdownCtx); err != nil {
		slog.Warn("Tasks still running at shutdown", logging.Error(err))
	}

	slog.Info("Gateway stopped", slog.Any("stats", webhook.Stats()))
	return nil
}

func newDedupeStore(ctx context.Context, cfg *config.Config) (dedupe.Store, error) {
	switch cfg.Dedupe.Backend {
	case "redis":
		s, err := dedupe.NewRedisStore(ctx, cfg.Redis.URL, cfg.Dedupe.TTL)
		if err != nil {
			return nil, err
		}
		slog.Info("Dedupe store: redis", slog.Duration("ttl", cfg.Dedupe.TTL))
		return s, nil
	default:
		slog.Info("Dedupe store: memory (single instance only)", slog.Duration("ttl", cfg.Dedupe.TTL))
		return dedupe.NewMemoryStore(cfg.Dedupe.TTL), nil
	}
}

func newResolver(ctx context.Context, cfg *config.Config, checks map[string]handlers.Pinger) (routing.Resolver, func(), error) {
	def := routing.DefaultFromConfig(cfg.Routing.Default)

	switch cfg.Routing.Backend {
	case "postgres":
		if cfg.Database.RunMigrations {
			status, err := routing.Migrate(cfg.Database.MigrationsPath, cfg.Database.URL)
			if err != nil {
				return nil, nil, err
			}
			slog.Info("Database migration complete",
				slog.Uint64("version", uint64(status.Version)),
				slog.Bool("applied", status.Applied),
				slog.Bool("dirty", status.Dirty),
			)
		}
		store, err := routing.NewPostgresStore(ctx, cfg.Database.URL, routing.PoolConfig{
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		}, def)
		if err != nil {
			return nil, nil, err
		}
		checks["routes"] = store
		return routing.NewCachedResolver(store, cfg.Routing.CacheTTL), store.Close, nil
	default:
		store, err := routing.LoadStaticFile(cfg.Routing.RoutesFile, def)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
}

func newDLQ(ctx context.Context, cfg *config.Config, js *natsclient.JetStreamClient) (dlq.Queue, error) {
	if !cfg.DLQ.Enabled {
		slog.Info("Dead letter queue disabled")
		return dlq.NopQueue{}, nil
	}
	switch cfg.DLQ.Backend {
	case "jetstream":
		q, err := dlq.NewJetStreamQueue(ctx, js)
		if err != nil {
			return nil, err
		}
		slog.Info("Dead letter queue enabled", slog.String("backend", "jetstream"))
		return q, nil
	default:
		q, err := dlq.NewFileQueue(cfg.DLQ.BasePath)
		if err != nil {
			return nil, err
		}
		slog.Info("Dead letter queue enabled", slog.String("backend", "file"), slog.String("path", cfg.DLQ.BasePath))
		return q, nil
	}
}

func newRateLimiter(ctx context.Context, cfg *config.Config) ratelimit.RateLimiter {
	if !cfg.Analysis.RateLimitEnabled {
		return ratelimit.NoOpRateLimiter{}
	}
	rl, err := ratelimit.NewRedisRateLimiter(ctx, cfg.Redis.URL, "analysis",
		cfg.Analysis.RateLimitRequests, cfg.Analysis.RateLimitWindow)
	if err != nil {
		slog.Warn("Failed to initialize analysis rate limiter, continuing without it", logging.Error(err))
		return ratelimit.NoOpRateLimiter{}
	}
	slog.Info("Analysis rate limit enabled",
		slog.Int("requests", cfg.Analysis.RateLimitRequests),
		slog.Duration("window", cfg.Analysis.RateLimitWindow),
	)
	return rl
}
