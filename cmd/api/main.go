// Package main is the entry point for the creditgate API server.
//
// It loads configuration, builds the store (Postgres or in-memory for local
// development), wires the entitlement engine behind the HTTP chassis and
// serves until SIGINT or SIGTERM. SIGHUP reloads the policy file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"

	"creditgate/internal/api/handlers"
	"creditgate/internal/auth"
	"creditgate/internal/billing"
	"creditgate/internal/config"
	"creditgate/internal/core"
	"creditgate/internal/db"
	"creditgate/internal/entitlement"
	"creditgate/internal/external"
	"creditgate/internal/memstore"
	"creditgate/internal/queue"
	"creditgate/internal/telemetry"
)

// metricsFlushInterval is how often buffered CloudWatch data is sent.
const metricsFlushInterval = time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.Load(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("creditgate API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"store", cfg.Storage.Driver,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, probes, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	registry, err := buildRegistry(cfg.Entitlement.PolicyFile)
	if err != nil {
		return err
	}
	logger.Info("policy registry loaded", "version", registry.Version(), "file", cfg.Entitlement.PolicyFile)
	go watchPolicyReload(ctx, registry, cfg.Entitlement.PolicyFile, logger)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = probes

	authenticator, err := auth.NewKeyAuthenticator(cfg.Auth.ServiceKeys, cfg.Auth.AdminKeys, nil, logger)
	if err != nil {
		return fmt.Errorf("building authenticator: %w", err)
	}
	srv.Authenticator = authenticator
	logger.Info("api keys loaded", "names", authenticator.Names())

	var (
		ledgerOpts []entitlement.LedgerOption
		evalOpts   []entitlement.EvaluatorOption
	)
	if cfg.Observability.EnableMetrics || cfg.AWS.AlertQueueURL != "" {
		awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			return err
		}
		if cfg.Observability.EnableMetrics {
			metrics := telemetry.NewCloudWatchMetrics(
				cloudwatch.NewFromConfig(awsCfg, withCloudWatchEndpoint(cfg.AWS.EndpointURL)),
				cfg.Observability.MetricNamespace, logger)
			go metrics.Run(ctx, metricsFlushInterval)
			srv.Metrics = metrics
			ledgerOpts = append(ledgerOpts, entitlement.WithLedgerMetrics(metrics))
			evalOpts = append(evalOpts, entitlement.WithMetrics(metrics))
		}
		if cfg.AWS.AlertQueueURL != "" {
			alerter := queue.NewLedgerAlerter(
				sqs.NewFromConfig(awsCfg, withSQSEndpoint(cfg.AWS.EndpointURL)), cfg.AWS, logger)
			ledgerOpts = append(ledgerOpts, entitlement.WithAlerter(alerter))
		}
	}

	clock := billing.NewPeriodClock(cfg.Entitlement.PeriodLength)
	lifecycle := billing.NewLifecycle(cfg.Entitlement.GracePeriod)
	ledger := entitlement.NewLedger(store, clock, cfg.Entitlement.DefaultRolloverCap, logger, ledgerOpts...)
	usage := entitlement.NewUsageTracker(store, registry, clock)
	evaluator := entitlement.NewEvaluator(store, registry, lifecycle, usage, ledger, logger, evalOpts...)
	accounts := entitlement.NewAccounts(store, registry, clock, ledger, logger)

	maxBody := cfg.Server.MaxBodyBytes
	entitlementHandler := handlers.NewEntitlementHandler(evaluator, srv.Validator, maxBody, nil, logger)
	accountHandler := handlers.NewAccountHandler(accounts, usage, lifecycle, srv.Validator, maxBody, nil, logger)
	creditHandler := handlers.NewCreditHandler(ledger, accounts, srv.Validator, maxBody, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		entitlementHandler.RegisterRoutes(r, srv.RequireScope)
		accountHandler.RegisterRoutes(r, srv.RequireScope)
		creditHandler.RegisterRoutes(r, srv.RequireScope)
	})

	if secret := cfg.Billing.StripeWebhookSecret.Unmask(); secret != "" {
		priceTiers, err := cfg.Billing.StripePriceTiers()
		if err != nil {
			return err
		}
		webhook := handlers.NewStripeWebhookHandler(&external.StripeVerifier{}, accounts, handlers.StripeWebhookConfig{
			Secret:      secret,
			PriceTiers:  priceTiers,
			MetadataKey: cfg.Billing.AccountMetadataKey,
		}, nil, logger)
		srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, webhook.RegisterRoutes)
	} else {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set, billing webhook disabled")
	}

	srv.MountRoutes()
	return serve(ctx, srv, cfg, logger)
}

// buildStore returns the guarded store, its health probes and a close func.
func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (entitlement.Store, []core.HealthProbe, func(), error) {
	guard := entitlement.GuardSettings{
		Timeout:     cfg.Storage.Timeout,
		MaxFailures: cfg.Storage.BreakerMaxFailures,
		OpenFor:     cfg.Storage.BreakerOpenFor,
	}

	if cfg.Storage.Driver == config.DriverMemory {
		logger.Warn("using in-memory store; state is lost on restart")
		return entitlement.NewGuardedStore(memstore.New(), guard, logger), nil, func() {}, nil
	}

	pool, err := db.Connect(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	pgStore := db.NewStore(pool, logger)
	probes := []core.HealthProbe{core.ProbeFunc{ProbeName: "database", Fn: pgStore.Ping}}
	return entitlement.NewGuardedStore(pgStore, guard, logger), probes, pool.Close, nil
}

func buildRegistry(path string) (*billing.Registry, error) {
	if path == "" {
		return billing.NewDefaultRegistry(), nil
	}
	set, err := billing.LoadPolicyFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading policy file: %w", err)
	}
	return billing.NewRegistry(set)
}

// watchPolicyReload swaps in a fresh policy set on SIGHUP. A file that fails
// to parse or validate leaves the current set in place.
func watchPolicyReload(ctx context.Context, registry *billing.Registry, path string, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if path == "" {
				logger.Warn("SIGHUP ignored: POLICY_FILE not set")
				continue
			}
			set, err := billing.LoadPolicyFile(path)
			if err == nil {
				err = registry.Replace(set)
			}
			if err != nil {
				logger.Error("policy reload failed, keeping current policies", "file", path, "error", err)
				continue
			}
			logger.Info("policy registry reloaded", "version", registry.Version())
		}
	}
}

func loadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return awsCfg, nil
}

func withCloudWatchEndpoint(endpoint string) func(*cloudwatch.Options) {
	return func(o *cloudwatch.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}
}

func withSQSEndpoint(endpoint string) func(*sqs.Options) {
	return func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}
}

// serve runs the HTTP server until ctx is cancelled, then drains in-flight
// requests within the shutdown timeout.
func serve(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	httpServer := srv.HTTPServer()
	httpServer.IdleTimeout = 120 * time.Second

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
