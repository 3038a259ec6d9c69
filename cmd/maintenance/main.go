// Package main is the entry point for scheduled maintenance.
//
// Inside AWS Lambda it acts as a multiplexer: EventBridge rules send a
// scheduler.MaintenancePayload and the handler routes it to the matching
// task. Outside Lambda it runs one task (or all of them) once and exits:
//
//	go run ./cmd/maintenance --task=credit_reset
//	go run ./cmd/maintenance --task=usage_archive --reference-time=2025-04-01T03:00:00Z
//	go run ./cmd/maintenance --list
//
// Every task is idempotent, so overlapping invocations are harmless.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"creditgate/internal/billing"
	"creditgate/internal/config"
	"creditgate/internal/db"
	"creditgate/internal/entitlement"
	"creditgate/internal/queue"
	"creditgate/internal/scheduler"
	"creditgate/internal/telemetry"
)

// taskDescriptions documents every task for --list.
var taskDescriptions = map[scheduler.TaskType]string{
	scheduler.TaskCreditReset:     "Roll credit balances into the current period (rollover cap + allotment)",
	scheduler.TaskLedgerReconcile: "Compare cached balances with the ledger; halt and alert on divergence",
	scheduler.TaskUsageArchive:    "Export closed-period usage and old ledger entries to S3",
}

// ResetService rolls credit accounts into their current period.
type ResetService interface {
	ResetDue(ctx context.Context, now time.Time) (scheduler.Result, error)
}

// ReconcileService verifies cached balances against the ledger.
type ReconcileService interface {
	ReconcileAll(ctx context.Context, now time.Time) (scheduler.Result, error)
}

// ArchiveService exports closed-period data to cold storage.
type ArchiveService interface {
	Archive(ctx context.Context, now time.Time) (scheduler.Result, error)
}

// MaintenanceRecorder receives per-task outcome metrics.
type MaintenanceRecorder interface {
	RecordMaintenance(ctx context.Context, task string, processed, failed int)
	Flush(ctx context.Context) error
}

// ServiceRegistry holds the task implementations. Services are built once
// per cold start and reused across invocations.
type ServiceRegistry struct {
	Reset     ResetService
	Reconcile ReconcileService
	Archive   ArchiveService
}

// Handler holds the dependencies for the maintenance handler.
type Handler struct {
	Services ServiceRegistry
	Metrics  MaintenanceRecorder // nil disables metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// Handle runs the task named in payload and returns a one-line summary.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := h.now()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}
	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}

	logger.InfoContext(ctx, "maintenance task started",
		"task", string(payload.Task),
		"reference_time", now.Format(time.RFC3339),
	)

	start := time.Now()
	result, err := h.dispatch(ctx, payload.Task, now)
	if h.Metrics != nil {
		h.Metrics.RecordMaintenance(ctx, string(payload.Task), result.Processed, result.Failed)
		if ferr := h.Metrics.Flush(ctx); ferr != nil {
			logger.WarnContext(ctx, "failed to flush maintenance metrics", "error", ferr)
		}
	}

	if err != nil {
		logger.ErrorContext(ctx, "maintenance task failed",
			"task", string(payload.Task),
			"error", err,
			"processed_before_error", result.Processed,
		)
		return "", fmt.Errorf("task %s failed: %w", payload.Task, err)
	}

	summary := fmt.Sprintf("task %s complete: %d processed, %d skipped, %d failed",
		payload.Task, result.Processed, result.Skipped, result.Failed)
	logger.InfoContext(ctx, summary,
		"task", string(payload.Task),
		"processed", result.Processed,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return summary, nil
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

// dispatch routes a TaskType to its service.
func (h *Handler) dispatch(ctx context.Context, task scheduler.TaskType, now time.Time) (scheduler.Result, error) {
	switch task {
	case scheduler.TaskCreditReset:
		return h.Services.Reset.ResetDue(ctx, now)
	case scheduler.TaskLedgerReconcile:
		return h.Services.Reconcile.ReconcileAll(ctx, now)
	case scheduler.TaskUsageArchive:
		if h.Services.Archive == nil {
			return scheduler.Result{Task: task}, fmt.Errorf("usage archive requires ARCHIVE_BUCKET")
		}
		return h.Services.Archive.Archive(ctx, now)
	default:
		return scheduler.Result{Task: task}, fmt.Errorf("unknown task type: %q", task)
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	taskFlag := flag.String("task", "", "Task to run once (default: every task in order)")
	refTimeFlag := flag.String("reference-time", "", "Override reference time (RFC3339)")
	listFlag := flag.Bool("list", false, "List available tasks and exit")
	flag.Parse()

	if *listFlag {
		printTasks()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler, cleanup, err := buildHandler(ctx, logger)
	if err != nil {
		logger.Error("maintenance initialization failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	if isLambdaEnvironment() {
		logger.Info("maintenance Lambda initialized")
		lambda.Start(handler.Handle)
		return
	}

	payloads, err := oneShotPayloads(*taskFlag, *refTimeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	for _, p := range payloads {
		if _, err := handler.Handle(ctx, p); err != nil {
			cleanup()
			os.Exit(1)
		}
	}
}

// oneShotPayloads turns CLI flags into the payloads to run.
func oneShotPayloads(task, refTime string) ([]scheduler.MaintenancePayload, error) {
	var ref *time.Time
	if refTime != "" {
		t, err := time.Parse(time.RFC3339, refTime)
		if err != nil {
			return nil, fmt.Errorf("invalid --reference-time %q: %w", refTime, err)
		}
		ref = &t
	}

	if task == "" {
		out := make([]scheduler.MaintenancePayload, 0, len(scheduler.AllTasks))
		for _, tt := range scheduler.AllTasks {
			out = append(out, scheduler.MaintenancePayload{Task: tt, ReferenceTime: ref})
		}
		return out, nil
	}
	tt := scheduler.TaskType(task)
	if _, ok := taskDescriptions[tt]; !ok {
		return nil, fmt.Errorf("unknown task type %q", task)
	}
	return []scheduler.MaintenancePayload{{Task: tt, ReferenceTime: ref}}, nil
}

// buildHandler wires the services against Postgres and AWS.
func buildHandler(ctx context.Context, logger *slog.Logger) (*Handler, func(), error) {
	cfg, err := config.LoadMaintenance(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	if cfg.Storage.Driver != config.DriverPostgres {
		return nil, nil, fmt.Errorf("maintenance requires STORE_DRIVER=postgres")
	}

	pool, err := db.Connect(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	pgStore := db.NewStore(pool, logger)
	store := entitlement.NewGuardedStore(pgStore, entitlement.GuardSettings{
		Timeout:     cfg.Storage.Timeout,
		MaxFailures: cfg.Storage.BreakerMaxFailures,
		OpenFor:     cfg.Storage.BreakerOpenFor,
	}, logger)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("loading AWS config: %w", err)
	}
	endpoint := cfg.AWS.EndpointURL

	handler := &Handler{Logger: logger}
	var ledgerOpts []entitlement.LedgerOption
	if cfg.Observability.EnableMetrics {
		metrics := telemetry.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		}), cfg.Observability.MetricNamespace, logger)
		handler.Metrics = metrics
		ledgerOpts = append(ledgerOpts, entitlement.WithLedgerMetrics(metrics))
	}
	if cfg.AWS.AlertQueueURL != "" {
		sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
		ledgerOpts = append(ledgerOpts, entitlement.WithAlerter(queue.NewLedgerAlerter(sqsClient, cfg.AWS, logger)))
	}

	clock := billing.NewPeriodClock(cfg.Entitlement.PeriodLength)
	ledger := entitlement.NewLedger(store, clock, cfg.Entitlement.DefaultRolloverCap, logger, ledgerOpts...)
	m := cfg.Maintenance

	handler.Services = ServiceRegistry{
		Reset:     scheduler.NewCreditResetService(store, store, ledger, clock, m.PageSize, m.Concurrency, logger),
		Reconcile: scheduler.NewLedgerReconcileService(store, ledger, m.PageSize, m.Concurrency, logger),
	}
	if cfg.AWS.ArchiveBucket != "" {
		s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
				o.UsePathStyle = true
			}
		})
		handler.Services.Archive = scheduler.NewUsageArchiveService(pgStore.Archive(), store, s3Client,
			cfg.AWS.ArchiveBucket, clock, m.ArchiveAfter, m.ArchiveBatchSize, logger)
	}

	return handler, pool.Close, nil
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

func printTasks() {
	for _, t := range scheduler.AllTasks {
		example, _ := json.Marshal(scheduler.MaintenancePayload{Task: t})
		fmt.Printf("  %-18s %s\n  %-18s payload: %s\n", t, taskDescriptions[t], "", example)
	}
}
