package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditgate/internal/scheduler"
)

var fixedNow = time.Date(2025, 4, 2, 3, 0, 0, 0, time.UTC)

type stubTask struct {
	task   scheduler.TaskType
	result scheduler.Result
	err    error
	calls  []time.Time
}

func (s *stubTask) run(_ context.Context, now time.Time) (scheduler.Result, error) {
	s.calls = append(s.calls, now)
	r := s.result
	r.Task = s.task
	return r, s.err
}

type stubReset struct{ *stubTask }

func (s stubReset) ResetDue(ctx context.Context, now time.Time) (scheduler.Result, error) {
	return s.run(ctx, now)
}

type stubReconcile struct{ *stubTask }

func (s stubReconcile) ReconcileAll(ctx context.Context, now time.Time) (scheduler.Result, error) {
	return s.run(ctx, now)
}

type stubArchive struct{ *stubTask }

func (s stubArchive) Archive(ctx context.Context, now time.Time) (scheduler.Result, error) {
	return s.run(ctx, now)
}

type recordedMetric struct {
	task              string
	processed, failed int
}

type stubRecorder struct {
	records []recordedMetric
	flushes int
	err     error
}

func (r *stubRecorder) RecordMaintenance(_ context.Context, task string, processed, failed int) {
	r.records = append(r.records, recordedMetric{task, processed, failed})
}

func (r *stubRecorder) Flush(context.Context) error {
	r.flushes++
	return r.err
}

type fixture struct {
	reset, reconcile, archive *stubTask
	metrics                   *stubRecorder
	handler                   *Handler
}

func newFixture() *fixture {
	f := &fixture{
		reset:     &stubTask{task: scheduler.TaskCreditReset, result: scheduler.Result{Processed: 3, Skipped: 1}},
		reconcile: &stubTask{task: scheduler.TaskLedgerReconcile, result: scheduler.Result{Processed: 4, Failed: 1}},
		archive:   &stubTask{task: scheduler.TaskUsageArchive, result: scheduler.Result{Processed: 10}},
		metrics:   &stubRecorder{},
	}
	f.handler = &Handler{
		Services: ServiceRegistry{
			Reset:     stubReset{f.reset},
			Reconcile: stubReconcile{f.reconcile},
			Archive:   stubArchive{f.archive},
		},
		Metrics: f.metrics,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:     func() time.Time { return fixedNow },
	}
	return f
}

func TestHandle_RoutesTasks(t *testing.T) {
	tests := []struct {
		task   scheduler.TaskType
		target func(f *fixture) *stubTask
	}{
		{scheduler.TaskCreditReset, func(f *fixture) *stubTask { return f.reset }},
		{scheduler.TaskLedgerReconcile, func(f *fixture) *stubTask { return f.reconcile }},
		{scheduler.TaskUsageArchive, func(f *fixture) *stubTask { return f.archive }},
	}
	for _, tc := range tests {
		t.Run(string(tc.task), func(t *testing.T) {
			f := newFixture()
			summary, err := f.handler.Handle(context.Background(), scheduler.MaintenancePayload{Task: tc.task})
			require.NoError(t, err)
			assert.Contains(t, summary, string(tc.task))

			target := tc.target(f)
			require.Len(t, target.calls, 1)
			assert.True(t, target.calls[0].Equal(fixedNow))

			total := len(f.reset.calls) + len(f.reconcile.calls) + len(f.archive.calls)
			assert.Equal(t, 1, total)
		})
	}
}

func TestHandle_SummaryCounts(t *testing.T) {
	f := newFixture()
	summary, err := f.handler.Handle(context.Background(), scheduler.MaintenancePayload{Task: scheduler.TaskCreditReset})
	require.NoError(t, err)
	assert.Equal(t, "task credit_reset complete: 3 processed, 1 skipped, 0 failed", summary)
}

func TestHandle_ReferenceTimeOverride(t *testing.T) {
	f := newFixture()
	ref := time.Date(2025, 3, 1, 0, 5, 0, 0, time.FixedZone("EST", -5*3600))

	_, err := f.handler.Handle(context.Background(), scheduler.MaintenancePayload{
		Task:          scheduler.TaskCreditReset,
		ReferenceTime: &ref,
	})
	require.NoError(t, err)
	require.Len(t, f.reset.calls, 1)
	assert.True(t, f.reset.calls[0].Equal(ref))
	assert.Equal(t, time.UTC, f.reset.calls[0].Location())
}

func TestHandle_EmptyTask(t *testing.T) {
	f := newFixture()
	_, err := f.handler.Handle(context.Background(), scheduler.MaintenancePayload{})
	assert.ErrorContains(t, err, "empty task type")
	assert.Empty(t, f.metrics.records)
}

func TestHandle_UnknownTask(t *testing.T) {
	f := newFixture()
	_, err := f.handler.Handle(context.Background(), scheduler.MaintenancePayload{Task: "reindex"})
	assert.ErrorContains(t, err, "unknown task type")
}

func TestHandle_ServiceError(t *testing.T) {
	f := newFixture()
	f.reconcile.err = errors.New("listing accounts: connection refused")

	_, err := f.handler.Handle(context.Background(), scheduler.MaintenancePayload{Task: scheduler.TaskLedgerReconcile})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task ledger_reconcile failed")
	assert.Contains(t, err.Error(), "connection refused")
	require.Len(t, f.metrics.records, 1)
}

func TestHandle_ArchiveNotConfigured(t *testing.T) {
	f := newFixture()
	f.handler.Services.Archive = nil

	_, err := f.handler.Handle(context.Background(), scheduler.MaintenancePayload{Task: scheduler.TaskUsageArchive})
	assert.ErrorContains(t, err, "ARCHIVE_BUCKET")
}

func TestHandle_RecordsMetrics(t *testing.T) {
	f := newFixture()
	_, err := f.handler.Handle(context.Background(), scheduler.MaintenancePayload{Task: scheduler.TaskLedgerReconcile})
	require.NoError(t, err)

	require.Len(t, f.metrics.records, 1)
	assert.Equal(t, recordedMetric{"ledger_reconcile", 4, 1}, f.metrics.records[0])
	assert.Equal(t, 1, f.metrics.flushes)
}

func TestHandle_FlushErrorIsNotFatal(t *testing.T) {
	f := newFixture()
	f.metrics.err = errors.New("throttled")
	_, err := f.handler.Handle(context.Background(), scheduler.MaintenancePayload{Task: scheduler.TaskCreditReset})
	assert.NoError(t, err)
}

func TestHandle_NilMetrics(t *testing.T) {
	f := newFixture()
	f.handler.Metrics = nil
	_, err := f.handler.Handle(context.Background(), scheduler.MaintenancePayload{Task: scheduler.TaskCreditReset})
	assert.NoError(t, err)
}

func TestOneShotPayloads(t *testing.T) {
	all, err := oneShotPayloads("", "")
	require.NoError(t, err)
	require.Len(t, all, len(scheduler.AllTasks))
	for i, p := range all {
		assert.Equal(t, scheduler.AllTasks[i], p.Task)
		assert.Nil(t, p.ReferenceTime)
	}

	one, err := oneShotPayloads("usage_archive", "2025-04-01T03:00:00Z")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, scheduler.TaskUsageArchive, one[0].Task)
	require.NotNil(t, one[0].ReferenceTime)
	assert.True(t, one[0].ReferenceTime.Equal(time.Date(2025, 4, 1, 3, 0, 0, 0, time.UTC)))

	_, err = oneShotPayloads("reindex", "")
	assert.ErrorContains(t, err, "unknown task type")

	_, err = oneShotPayloads("credit_reset", "yesterday")
	assert.ErrorContains(t, err, "invalid --reference-time")
}

func TestIsLambdaEnvironment(t *testing.T) {
	t.Setenv("AWS_LAMBDA_RUNTIME_API", "")
	assert.True(t, isLambdaEnvironment())
}

func TestTaskDescriptions_CoverAllTasks(t *testing.T) {
	for _, task := range scheduler.AllTasks {
		assert.NotEmpty(t, taskDescriptions[task], task)
	}
}
