// Package telemetry publishes engine metrics to CloudWatch.
//
// Data points are buffered and sent by Flush, either from the Run loop in
// long-lived processes or explicitly at the end of a maintenance invocation.
// Recording never blocks on the network.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"creditgate/internal/types"
)

const (
	// maxDatumsPerCall is the PutMetricData limit per request.
	maxDatumsPerCall = 1000
	// maxPending bounds the buffer when CloudWatch is unreachable.
	maxPending = 10000
	// flushThreshold wakes the Run loop before the next tick.
	flushThreshold = 500
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics records entitlement decisions, ledger alerts, HTTP
// requests and maintenance outcomes.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending []cwtypes.MetricDatum
	dropped int
	wake    chan struct{}
}

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to namespace.
// An empty namespace uses types.MetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

func (m *CloudWatchMetrics) datum(name string, value float64, unit cwtypes.StandardUnit, dims ...cwtypes.Dimension) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
		Timestamp:  aws.Time(m.now().UTC()),
		Dimensions: dims,
	}
}

func (m *CloudWatchMetrics) add(data ...cwtypes.MetricDatum) {
	m.mu.Lock()
	room := maxPending - len(m.pending)
	if room < len(data) {
		m.dropped += len(data) - max(room, 0)
		data = data[:max(room, 0)]
	}
	m.pending = append(m.pending, data...)
	full := len(m.pending) >= flushThreshold
	m.mu.Unlock()

	if full {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
}

// RecordDecision counts an evaluate or commit outcome by tier, feature and
// reason. Allowed decisions use the reason ALLOWED.
func (m *CloudWatchMetrics) RecordDecision(_ context.Context, tier types.Tier, feature types.Feature, reason types.DenialReason) {
	r := string(reason)
	if reason == types.ReasonNone {
		r = "ALLOWED"
	}
	data := []cwtypes.MetricDatum{
		m.datum(types.MetricEntitlementDecision, 1, cwtypes.StandardUnitCount,
			dim(types.DimFeature, string(feature)),
			dim(types.DimReason, r)),
	}
	if tier != "" {
		data = append(data, m.datum(types.MetricEntitlementDecision, 1, cwtypes.StandardUnitCount,
			dim(types.DimTier, string(tier)),
			dim(types.DimReason, r)))
	}
	if reason == types.ReasonStorageUnavailable {
		data = append(data, m.datum(types.MetricStorageUnavailable, 1, cwtypes.StandardUnitCount))
	}
	m.add(data...)
}

// RecordCommit counts an applied commit and the credits it debited.
func (m *CloudWatchMetrics) RecordCommit(_ context.Context, feature types.Feature, creditCost int64) {
	data := []cwtypes.MetricDatum{
		m.datum(types.MetricEntitlementCommit, 1, cwtypes.StandardUnitCount, dim(types.DimFeature, string(feature))),
	}
	if creditCost > 0 {
		data = append(data, m.datum(types.MetricCreditsDebited, float64(creditCost), cwtypes.StandardUnitCount,
			dim(types.DimFeature, string(feature))))
	}
	m.add(data...)
}

// RecordLedgerInconsistency is sent immediately; it drives the operator alarm.
func (m *CloudWatchMetrics) RecordLedgerInconsistency(ctx context.Context, accountID string) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{m.datum(types.MetricLedgerInconsistency, 1, cwtypes.StandardUnitCount)},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to record ledger inconsistency metric",
			"error", err,
			"account_id", accountID,
		)
	}
}

// RecordRequest records one HTTP request by route pattern.
func (m *CloudWatchMetrics) RecordRequest(method, route, status string, duration time.Duration) {
	m.add(
		m.datum(types.MetricRequestCount, 1, cwtypes.StandardUnitCount,
			dim(types.DimMethod, method), dim(types.DimRoute, route), dim(types.DimStatus, status)),
		m.datum(types.MetricRequestLatency, float64(duration.Milliseconds()), cwtypes.StandardUnitMilliseconds,
			dim(types.DimMethod, method), dim(types.DimRoute, route)),
	)
}

// RecordMaintenance records the outcome of one maintenance task run.
func (m *CloudWatchMetrics) RecordMaintenance(_ context.Context, task string, processed, failed int) {
	m.add(
		m.datum(types.MetricMaintenanceItems, float64(processed), cwtypes.StandardUnitCount, dim(types.DimTaskType, task)),
		m.datum(types.MetricMaintenanceFailures, float64(failed), cwtypes.StandardUnitCount, dim(types.DimTaskType, task)),
	)
}

// Flush sends every buffered data point. Points from a failed call are
// dropped and logged; metrics are best effort.
func (m *CloudWatchMetrics) Flush(ctx context.Context) error {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	dropped := m.dropped
	m.dropped = 0
	m.mu.Unlock()

	if dropped > 0 {
		m.logger.WarnContext(ctx, "metric buffer full, data points dropped", "dropped", dropped)
	}

	var firstErr error
	for start := 0; start < len(batch); start += maxDatumsPerCall {
		end := min(start+maxDatumsPerCall, len(batch))
		_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(m.namespace),
			MetricData: batch[start:end],
		})
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to publish metrics", "error", err, "count", end-start)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Run flushes every interval until ctx is done, then flushes once more with
// a short grace deadline.
func (m *CloudWatchMetrics) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			_ = m.Flush(final)
			cancel()
			return
		case <-ticker.C:
			_ = m.Flush(ctx)
		case <-m.wake:
			_ = m.Flush(ctx)
		}
	}
}

// Pending reports the number of buffered data points.
func (m *CloudWatchMetrics) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
