// Package queue provides SQS-based producers for operator-facing messages.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"creditgate/internal/config"
	"creditgate/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// AlertKindLedgerInconsistency tags ledger divergence messages.
const AlertKindLedgerInconsistency = "ledger_inconsistency"

// LedgerAlertMessage is the SQS body for a ledger divergence.
type LedgerAlertMessage struct {
	AlertID string            `json:"alert_id"`
	Kind    string            `json:"kind"`
	Alert   types.LedgerAlert `json:"alert"`
}

// LedgerAlerter publishes ledger alerts to the operator queue. It satisfies
// entitlement.Alerter.
type LedgerAlerter struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewLedgerAlerter creates a LedgerAlerter sending to AWSConfig.AlertQueueURL.
func NewLedgerAlerter(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *LedgerAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerAlerter{
		client:   client,
		queueURL: awsCfg.AlertQueueURL,
		logger:   logger,
	}
}

// PublishLedgerAlert sends one alert. The account ID is also carried as a
// message attribute so consumers can filter without decoding the body.
func (a *LedgerAlerter) PublishLedgerAlert(ctx context.Context, alert types.LedgerAlert) error {
	msg := LedgerAlertMessage{
		AlertID: uuid.New().String(),
		Kind:    AlertKindLedgerInconsistency,
		Alert:   alert,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal ledger alert: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(a.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(AlertKindLedgerInconsistency),
			},
			"account_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(alert.AccountID),
			},
		},
	}

	if _, err := a.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send ledger alert to %s: %w", a.queueURL, err)
	}

	a.logger.InfoContext(ctx, "ledger alert sent",
		"queue_url", a.queueURL,
		"alert_id", msg.AlertID,
		"account_id", alert.AccountID,
		"cached_balance", alert.CachedBalance,
		"ledger_sum", alert.LedgerSum,
	)
	return nil
}
