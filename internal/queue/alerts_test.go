package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditgate/internal/config"
	"creditgate/internal/types"
)

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	calls []*sqs.SendMessageInput
	err   error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

const testAlertURL = "https://sqs.us-east-1.amazonaws.com/123456789/ledger-alerts"

func newTestAlerter(mock *mockSQSSender) *LedgerAlerter {
	return NewLedgerAlerter(mock, config.AWSConfig{AlertQueueURL: testAlertURL},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testAlert() types.LedgerAlert {
	return types.LedgerAlert{
		AccountID:     "acct_1",
		CachedBalance: 10,
		LedgerSum:     5,
		DetectedAt:    time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestPublishLedgerAlert(t *testing.T) {
	mock := &mockSQSSender{}
	alerter := newTestAlerter(mock)

	require.NoError(t, alerter.PublishLedgerAlert(context.Background(), testAlert()))
	require.Len(t, mock.calls, 1)

	call := mock.calls[0]
	assert.Equal(t, testAlertURL, *call.QueueUrl)
	assert.Equal(t, "acct_1", *call.MessageAttributes["account_id"].StringValue)
	assert.Equal(t, AlertKindLedgerInconsistency, *call.MessageAttributes["kind"].StringValue)

	var msg LedgerAlertMessage
	require.NoError(t, json.Unmarshal([]byte(*call.MessageBody), &msg))
	assert.NotEmpty(t, msg.AlertID)
	assert.Equal(t, AlertKindLedgerInconsistency, msg.Kind)
	assert.Equal(t, int64(10), msg.Alert.CachedBalance)
	assert.Equal(t, int64(5), msg.Alert.LedgerSum)
	assert.True(t, msg.Alert.DetectedAt.Equal(testAlert().DetectedAt))
}

func TestPublishLedgerAlert_UniqueIDs(t *testing.T) {
	mock := &mockSQSSender{}
	alerter := newTestAlerter(mock)

	require.NoError(t, alerter.PublishLedgerAlert(context.Background(), testAlert()))
	require.NoError(t, alerter.PublishLedgerAlert(context.Background(), testAlert()))

	var first, second LedgerAlertMessage
	require.NoError(t, json.Unmarshal([]byte(*mock.calls[0].MessageBody), &first))
	require.NoError(t, json.Unmarshal([]byte(*mock.calls[1].MessageBody), &second))
	assert.NotEqual(t, first.AlertID, second.AlertID)
}

func TestPublishLedgerAlert_SendError(t *testing.T) {
	mock := &mockSQSSender{err: errors.New("access denied")}
	alerter := newTestAlerter(mock)

	err := alerter.PublishLedgerAlert(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), testAlertURL)
	assert.Contains(t, err.Error(), "access denied")
}
