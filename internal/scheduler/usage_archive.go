package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"creditgate/internal/billing"
	"creditgate/internal/types"
)

// ArchiveStore lists and stamps rows that have not been exported yet.
// db.ArchiveRepository satisfies it.
type ArchiveStore interface {
	ListUnarchivedUsage(ctx context.Context, updatedBefore time.Time, after types.UsageCursor, limit int) ([]types.UsageRecord, error)
	MarkUsageArchived(ctx context.Context, rec types.UsageRecord, at time.Time) error
	ListUnarchivedTransactions(ctx context.Context, before time.Time, limit int) ([]*types.CreditTransaction, error)
	MarkTransactionsArchived(ctx context.Context, ids []string, at time.Time) (int64, error)
}

// AccountReader resolves the period anchor of a usage record's account.
type AccountReader interface {
	GetAccount(ctx context.Context, accountID string) (*types.Account, error)
}

// ObjectPutter abstracts the S3 PutObject operation for testability.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

const (
	archiveContentType = "application/x-ndjson"
	archiveEncoding    = "zstd"
)

// UsageArchiveService exports usage counters of closed periods and old ledger
// entries to S3 as zstd-compressed JSON lines. Exported rows are stamped with
// archived_at and kept in the database.
type UsageArchiveService struct {
	store     ArchiveStore
	accounts  AccountReader
	s3        ObjectPutter
	bucket    string
	clock     billing.PeriodClock
	after     time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewUsageArchiveService creates a UsageArchiveService. Rows younger than
// after are left alone.
func NewUsageArchiveService(store ArchiveStore, accounts AccountReader, putter ObjectPutter, bucket string,
	clock billing.PeriodClock, after time.Duration, batchSize int, logger *slog.Logger) *UsageArchiveService {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &UsageArchiveService{
		store:     store,
		accounts:  accounts,
		s3:        putter,
		bucket:    bucket,
		clock:     clock,
		after:     after,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Archive exports every closed-period usage counter older than the cutoff,
// one upload per page, then one batch of ledger entries. Counters of a
// still-open period are stepped over with a cursor and picked up once their
// period has closed.
func (s *UsageArchiveService) Archive(ctx context.Context, now time.Time) (Result, error) {
	result := Result{Task: TaskUsageArchive}
	if s.bucket == "" {
		s.logger.WarnContext(ctx, "archive bucket not configured, skipping")
		return result, nil
	}
	cutoff := now.Add(-s.after)

	if err := s.archiveUsage(ctx, now, cutoff, &result); err != nil {
		return result, err
	}
	if err := s.archiveTransactions(ctx, now, cutoff, &result); err != nil {
		return result, err
	}

	s.logger.InfoContext(ctx, "usage archive run complete",
		"processed", result.Processed,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result, nil
}

func (s *UsageArchiveService) archiveUsage(ctx context.Context, now, cutoff time.Time, result *Result) error {
	anchors := make(map[string]time.Time)
	var after types.UsageCursor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		records, err := s.store.ListUnarchivedUsage(ctx, cutoff, after, s.batchSize)
		if err != nil {
			return fmt.Errorf("listing unarchived usage after %s/%s: %w", after.AccountID, after.PeriodKey, err)
		}
		if len(records) == 0 {
			return nil
		}

		closed := s.closedRecords(ctx, records, anchors, now, result)
		if len(closed) > 0 {
			if err := s.exportUsage(ctx, closed, now, result); err != nil {
				return err
			}
		}

		if len(records) < s.batchSize {
			return nil
		}
		after = records[len(records)-1].Cursor()
	}
}

// closedRecords filters out counters of each account's current period.
// Account anchors are cached for the run.
func (s *UsageArchiveService) closedRecords(ctx context.Context, records []types.UsageRecord, anchors map[string]time.Time,
	now time.Time, result *Result) []types.UsageRecord {
	closed := make([]types.UsageRecord, 0, len(records))
	for _, rec := range records {
		anchor, ok := anchors[rec.AccountID]
		if !ok {
			a, err := s.accounts.GetAccount(ctx, rec.AccountID)
			if err != nil {
				s.logger.ErrorContext(ctx, "failed to load account for archive", "account_id", rec.AccountID, "error", err)
				result.Failed++
				continue
			}
			anchor = a.PeriodAnchor
			anchors[rec.AccountID] = anchor
		}
		if rec.PeriodKey == s.clock.Key(anchor, now) {
			result.Skipped++
			continue
		}
		closed = append(closed, rec)
	}
	return closed
}

func (s *UsageArchiveService) exportUsage(ctx context.Context, closed []types.UsageRecord, now time.Time, result *Result) error {
	key := archiveKey("usage", now)
	body, err := encodeJSONLines(closed)
	if err != nil {
		return fmt.Errorf("encoding usage archive: %w", err)
	}
	if err := s.upload(ctx, key, body); err != nil {
		return err
	}

	for _, rec := range closed {
		if err := s.store.MarkUsageArchived(ctx, rec, now); err != nil {
			// The record stays unarchived and is exported again next run.
			s.logger.ErrorContext(ctx, "failed to mark usage archived",
				"account_id", rec.AccountID,
				"feature", rec.Feature,
				"period_key", rec.PeriodKey,
				"error", err,
			)
			result.Failed++
			continue
		}
		result.Processed++
	}
	s.logger.InfoContext(ctx, "usage counters archived", "key", key, "count", len(closed))
	return nil
}

func (s *UsageArchiveService) archiveTransactions(ctx context.Context, now, cutoff time.Time, result *Result) error {
	txs, err := s.store.ListUnarchivedTransactions(ctx, cutoff, s.batchSize)
	if err != nil {
		return fmt.Errorf("listing unarchived transactions: %w", err)
	}
	if len(txs) == 0 {
		return nil
	}

	key := archiveKey("ledger", now)
	body, err := encodeJSONLines(txs)
	if err != nil {
		return fmt.Errorf("encoding ledger archive: %w", err)
	}
	if err := s.upload(ctx, key, body); err != nil {
		return err
	}

	ids := make([]string, len(txs))
	for i, t := range txs {
		ids[i] = t.ID
	}
	marked, err := s.store.MarkTransactionsArchived(ctx, ids, now)
	if err != nil {
		result.Failed += len(txs)
		return fmt.Errorf("marking transactions archived: %w", err)
	}
	result.Processed += int(marked)
	s.logger.InfoContext(ctx, "ledger entries archived", "key", key, "count", marked)
	return nil
}

func (s *UsageArchiveService) upload(ctx context.Context, key string, body []byte) error {
	_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String(archiveContentType),
		ContentEncoding: aws.String(archiveEncoding),
		StorageClass:    s3types.StorageClassStandardIa,
	})
	if err != nil {
		return fmt.Errorf("uploading archive to s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// archiveKey returns "<kind>/YYYY/MM/DD/batch_<uuid>.jsonl.zst".
func archiveKey(kind string, now time.Time) string {
	now = now.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/batch_%s.jsonl.zst",
		kind, now.Year(), now.Month(), now.Day(), uuid.New().String())
}

// encodeJSONLines writes each row as one JSON line and compresses the
// result with zstd.
func encodeJSONLines[T any](rows []T) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	enc := json.NewEncoder(zw)
	for i := range rows {
		if err := enc.Encode(&rows[i]); err != nil {
			zw.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
