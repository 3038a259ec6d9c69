package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"creditgate/internal/types"
)

func TestCommitRepository_FindByKey_Found(t *testing.T) {
	db := new(mockDBTX)
	repo := NewCommitRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"acct_1", "req-1"}).
		Return(rowOf("c_1", "acct_1", "req-1", types.FeatureAIGrading, int64(1), 4, int64(9), repoNow))

	got, err := repo.FindByKey(context.Background(), "acct_1", "req-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.FeatureAIGrading, got.Feature)
	assert.Equal(t, 4, got.UsageCount)
	assert.Equal(t, int64(9), got.BalanceAfter)
}

func TestCommitRepository_FindByKey_Missing(t *testing.T) {
	db := new(mockDBTX)
	repo := NewCommitRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	got, err := repo.FindByKey(context.Background(), "acct_1", "req-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCommitRepository_Insert_Duplicate(t *testing.T) {
	db := new(mockDBTX)
	repo := NewCommitRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"})

	err := repo.Insert(context.Background(), &types.CommitRecord{ID: "c_1", AccountID: "acct_1", IdempotencyKey: "req-1"})
	requireCode(t, err, types.ErrCodeConflictIdempotency)
}
