package handlers

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditgate/internal/types"
)

func evalBody(account string, feature types.Feature) map[string]any {
	return map[string]any{"account_id": account, "feature": feature}
}

func TestEvaluate_Allowed(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "acct_1", types.RoleProfessor, types.TierFree)

	rec := env.do(t, http.MethodPost, "/v1/entitlements/evaluate", evalBody("acct_1", types.FeatureAIGrading), requestOpts{token: serviceToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var d types.Decision
	decodeData(t, rec, &d)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.CreditCost)
	assert.Equal(t, int64(5), d.Balance)
	assert.Equal(t, 10, d.UsageRemaining)
	assert.Equal(t, types.SubStatusTrialing, d.Status)
}

func TestEvaluate_DenialIsReturnedAsDecision(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "acct_1", types.RoleProfessor, types.TierFree)

	rec := env.do(t, http.MethodPost, "/v1/entitlements/evaluate", evalBody("acct_1", types.FeatureAnalytics), requestOpts{token: serviceToken})
	require.Equal(t, http.StatusOK, rec.Code)

	var d types.Decision
	decodeData(t, rec, &d)
	assert.False(t, d.Allowed)
	assert.Equal(t, types.ReasonFeatureNotInTier, d.Reason)
	assert.NotEmpty(t, d.UpgradeHint)
}

func TestEvaluate_DoesNotWrite(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "acct_1", types.RoleProfessor, types.TierFree)

	for range 20 {
		rec := env.do(t, http.MethodPost, "/v1/entitlements/evaluate", evalBody("acct_1", types.FeatureAIGrading), requestOpts{token: serviceToken})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Empty(t, env.store.UsageRecords("acct_1"))
	assert.Len(t, env.store.Transactions("acct_1"), 1)
}

func TestEvaluate_UnknownAccount(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/entitlements/evaluate", evalBody("ghost", types.FeatureAIGrading), requestOpts{token: serviceToken})
	requireError(t, rec, http.StatusNotFound, types.ErrCodeNotFoundAccount)
}

func TestEvaluate_InvalidFeatureName(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/entitlements/evaluate", evalBody("acct_1", "ai grading"), requestOpts{token: serviceToken})
	requireError(t, rec, http.StatusBadRequest, types.ErrCodeValidationInvalidFeature)
}

func TestEvaluate_MissingAccountID(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/entitlements/evaluate", map[string]any{"feature": "AI_GRADING"}, requestOpts{token: serviceToken})
	detail := requireError(t, rec, http.StatusBadRequest, types.ErrCodeValidationMissingField)
	assert.Equal(t, "account_id", detail.Details["field"])
}

func TestEvaluate_RequiresToken(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/entitlements/evaluate", evalBody("acct_1", types.FeatureAIGrading), requestOpts{})
	requireError(t, rec, http.StatusUnauthorized, types.ErrCodeAuthTokenMissing)
}

func TestCommit_RequiresIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "acct_1", types.RoleProfessor, types.TierFree)

	rec := env.do(t, http.MethodPost, "/v1/entitlements/commit", evalBody("acct_1", types.FeatureAIGrading), requestOpts{token: serviceToken})
	requireError(t, rec, http.StatusBadRequest, types.ErrCodeValidationIdempotencyKey)
	assert.Len(t, env.store.Transactions("acct_1"), 1)
}

func TestCommit_ReservedIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "acct_1", types.RoleProfessor, types.TierFree)

	rec := env.do(t, http.MethodPost, "/v1/entitlements/commit", evalBody("acct_1", types.FeatureAIGrading),
		requestOpts{token: serviceToken, key: "MONTHLY_RESET:2025-03-01T00:00:00Z"})
	requireError(t, rec, http.StatusBadRequest, types.ErrCodeValidationReservedKey)
	assert.Len(t, env.store.Transactions("acct_1"), 1)
}

func TestCommit_AppliesAndReplays(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "acct_1", types.RoleProfessor, types.TierFree)
	opts := requestOpts{token: serviceToken, key: "grade-42"}

	rec := env.do(t, http.MethodPost, "/v1/entitlements/commit", evalBody("acct_1", types.FeatureAIGrading), opts)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var first types.CommitResult
	decodeData(t, rec, &first)
	assert.False(t, first.Replayed)
	assert.Equal(t, int64(1), first.CreditCost)
	assert.Equal(t, 1, first.UsageCount)
	assert.Equal(t, int64(4), first.Balance)

	rec = env.do(t, http.MethodPost, "/v1/entitlements/commit", evalBody("acct_1", types.FeatureAIGrading), opts)
	require.Equal(t, http.StatusOK, rec.Code)
	var replay types.CommitResult
	decodeData(t, rec, &replay)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.Balance, replay.Balance)
	assert.Equal(t, first.UsageCount, replay.UsageCount)

	assert.Len(t, env.store.Transactions("acct_1"), 2)
}

func TestCommit_ReplayWithDifferentFeature(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "acct_1", types.RoleProfessor, types.TierFree)
	opts := requestOpts{token: serviceToken, key: "k-1"}

	rec := env.do(t, http.MethodPost, "/v1/entitlements/commit", evalBody("acct_1", types.FeatureAIGrading), opts)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/entitlements/commit", evalBody("acct_1", types.FeatureAIFeedback), opts)
	requireError(t, rec, http.StatusConflict, types.ErrCodeConflictIdempotency)
}

func TestCommit_InsufficientCredits(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "acct_1", types.RoleProfessor, types.TierFree)

	for i := range 5 {
		rec := env.do(t, http.MethodPost, "/v1/entitlements/commit", evalBody("acct_1", types.FeatureAIGrading),
			requestOpts{token: serviceToken, key: fmt.Sprintf("g-%d", i)})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodPost, "/v1/entitlements/commit", evalBody("acct_1", types.FeatureAIGrading),
		requestOpts{token: serviceToken, key: "g-5"})
	detail := requireError(t, rec, http.StatusPaymentRequired, types.ErrCodeDeniedInsufficientCredits)
	assert.Equal(t, string(types.ReasonInsufficientCredits), detail.Details["reason"])
	assert.EqualValues(t, 0, detail.Details["balance"])

	credit := env.creditOf(t, "acct_1")
	assert.Equal(t, int64(0), credit.Balance)
}

func TestCommit_StudentRoleRestricted(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "stu_1", types.RoleStudent, types.TierBasic)

	rec := env.do(t, http.MethodPost, "/v1/entitlements/commit", evalBody("stu_1", types.FeatureAIGrading),
		requestOpts{token: serviceToken, key: "s-1"})
	requireError(t, rec, http.StatusForbidden, types.ErrCodeDeniedRoleRestricted)

	rec = env.do(t, http.MethodPost, "/v1/entitlements/commit", evalBody("stu_1", types.FeatureAIGradingRead),
		requestOpts{token: serviceToken, key: "s-2"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestCommit_AdminBypassesCredits(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "root", types.RoleAdmin, types.TierFree)

	rec := env.do(t, http.MethodPost, "/v1/entitlements/commit", evalBody("root", types.FeatureBulkOperations),
		requestOpts{token: serviceToken, key: "a-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res types.CommitResult
	decodeData(t, rec, &res)
	assert.Equal(t, int64(0), res.CreditCost)
	assert.Empty(t, env.store.UsageRecords("root"))
}
