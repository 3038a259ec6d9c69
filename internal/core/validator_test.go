package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditgate/internal/types"
)

type createReq struct {
	OwnerType string `json:"owner_type" validate:"required,owner_type"`
	Role      string `json:"role" validate:"required,role"`
	Tier      string `json:"tier" validate:"required,tier"`
	Feature   string `json:"feature" validate:"omitempty,feature"`
	Amount    int64  `json:"amount" validate:"gte=0"`
}

func validationCode(t *testing.T, err error) (types.ErrorCode, string) {
	t.Helper()
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	return appErr.Code, appErr.Details["field"].(string)
}

func TestValidator_DomainTags(t *testing.T) {
	v := NewValidator()
	valid := createReq{OwnerType: "USER", Role: "PROFESSOR", Tier: "BASIC", Feature: "AI_GRADING"}
	require.NoError(t, v.ValidateStruct(valid))

	tests := []struct {
		name      string
		mutate    func(*createReq)
		wantCode  types.ErrorCode
		wantField string
	}{
		{"missing owner", func(r *createReq) { r.OwnerType = "" }, types.ErrCodeValidationMissingField, "owner_type"},
		{"bad owner", func(r *createReq) { r.OwnerType = "TEAM" }, types.ErrCodeValidationMissingField, "owner_type"},
		{"bad role", func(r *createReq) { r.Role = "TA" }, types.ErrCodeValidationInvalidRole, "role"},
		{"bad tier", func(r *createReq) { r.Tier = "GOLD" }, types.ErrCodeValidationInvalidTier, "tier"},
		{"lowercase feature", func(r *createReq) { r.Feature = "ai_grading" }, types.ErrCodeValidationInvalidFeature, "feature"},
		{"leading digit feature", func(r *createReq) { r.Feature = "1AI" }, types.ErrCodeValidationInvalidFeature, "feature"},
		{"negative amount", func(r *createReq) { r.Amount = -1 }, types.ErrCodeValidationInvalidAmount, "amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			code, field := validationCode(t, v.ValidateStruct(req))
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantField, field)
		})
	}
}

func TestIsFeatureName(t *testing.T) {
	assert.True(t, isFeatureName("LMS_IMPORT"))
	assert.True(t, isFeatureName("AI2"))
	assert.False(t, isFeatureName(""))
	assert.False(t, isFeatureName("_AI"))
	assert.False(t, isFeatureName("AI-GRADING"))
}
