package core

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"creditgate/internal/types"
)

// Validator wraps go-playground/validator with the engine's domain tags:
// tier, role, owner_type and feature.
type Validator struct {
	v *validator.Validate
}

// NewValidator registers the domain tags. JSON field names are reported in
// errors instead of Go field names.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("tier", func(fl validator.FieldLevel) bool {
		return types.Tier(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("role", func(fl validator.FieldLevel) bool {
		return types.Role(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("owner_type", func(fl validator.FieldLevel) bool {
		switch types.OwnerType(fl.Field().String()) {
		case types.OwnerUser, types.OwnerOrganization:
			return true
		}
		return false
	})
	_ = v.RegisterValidation("feature", func(fl validator.FieldLevel) bool {
		return isFeatureName(fl.Field().String())
	})
	return &Validator{v: v}
}

// isFeatureName accepts upper snake case identifiers such as AI_GRADING.
func isFeatureName(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for i, c := range s {
		switch {
		case c >= 'A' && c <= 'Z':
		case (c >= '0' && c <= '9') || c == '_':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// tagCodes picks the error code reported for a failed tag.
var tagCodes = map[string]types.ErrorCode{
	"tier":    types.ErrCodeValidationInvalidTier,
	"role":    types.ErrCodeValidationInvalidRole,
	"feature": types.ErrCodeValidationInvalidFeature,
}

// ValidateStruct returns nil or an AppError naming the first failing field.
func (v *Validator) ValidateStruct(s any) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return types.NewAppError(types.ErrCodeValidationMissingField, "invalid request", err)
	}

	fe := verrs[0]
	code, ok := tagCodes[fe.Tag()]
	if !ok {
		code = types.ErrCodeValidationMissingField
		if fe.Tag() != "required" && fe.Kind() >= reflect.Int && fe.Kind() <= reflect.Float64 {
			code = types.ErrCodeValidationInvalidAmount
		}
	}
	return types.NewAppErrorWithDetails(code, "invalid field "+fe.Field(), err, map[string]any{
		"field": fe.Field(),
		"rule":  fe.Tag(),
	})
}
