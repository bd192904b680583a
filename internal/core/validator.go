package core

import (
	"log/slog"

	"github.com/go-playground/validator/v10"

	"pushdesk/internal/types"
)

// Validator wraps go-playground/validator to translate struct validation
// failures into client-facing AppErrors with per-field details.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator with the domain validation rules.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	return &Validator{
		validate: v,
		logger:   logger,
	}
}

// ValidateStruct runs the validation tags of dst and returns a 400-class
// AppError describing every failed field, or nil when the struct is valid.
func (v *Validator) ValidateStruct(dst any) error {
	err := v.validate.Struct(dst)
	if err == nil {
		return nil
	}

	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		// InvalidValidationError: dst was not a struct. Programming error.
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"validation target is not a struct",
			err,
		)
	}

	details := make(map[string]any, len(validationErrs))
	for _, fe := range validationErrs {
		details[fe.Field()] = fe.Tag()
	}

	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationMissingField,
		"request validation failed",
		err,
		details,
	)
}
