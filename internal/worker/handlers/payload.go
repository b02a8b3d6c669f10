// Package handlers provides task handlers for the worker.
// Each handler implements the business logic for a specific task type
// and can be registered with the worker to process tasks from the queue.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/nadmax/convoq/internal/retry"
)

const (
	EvaluateAchievementsType  = "evaluate_achievements"
	RecordAnalyticsType       = "record_analytics"
	SendFeedbackEmailType     = "send_feedback_email"
	SummarizeConversationType = "summarize_conversation"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodePayload converts a task payload into T and validates it. Every
// failure is a *retry.ValidationError, so the task is not retried.
func decodePayload[T any](payload map[string]any) (T, error) {
	var out T

	data, err := json.Marshal(payload)
	if err != nil {
		return out, retry.Invalid("payload", err.Error())
	}
	if err := json.Unmarshal(data, &out); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return out, retry.Invalid(typeErr.Field, fmt.Sprintf("must be %s", typeErr.Type))
		}
		return out, retry.Invalid("payload", err.Error())
	}

	if err := validate.Struct(out); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return out, retry.Invalid(fieldPath(fe.Namespace()), describe(fe))
		}
		return out, retry.Invalid("payload", err.Error())
	}

	return out, nil
}

// fieldPath drops the struct name validator puts in front of the namespace.
func fieldPath(namespace string) string {
	_, path, found := strings.Cut(namespace, ".")
	if !found {
		return namespace
	}
	return path
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be an email address"
	case "oneof":
		return "must be one of " + fe.Param()
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}
