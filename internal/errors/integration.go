package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/convertful/integrations/internal/models"
)

// Code classifies integration failures. The numeric values are shown to
// users and stored with failed jobs, so they must never change.
type Code int

const (
	CodeUnknown          Code = 0
	CodeWrongCredentials Code = 10
	CodeWrongParams      Code = 21
	CodeWrongData        Code = 22
	CodePlanLimitation   Code = 23
	CodeEmailLimitation  Code = 24
	CodeDuplicate        Code = 30
	CodeTemporary        Code = 42
	CodeWrongRequest     Code = 50
)

var defaultMessages = map[Code]string{
	CodeUnknown:          "Unknown integration error",
	CodeWrongCredentials: "Wrong credentials",
	CodeWrongParams:      "Wrong parameters for this account",
	CodeWrongData:        "Wrong form data",
	CodePlanLimitation:   "Your account plan limit is reached",
	CodeEmailLimitation:  "Email sending limit is reached",
	CodeDuplicate:        "This person already exists",
	CodeTemporary:        "Temporary integration error, please try again later",
	CodeWrongRequest:     "Wrong request",
}

var categories = map[Code]string{
	CodeUnknown:          "unknown",
	CodeWrongCredentials: "credentials",
	CodeWrongParams:      "params",
	CodeWrongData:        "data",
	CodePlanLimitation:   "plan_limitation",
	CodeEmailLimitation:  "email_limitation",
	CodeDuplicate:        "duplicate",
	CodeTemporary:        "temporary",
	CodeWrongRequest:     "wrong_request",
}

// Codes returns every known code in ascending order.
func Codes() []Code {
	return []Code{
		CodeUnknown,
		CodeWrongCredentials,
		CodeWrongParams,
		CodeWrongData,
		CodePlanLimitation,
		CodeEmailLimitation,
		CodeDuplicate,
		CodeTemporary,
		CodeWrongRequest,
	}
}

// Known reports whether c belongs to the closed code set.
func (c Code) Known() bool {
	_, ok := defaultMessages[c]
	return ok
}

// DefaultMessage returns the message used when none is given.
func (c Code) DefaultMessage() string {
	if msg, ok := defaultMessages[c]; ok {
		return msg
	}
	return defaultMessages[CodeUnknown]
}

// Category returns a stable label, also used as a metrics label.
func (c Code) Category() string {
	if cat, ok := categories[c]; ok {
		return cat
	}
	return categories[CodeUnknown]
}

// IntegrationError is the single channel for provider and validation
// failures. Field names the form field the failure belongs to, if any.
type IntegrationError struct {
	Code    Code
	Field   string
	Message string
	Err     error
	// RetryAfter is the provider's own hint for temporary failures.
	RetryAfter time.Duration
}

// NewIntegrationError builds an error; an empty message falls back to the code default.
func NewIntegrationError(code Code, field, message string) *IntegrationError {
	if !code.Known() {
		code = CodeUnknown
	}
	if message == "" {
		message = code.DefaultMessage()
	}
	return &IntegrationError{Code: code, Field: field, Message: message}
}

// WrapIntegrationError attaches an underlying cause.
func WrapIntegrationError(code Code, field, message string, err error) *IntegrationError {
	e := NewIntegrationError(code, field, message)
	e.Err = err
	return e
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

func (e *IntegrationError) Unwrap() error {
	return e.Err
}

// FieldOr returns the offending field or def when the error is not field-bound.
func (e *IntegrationError) FieldOr(def string) string {
	if e.Field == "" {
		return def
	}
	return e.Field
}

// IsTemporary reports whether the caller may retry the same operation later.
func (e *IntegrationError) IsTemporary() bool {
	return e.Code == CodeTemporary
}

// AsIntegrationError unwraps err into an IntegrationError.
func AsIntegrationError(err error) (*IntegrationError, bool) {
	var ie *IntegrationError
	if stderrors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// CodeOf returns the integration code carried by err, CodeUnknown otherwise.
func CodeOf(err error) Code {
	if ie, ok := AsIntegrationError(err); ok {
		return ie.Code
	}
	return CodeUnknown
}

// RetrySweeper is the persistence side of Retry.
type RetrySweeper interface {
	RescheduleFailedJobs(ctx context.Context, integrationID string, codes []int, at time.Time) (int, error)
	CloseNotifications(ctx context.Context, ownerID, notificationType string, at time.Time) (int, error)
}

// Retry reschedules the integration's failed jobs whose last error code is
// in codes (default: wrong credentials) and closes the owner's open
// integration notifications. It returns the number of rescheduled jobs.
func Retry(ctx context.Context, sweeper RetrySweeper, integration *models.Integration, codes ...Code) (int, error) {
	if integration == nil {
		return 0, fmt.Errorf("retry: integration is nil")
	}
	if len(codes) == 0 {
		codes = []Code{CodeWrongCredentials}
	}
	raw := make([]int, len(codes))
	for i, c := range codes {
		raw[i] = int(c)
	}

	now := time.Now()
	n, err := sweeper.RescheduleFailedJobs(ctx, integration.ID, raw, now)
	if err != nil {
		return 0, err
	}
	if _, err := sweeper.CloseNotifications(ctx, integration.OwnerID, models.NotificationIntegration, now); err != nil {
		return n, err
	}
	return n, nil
}
