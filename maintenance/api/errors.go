// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/matrix-org/util"
)

// Error codes returned on the wire. These are stable identifiers: clients
// retry on CT_CONCURRENT_TRANSITION, fix their request on CT_VALIDATION and
// treat CT_STATE_CORRUPTION as an operator problem.
const (
	ErrCodeValidation           = "CT_VALIDATION"
	ErrCodeConcurrentTransition = "CT_CONCURRENT_TRANSITION"
	ErrCodeTransientStore       = "CT_TRANSIENT_STORE"
	ErrCodeStateCorruption      = "CT_STATE_CORRUPTION"
	ErrCodeMaintenanceActive    = "CT_MAINTENANCE_ACTIVE"
	ErrCodeForbidden            = "CT_FORBIDDEN"
	ErrCodeBadJSON              = "CT_BAD_JSON"
	ErrCodeLimitExceeded        = "CT_LIMIT_EXCEEDED"
	ErrCodeNotFound             = "CT_NOT_FOUND"
	ErrCodeUnknown              = "CT_UNKNOWN"
)

// CaretakerError is the typed error carried through the subsystem and
// serialised directly onto the wire. Discriminate with errors.As plus the
// ErrCode field.
type CaretakerError struct {
	ErrCode string `json:"errcode"`
	Err     string `json:"error"`
}

func (e CaretakerError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Err)
}

// ValidationError signals bad parameters to a transition request. It is
// surfaced synchronously to the caller.
func ValidationError(format string, args ...interface{}) CaretakerError {
	return CaretakerError{ErrCode: ErrCodeValidation, Err: fmt.Sprintf(format, args...)}
}

// ConcurrentTransitionError signals that another transition is mid-flight.
// Under the default serialize policy callers queue instead, so this is only
// returned when queueing is explicitly disabled.
func ConcurrentTransitionError(msg string) CaretakerError {
	return CaretakerError{ErrCode: ErrCodeConcurrentTransition, Err: msg}
}

// TransientStoreError wraps a session store or job registry failure. It is
// recorded into the audit trail and never propagated as a fatal error to the
// triggering admin call.
func TransientStoreError(err error) CaretakerError {
	return CaretakerError{ErrCode: ErrCodeTransientStore, Err: err.Error()}
}

// StateCorruptionError signals that the persisted maintenance status could
// not be read or parsed on load.
func StateCorruptionError(err error) CaretakerError {
	return CaretakerError{ErrCode: ErrCodeStateCorruption, Err: err.Error()}
}

// Forbidden signals a caller without admin capability.
func Forbidden(msg string) CaretakerError {
	return CaretakerError{ErrCode: ErrCodeForbidden, Err: msg}
}

// BadJSON signals an unparseable request body.
func BadJSON(msg string) CaretakerError {
	return CaretakerError{ErrCode: ErrCodeBadJSON, Err: msg}
}

// LimitExceeded signals a rate-limited caller.
func LimitExceeded(msg string) CaretakerError {
	return CaretakerError{ErrCode: ErrCodeLimitExceeded, Err: msg}
}

// NotFound signals an unknown resource.
func NotFound(msg string) CaretakerError {
	return CaretakerError{ErrCode: ErrCodeNotFound, Err: msg}
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	var ce CaretakerError
	return errors.As(err, &ce) && ce.ErrCode == ErrCodeValidation
}

// ErrorResponse converts a CaretakerError into a util.JSONResponse with the
// appropriate HTTP status code. This keeps error codes intact when errors
// cross handler boundaries. Returns nil if err is not a CaretakerError;
// callers should then respond with an internal server error.
func ErrorResponse(err error) *util.JSONResponse {
	var ce CaretakerError
	if !errors.As(err, &ce) {
		return nil
	}

	var httpCode int
	switch ce.ErrCode {
	case ErrCodeValidation, ErrCodeBadJSON:
		httpCode = http.StatusBadRequest
	case ErrCodeForbidden:
		httpCode = http.StatusForbidden
	case ErrCodeNotFound:
		httpCode = http.StatusNotFound
	case ErrCodeConcurrentTransition:
		httpCode = http.StatusConflict
	case ErrCodeLimitExceeded:
		httpCode = http.StatusTooManyRequests
	case ErrCodeMaintenanceActive:
		httpCode = http.StatusServiceUnavailable
	default:
		httpCode = http.StatusInternalServerError
	}

	return &util.JSONResponse{
		Code: httpCode,
		JSON: ce,
	}
}

// InternalServerError is the generic payload for unexpected failures.
func InternalServerError() util.JSONResponse {
	return util.JSONResponse{
		Code: http.StatusInternalServerError,
		JSON: CaretakerError{ErrCode: ErrCodeUnknown, Err: "internal server error"},
	}
}

// DenyPayload is the structured body returned to a blocked request. A blocked
// request always receives this payload, never a raw unhandled error.
type DenyPayload struct {
	ErrCode             string        `json:"errcode"`
	Error               string        `json:"error"`
	Mode                Mode          `json:"mode"`
	Reason              string        `json:"reason,omitempty"`
	Operation           OperationType `json:"operation"`
	EstimatedCompletion string        `json:"estimated_completion,omitempty"`
	RetryAfterSeconds   int64         `json:"retry_after_seconds,omitempty"`
}
