package api

import (
	"net/http"

	"lending-engine/internal/engine"
)

// ErrorCode represents unified API error codes
type ErrorCode string

const (
	ErrorCodeInvalidArgument     ErrorCode = "INVALID_ARGUMENT"
	ErrorCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrorCodePoolNotFound        ErrorCode = "POOL_NOT_FOUND"
	ErrorCodePoolExists          ErrorCode = "POOL_EXISTS"
	ErrorCodeConfiguration       ErrorCode = "CONFIGURATION"
	ErrorCodeQueueState          ErrorCode = "QUEUE_STATE"
	ErrorCodeLockNotExpired      ErrorCode = "LOCK_NOT_EXPIRED"
	ErrorCodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrorCodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	ErrorCodeDuplicateRequest    ErrorCode = "DUPLICATE_REQUEST"
	ErrorCodeConflict            ErrorCode = "CONFLICT"
	ErrorCodeUnavailable         ErrorCode = "UNAVAILABLE"
	ErrorCodeInternalError       ErrorCode = "INTERNAL_ERROR"
)

// MapEngineErrorToHTTP maps engine error codes to HTTP status codes and error responses
func MapEngineErrorToHTTP(errorCode engine.ErrorCode, err error) (int, ErrorResponse) {
	switch errorCode {
	case engine.ErrorCodeNone:
		return http.StatusOK, ErrorResponse{}

	case engine.ErrorCodeInvalidArgument:
		return http.StatusBadRequest, errorResponse(ErrorCodeInvalidArgument, err, "invalid argument")

	case engine.ErrorCodeConfiguration:
		return http.StatusBadRequest, errorResponse(ErrorCodeConfiguration, err, "invalid configuration")

	case engine.ErrorCodeInsufficientBalance:
		return http.StatusBadRequest, errorResponse(ErrorCodeInsufficientBalance, err, "insufficient balance")

	case engine.ErrorCodePoolNotFound:
		return http.StatusNotFound, errorResponse(ErrorCodePoolNotFound, err, "pool not found")

	case engine.ErrorCodeNotFound:
		return http.StatusNotFound, errorResponse(ErrorCodeNotFound, err, "not found")

	case engine.ErrorCodePoolExists:
		return http.StatusConflict, errorResponse(ErrorCodePoolExists, err, "pool already exists")

	case engine.ErrorCodeQueueState:
		return http.StatusConflict, errorResponse(ErrorCodeQueueState, err, "invalid queue state")

	case engine.ErrorCodeLockNotExpired:
		return http.StatusConflict, errorResponse(ErrorCodeLockNotExpired, err, "lock not expired")

	case engine.ErrorCodeReentrantCall:
		return http.StatusConflict, errorResponse(ErrorCodeConflict, err, "reentrant call")

	case engine.ErrorCodeUnauthorized:
		return http.StatusForbidden, errorResponse(ErrorCodeUnauthorized, err, "unauthorized")

	case engine.ErrorCodeDuplicateRequest:
		return http.StatusConflict, errorResponse(ErrorCodeDuplicateRequest, err, "duplicate request with different payload")

	case engine.ErrorCodeUnavailable, engine.ErrorCodeCanceled:
		return http.StatusServiceUnavailable, errorResponse(ErrorCodeUnavailable, err, "service unavailable")

	default:
		return http.StatusInternalServerError, errorResponse(ErrorCodeInternalError, err, "internal error")
	}
}

func errorResponse(code ErrorCode, err error, defaultMsg string) ErrorResponse {
	return ErrorResponse{Code: string(code), Message: getErrorMessage(err, defaultMsg)}
}

func getErrorMessage(err error, defaultMsg string) string {
	if err != nil {
		return err.Error()
	}
	return defaultMsg
}
