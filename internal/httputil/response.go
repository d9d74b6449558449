package httputil

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/botfleet/orchestrator/internal/errors"
)

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Error   string              `json:"error"`
	Code    apperrors.ErrorCode `json:"code"`
	Details any                 `json:"details,omitempty"`
}

// WriteError writes an AppError as an HTTP response with appropriate status code
func WriteError(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.Internal("An unexpected error occurred")
	}

	status := StatusFromCode(appErr.Code)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}

	WriteJSON(w, status, ErrorResponse{
		Error:   appErr.Message,
		Code:    appErr.Code,
		Details: appErr.Details,
	})
}

// StatusFromCode maps ErrorCode to HTTP status code
func StatusFromCode(code apperrors.ErrorCode) int {
	switch code {
	// 402 Payment Required
	case apperrors.ErrCodeSubscriptionRequired,
		apperrors.ErrCodeSubscriptionExpired:
		return http.StatusPaymentRequired

	// 403 Forbidden
	case apperrors.ErrCodeForbidden,
		apperrors.ErrCodeInstanceLimitReached:
		return http.StatusForbidden

	// 429 Too Many Requests
	case apperrors.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	}

	switch apperrors.ClassOfCode(code) {
	case apperrors.ClassValidation:
		return http.StatusBadRequest
	case apperrors.ClassAuth, apperrors.ClassSecurity:
		if code == apperrors.ErrCodeDecryptionFailed {
			return http.StatusUnprocessableEntity
		}
		return http.StatusUnauthorized
	case apperrors.ClassNotFound:
		return http.StatusNotFound
	case apperrors.ClassPrecondition:
		return http.StatusPreconditionFailed
	case apperrors.ClassConflict:
		return http.StatusConflict
	case apperrors.ClassExternal, apperrors.ClassTransient:
		return http.StatusBadGateway
	case apperrors.ClassRetryable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
