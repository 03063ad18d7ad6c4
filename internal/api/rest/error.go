package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chatforge/wa-gateway/internal/logger"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Client errors (4xx)
	errCodeBadRequest       ErrorCode = "bad_request"
	errCodeNotFound         ErrorCode = "not_found"
	errCodeValidationFailed ErrorCode = "validation_failed"
	errCodeUnauthorized     ErrorCode = "unauthorized"
	errCodeForbidden        ErrorCode = "forbidden"
	errCodeNotConnected     ErrorCode = "not_connected"
	errCodeQuotaExceeded    ErrorCode = "quota_exceeded"
	errCodeInvalidState     ErrorCode = "invalid_state"

	// Server errors (5xx)
	errCodeInternalError       ErrorCode = "internal_error"
	errCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
)

// errorResponse represents a standardized error response
type errorResponse struct {
	Error errorDetail `json:"error"`
}

// errorDetail contains error information
type errorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
	// Remaining is only set on quota_exceeded responses
	Remaining *int64 `json:"remaining,omitempty"`
}

// respondWithError sends a standardized error response
func respondWithError(c *gin.Context, statusCode int, code ErrorCode, message string, details ...string) {
	response := errorResponse{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	}

	if len(details) > 0 {
		response.Error.Details = details[0]
	}

	c.JSON(statusCode, response)
}

// respondBadRequest sends a 400 Bad Request response
func respondBadRequest(c *gin.Context, message string, details ...string) {
	respondWithError(c, http.StatusBadRequest, errCodeBadRequest, message, details...)
}

// respondNotFound sends a 404 Not Found response
func respondNotFound(c *gin.Context, message string, details ...string) {
	respondWithError(c, http.StatusNotFound, errCodeNotFound, message, details...)
}

// respondValidationError sends a 400 Bad Request with validation error
func respondValidationError(c *gin.Context, details string) {
	respondWithError(c, http.StatusBadRequest, errCodeValidationFailed, "Validation failed", details)
}

// respondForbidden sends a 403 Forbidden response
func respondForbidden(c *gin.Context, message string) {
	respondWithError(c, http.StatusForbidden, errCodeForbidden, message)
}

// respondNotConnected sends a 409 Conflict for tenants without a connected channel
func respondNotConnected(c *gin.Context) {
	respondWithError(c, http.StatusConflict, errCodeNotConnected, "Tenant has no connected WhatsApp channel")
}

// respondQuotaExceeded sends a 429 with the remaining allowance
func respondQuotaExceeded(c *gin.Context, remaining int64) {
	c.JSON(http.StatusTooManyRequests, errorResponse{
		Error: errorDetail{
			Code:      errCodeQuotaExceeded,
			Message:   "Outbound message quota exhausted for the current window",
			Remaining: &remaining,
		},
	})
}

// respondUpstreamUnavailable sends a 502 Bad Gateway response
func respondUpstreamUnavailable(c *gin.Context, message string) {
	respondWithError(c, http.StatusBadGateway, errCodeUpstreamUnavailable, message)
}

// respondInternalError sends a 500 Internal Server Error response and logs the error
func respondInternalError(c *gin.Context, err error, message string, fields ...zap.Field) {
	logger.Error(err, fields...)
	respondWithError(c, http.StatusInternalServerError, errCodeInternalError, message)
}
