package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
)

// Settlement error codes shared by the auction, checkout and ledger engines
const (
	ErrCodeAuctionNotFound      = "AUCTION_NOT_FOUND"
	ErrCodeAuctionClosed        = "AUCTION_CLOSED"
	ErrCodeBidTooLow            = "BID_TOO_LOW"
	ErrCodeEmptyCart            = "EMPTY_CART"
	ErrCodeInsufficientStock    = "INSUFFICIENT_STOCK"
	ErrCodePriceChanged         = "PRICE_CHANGED"
	ErrCodeInsufficientBalance  = "INSUFFICIENT_BALANCE"
	ErrCodeInsufficientPending  = "INSUFFICIENT_PENDING"
	ErrCodeNoPayoutDestination  = "NO_PAYOUT_DESTINATION"
	ErrCodeTransferFailed       = "TRANSFER_FAILED"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeExternalServiceError = "EXTERNAL_SERVICE_ERROR"
)

// CodedError is a domain error carrying an API error code and HTTP status.
// The engines return these for validation and conflict rejections so the
// handlers can surface them without inspecting engine internals.
type CodedError struct {
	Code    string
	Message string
	Status  int
}

func (e *CodedError) Error() string {
	return e.Message
}

// Is matches CodedErrors by code, so sentinel-style errors.Is checks work
// against instances carrying dynamic messages.
func (e *CodedError) Is(target error) bool {
	var t *CodedError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// NewCodedError creates a CodedError with the given HTTP status, code and message
func NewCodedError(status int, code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	var coded *CodedError
	switch {
	case errors.As(err, &coded):
		c.JSON(coded.Status, Response{
			Success: false,
			Error: &Error{
				Code:    coded.Code,
				Message: coded.Message,
			},
		})
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		InternalError(c, "An unexpected error occurred")
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeNotFound,
			Message: message,
		},
	})
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeBadRequest,
			Message: message,
		},
	})
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeUnauthorized,
			Message: message,
		},
	})
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	c.JSON(http.StatusForbidden, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeForbidden,
			Message: message,
		},
	})
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeInternalError,
			Message: message,
		},
	})
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	c.JSON(http.StatusConflict, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeDuplicateResource,
			Message: message,
		},
	})
}
