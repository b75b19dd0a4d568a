package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	ErrCodePermissionDenied       ErrorCode = "MEDIA_PERMISSION_DENIED"
	ErrCodeDeviceNotFound         ErrorCode = "MEDIA_DEVICE_NOT_FOUND"
	ErrCodeDeviceBusy             ErrorCode = "MEDIA_DEVICE_BUSY"
	ErrCodeConstraintUnsatisfied  ErrorCode = "MEDIA_OVERCONSTRAINED"
	ErrCodeMediaUnavailable       ErrorCode = "MEDIA_UNAVAILABLE"
	ErrCodeSignalingFailed        ErrorCode = "SIGNALING_FAILED"
	ErrCodeNegotiationFailed      ErrorCode = "NEGOTIATION_FAILED"
	ErrCodeTransportFailed        ErrorCode = "TRANSPORT_FAILED"
	ErrCodeReconnectionFailed     ErrorCode = "RECONNECTION_FAILED"
	ErrCodeStatsUnavailable       ErrorCode = "STATS_UNAVAILABLE"
	ErrCodeAdaptationFailed       ErrorCode = "ADAPTATION_FAILED"
	ErrCodeDataChannelUnavailable ErrorCode = "DATA_CHANNEL_UNAVAILABLE"
	ErrCodeCameraSwitchFailed     ErrorCode = "CAMERA_SWITCH_FAILED"
)

// Category groups error codes by the subsystem that raised them.
type Category string

const (
	CategoryPermission  Category = "permission"
	CategoryDevice      Category = "device"
	CategorySignaling   Category = "signaling"
	CategoryTransport   Category = "transport"
	CategoryNegotiation Category = "negotiation"
	CategoryStats       Category = "stats"
	CategoryAdaptation  Category = "adaptation"
	CategoryAuth        Category = "auth"
	CategoryValidation  Category = "validation"
	CategoryInternal    Category = "internal"
)

// AppError represents an application error with code and context
type AppError struct {
	Code        ErrorCode
	Category    Category
	Message     string
	Remediation string
	HTTPStatus  int
	Cause       error
	Context     map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRemediation attaches a user-facing hint
func (e *AppError) WithRemediation(hint string) *AppError {
	e.Remediation = hint
	return e
}

// Terminal reports whether the call cannot continue after this error.
func (e *AppError) Terminal() bool {
	if e.Code == ErrCodeCameraSwitchFailed {
		return false
	}
	switch e.Category {
	case CategoryPermission, CategoryDevice, CategorySignaling, CategoryNegotiation:
		return true
	}
	return e.Code == ErrCodeReconnectionFailed
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Category:   categoryOf(code),
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	appErr := NewAppError(code, message, httpStatus)
	appErr.Cause = err
	return appErr
}

func categoryOf(code ErrorCode) Category {
	switch code {
	case ErrCodePermissionDenied:
		return CategoryPermission
	case ErrCodeDeviceNotFound, ErrCodeDeviceBusy, ErrCodeConstraintUnsatisfied, ErrCodeMediaUnavailable,
		ErrCodeCameraSwitchFailed:
		return CategoryDevice
	case ErrCodeSignalingFailed:
		return CategorySignaling
	case ErrCodeTransportFailed, ErrCodeReconnectionFailed, ErrCodeDataChannelUnavailable:
		return CategoryTransport
	case ErrCodeNegotiationFailed:
		return CategoryNegotiation
	case ErrCodeStatsUnavailable:
		return CategoryStats
	case ErrCodeAdaptationFailed:
		return CategoryAdaptation
	case ErrCodeUnauthorized:
		return CategoryAuth
	case ErrCodeInvalidInput, ErrCodeRateLimit:
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// Media acquisition errors

func NewPermissionDeniedError(cause error) *AppError {
	return WrapError(cause, ErrCodePermissionDenied, "camera or microphone access was denied", http.StatusForbidden).
		WithRemediation("allow camera and microphone access for this application and retry")
}

func NewDeviceNotFoundError(cause error) *AppError {
	return WrapError(cause, ErrCodeDeviceNotFound, "no camera or microphone found", http.StatusNotFound).
		WithRemediation("connect a camera or microphone and retry")
}

func NewDeviceBusyError(cause error) *AppError {
	return WrapError(cause, ErrCodeDeviceBusy, "camera or microphone is in use by another application", http.StatusConflict).
		WithRemediation("close other applications using the device and retry")
}

func NewConstraintUnsatisfiedError(cause error) *AppError {
	return WrapError(cause, ErrCodeConstraintUnsatisfied, "no device satisfies the requested media constraints", http.StatusBadRequest).
		WithRemediation("lower the requested resolution or frame rate")
}

func NewMediaUnavailableError(cause error) *AppError {
	return WrapError(cause, ErrCodeMediaUnavailable, "failed to acquire local media", http.StatusInternalServerError)
}

// NewCameraSwitchError reports a failed camera flip; the call continues.
func NewCameraSwitchError(cause error) *AppError {
	return WrapError(cause, ErrCodeCameraSwitchFailed, "failed to switch camera", http.StatusInternalServerError).
		WithRemediation("keep using the current camera or retry the switch")
}

// Call errors

func NewSignalingError(cause error, message string) *AppError {
	return WrapError(cause, ErrCodeSignalingFailed, message, http.StatusBadGateway).
		WithRemediation("check the network connection and rejoin the call")
}

func NewNegotiationError(cause error, message string) *AppError {
	return WrapError(cause, ErrCodeNegotiationFailed, message, http.StatusInternalServerError)
}

func NewTransportError(cause error, message string) *AppError {
	return WrapError(cause, ErrCodeTransportFailed, message, http.StatusBadGateway)
}

func NewReconnectionFailedError(attempts int) *AppError {
	return NewAppError(ErrCodeReconnectionFailed,
		fmt.Sprintf("connection could not be restored after %d attempts", attempts),
		http.StatusServiceUnavailable).
		WithRemediation("rejoin the call").
		WithContext("attempts", attempts)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	if err == nil {
		return nil
	}

	if appErr, ok := err.(*AppError); ok {
		return appErr
	}

	type unwrapper interface {
		Unwrap() error
	}

	if u, ok := err.(unwrapper); ok {
		return GetAppError(u.Unwrap())
	}

	return nil
}

// IsTerminal reports whether err carries a terminal AppError.
func IsTerminal(err error) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Terminal()
}
