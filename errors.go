package virtblk

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ehrlich-b/go-virtblk/internal/dma"
	"github.com/ehrlich-b/go-virtblk/internal/pending"
	"github.com/ehrlich-b/go-virtblk/internal/queue"
	"github.com/ehrlich-b/go-virtblk/internal/ring"
)

// Error represents a structured driver error with context
type Error struct {
	Op    string           // Operation that failed (e.g., "NOTIFIED", "NEW")
	Token int              // Device token (-1 if not applicable)
	Code  VirtblkErrorCode // High-level error category
	Msg   string           // Human-readable message
	Inner error            // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Token >= 0 {
		parts = append(parts, fmt.Sprintf("token=%d", e.Token))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("virtblk: %s (%s)", msg, strings.Join(parts, " "))
	}

	return fmt.Sprintf("virtblk: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support for VirtblkError compatibility
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if ve, ok := target.(VirtblkError); ok {
		return e.Code == VirtblkErrorCode(ve)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// VirtblkErrorCode represents high-level error categories
type VirtblkErrorCode string

const (
	ErrCodeProtocolViolation VirtblkErrorCode = "protocol violation"
	ErrCodeUnsupportedOp     VirtblkErrorCode = "unsupported operation"
	ErrCodeDuplicateToken    VirtblkErrorCode = "duplicate token"
	ErrCodeUnknownToken      VirtblkErrorCode = "unknown token"
	ErrCodeTranslation       VirtblkErrorCode = "address translation failed"
	ErrCodeDeviceError       VirtblkErrorCode = "device error"
	ErrCodeCompletionFull    VirtblkErrorCode = "completion queue full"
	ErrCodeTransport         VirtblkErrorCode = "transport error"
	ErrCodeInvalidParameters VirtblkErrorCode = "invalid parameters"
)

// VirtblkError is a sentinel form of an error code, usable with errors.Is
type VirtblkError string

func (e VirtblkError) Error() string {
	return string(e)
}

// Sentinel errors matching the codes above
const (
	ErrProtocolViolation VirtblkError = "protocol violation"
	ErrUnsupportedOp     VirtblkError = "unsupported operation"
	ErrDuplicateToken    VirtblkError = "duplicate token"
	ErrUnknownToken      VirtblkError = "unknown token"
	ErrTranslation       VirtblkError = "address translation failed"
	ErrDeviceError       VirtblkError = "device error"
	ErrCompletionFull    VirtblkError = "completion queue full"
	ErrTransport         VirtblkError = "transport error"
	ErrInvalidParameters VirtblkError = "invalid parameters"
)

// NewError creates a new structured error
func NewError(op string, code VirtblkErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Token: -1,
		Code:  code,
		Msg:   msg,
	}
}

// WrapError wraps an existing error with driver context, classifying errors
// from the internal packages by their sentinel
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var ve *Error
	if errors.As(inner, &ve) {
		return &Error{
			Op:    op,
			Token: ve.Token,
			Code:  ve.Code,
			Msg:   ve.Msg,
			Inner: ve.Inner,
		}
	}

	token := -1
	var te *queue.TokenError
	if errors.As(inner, &te) {
		token = int(te.Token)
	}

	return &Error{
		Op:    op,
		Token: token,
		Code:  classify(inner),
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// classify maps internal sentinel errors to error codes
func classify(err error) VirtblkErrorCode {
	switch {
	case errors.Is(err, queue.ErrUnsupportedOp):
		return ErrCodeUnsupportedOp
	case errors.Is(err, pending.ErrDuplicateToken):
		return ErrCodeDuplicateToken
	case errors.Is(err, pending.ErrUnknownToken):
		return ErrCodeUnknownToken
	case errors.Is(err, dma.ErrOutOfRegion):
		return ErrCodeTranslation
	case errors.Is(err, queue.ErrDeviceStatus):
		return ErrCodeDeviceError
	case errors.Is(err, queue.ErrCompletionRejected), errors.Is(err, ring.ErrFull):
		return ErrCodeCompletionFull
	case errors.Is(err, queue.ErrUnknownChannel):
		return ErrCodeInvalidParameters
	case errors.Is(err, ring.ErrCorrupt), errors.Is(err, pending.ErrTableFull):
		return ErrCodeProtocolViolation
	default:
		// queue.ErrTransport and anything the device returned directly
		return ErrCodeTransport
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code VirtblkErrorCode) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Code == code
	}
	return false
}

// IsFatal reports whether err stopped the driver. Only an invalid
// notification channel leaves the driver running.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return !IsCode(err, ErrCodeInvalidParameters) && !errors.Is(err, queue.ErrUnknownChannel)
}
