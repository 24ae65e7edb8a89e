package virtblk

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ehrlich-b/go-virtblk/internal/dma"
	"github.com/ehrlich-b/go-virtblk/internal/pending"
	"github.com/ehrlich-b/go-virtblk/internal/queue"
	"github.com/ehrlich-b/go-virtblk/internal/ring"
)

func TestStructuredError(t *testing.T) {
	err := NewError("NEW", ErrCodeInvalidParameters, "queue size 0")

	if err.Op != "NEW" {
		t.Errorf("Expected Op=NEW, got %s", err.Op)
	}
	if err.Code != ErrCodeInvalidParameters {
		t.Errorf("Expected Code=ErrCodeInvalidParameters, got %s", err.Code)
	}

	expected := "virtblk: queue size 0 (op=NEW)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestTokenError(t *testing.T) {
	inner := &queue.TokenError{Token: 3, Err: fmt.Errorf("token 3: %w", pending.ErrUnknownToken)}
	err := WrapError("NOTIFIED", inner)

	if err.Token != 3 {
		t.Errorf("Token = %d, want 3", err.Token)
	}
	if err.Code != ErrCodeUnknownToken {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeUnknownToken)
	}
	expected := "virtblk: token 3: unknown token (op=NOTIFIED token=3)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}

	if plain := WrapError("NOTIFIED", pending.ErrUnknownToken); plain.Token != -1 {
		t.Errorf("untyped error got token %d", plain.Token)
	}
}

func TestWrapErrorClassifies(t *testing.T) {
	tests := []struct {
		name  string
		inner error
		code  VirtblkErrorCode
	}{
		{"unsupported op", fmt.Errorf("block 1: %w", queue.ErrUnsupportedOp), ErrCodeUnsupportedOp},
		{"duplicate token", fmt.Errorf("token 0: %w", pending.ErrDuplicateToken), ErrCodeDuplicateToken},
		{"unknown token", fmt.Errorf("token 0: %w", pending.ErrUnknownToken), ErrCodeUnknownToken},
		{"translation", fmt.Errorf("block 1: %w", dma.ErrOutOfRegion), ErrCodeTranslation},
		{"device status", fmt.Errorf("token 1: %w", queue.ErrDeviceStatus), ErrCodeDeviceError},
		{"completion rejected", fmt.Errorf("%w: %w", queue.ErrCompletionRejected, ring.ErrFull), ErrCodeCompletionFull},
		{"unknown channel", fmt.Errorf("channel 9: %w", queue.ErrUnknownChannel), ErrCodeInvalidParameters},
		{"corrupt ring", fmt.Errorf("dequeue request: %w", ring.ErrCorrupt), ErrCodeProtocolViolation},
		{"transport", fmt.Errorf("submit: %w", queue.ErrTransport), ErrCodeTransport},
		{"other", errors.New("boom"), ErrCodeTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WrapError("NOTIFIED", tt.inner)
			if err.Code != tt.code {
				t.Errorf("Code = %q, want %q", err.Code, tt.code)
			}
			if !errors.Is(err, tt.inner) {
				t.Error("wrapped error lost its cause")
			}
			if !IsCode(err, tt.code) {
				t.Error("IsCode mismatch")
			}
		})
	}
}

func TestWrapErrorNil(t *testing.T) {
	if WrapError("X", nil) != nil {
		t.Error("WrapError(nil) should be nil")
	}
}

func TestWrapStructuredError(t *testing.T) {
	inner := &Error{Op: "SUBMIT", Token: 2, Code: ErrCodeDuplicateToken, Msg: "token reused"}
	err := WrapError("NOTIFIED", inner)

	if err.Op != "NOTIFIED" {
		t.Errorf("Op = %s, want NOTIFIED", err.Op)
	}
	if err.Token != 2 || err.Code != ErrCodeDuplicateToken {
		t.Errorf("lost token or code: %+v", err)
	}
}

func TestSentinelErrors(t *testing.T) {
	structuredErr := &Error{Code: ErrCodeUnknownToken, Token: -1}

	if !errors.Is(structuredErr, ErrUnknownToken) {
		t.Error("Structured error should match sentinel via errors.Is")
	}
	if errors.Is(structuredErr, ErrDuplicateToken) {
		t.Error("Structured error should not match a different sentinel")
	}

	wrapped := fmt.Errorf("serve: %w", structuredErr)
	if !errors.Is(wrapped, ErrUnknownToken) {
		t.Error("Wrapped structured error should match sentinel")
	}

	if ErrUnknownToken.Error() != "unknown token" {
		t.Errorf("unexpected sentinel message %q", ErrUnknownToken.Error())
	}
}

func TestIsFatal(t *testing.T) {
	if IsFatal(nil) {
		t.Error("nil is not fatal")
	}
	if !IsFatal(WrapError("NOTIFIED", pending.ErrUnknownToken)) {
		t.Error("unknown token should be fatal")
	}
	if IsFatal(WrapError("NOTIFIED", fmt.Errorf("channel 7: %w", queue.ErrUnknownChannel))) {
		t.Error("unknown channel should not be fatal")
	}
	if IsFatal(fmt.Errorf("channel 7: %w", queue.ErrUnknownChannel)) {
		t.Error("raw unknown channel should not be fatal")
	}
}
