package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCodes(t *testing.T) {
	codes := []ErrorCode{
		CodeUnknown,
		CodeValidation,
		CodeConfiguration,
		CodeTimeout,
		CodeCanceled,
		CodeInvalidSpec,
		CodeNoTargets,
		CodeResourceExhausted,
		CodeScanFailed,
		CodeResolveFailed,
		CodeTargetInvalid,
		CodeStorageFailed,
	}

	for _, code := range codes {
		if string(code) == "" {
			t.Errorf("Error code %v should not be empty", code)
		}
	}
}

func TestScanError(t *testing.T) {
	t.Run("basic error creation", func(t *testing.T) {
		err := NewScanError(CodeScanFailed, "scan failed")
		if err.Code != CodeScanFailed {
			t.Errorf("Expected code %s, got %s", CodeScanFailed, err.Code)
		}
		if err.Message != "scan failed" {
			t.Errorf("Expected message 'scan failed', got '%s'", err.Message)
		}
		if err.Context == nil {
			t.Error("Context should be initialized")
		}
	})

	t.Run("error with target", func(t *testing.T) {
		err := NewScanErrorWithTarget(CodeResourceExhausted, "out of descriptors", "192.168.1.1")
		if err.Target != "192.168.1.1" {
			t.Errorf("Expected target '192.168.1.1', got '%s'", err.Target)
		}
		expected := "[RESOURCE_EXHAUSTED] out of descriptors (target: 192.168.1.1)"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("error with target and port", func(t *testing.T) {
		err := NewScanErrorWithTarget(CodeTimeout, "probe timed out", "10.0.0.1")
		err.Port = 443
		expected := "[TIMEOUT] probe timed out (target: 10.0.0.1:443)"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("error without target", func(t *testing.T) {
		err := NewScanError(CodeValidation, "validation failed")
		expected := "[VALIDATION] validation failed"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("wrapped error", func(t *testing.T) {
		cause := fmt.Errorf("connect: connection refused")
		err := WrapScanError(CodeScanFailed, "probe failed", cause)
		if err.Unwrap() != cause {
			t.Error("Wrapped error should be unwrappable")
		}
		if !errors.Is(err, cause) {
			t.Error("errors.Is should find the cause")
		}
	})

	t.Run("with context", func(t *testing.T) {
		err := NewScanError(CodeTimeout, "timeout occurred").
			WithContext("attempt", 2).
			WithContext("port", 8080)
		if err.Context["attempt"] != 2 {
			t.Error("Context value 'attempt' should be set")
		}
		if err.Context["port"] != 8080 {
			t.Error("Context value 'port' should be set")
		}
	})
}

func TestResolveError(t *testing.T) {
	t.Run("with input", func(t *testing.T) {
		err := NewResolveError(CodeTargetInvalid, "bad target", "not a host")
		expected := "[TARGET_INVALID] bad target (input: not a host)"
		if err.Error() != expected {
			t.Errorf("Expected '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("wrapped", func(t *testing.T) {
		cause := fmt.Errorf("dns query failed")
		err := WrapResolveError(CodeResolveFailed, "lookup failed", "example.com", cause)
		if err.Unwrap() != cause {
			t.Error("Should unwrap to original error")
		}
	})
}

func TestConfigError(t *testing.T) {
	t.Run("field error", func(t *testing.T) {
		err := NewConfigFieldError(CodeValidation, "value out of range", "batch_size", 0)
		expected := "[VALIDATION] value out of range (field: batch_size)"
		if err.Error() != expected {
			t.Errorf("Expected '%s', got '%s'", expected, err.Error())
		}
		if err.Value != 0 {
			t.Error("Value should be preserved")
		}
	})

	t.Run("without field", func(t *testing.T) {
		err := NewConfigError(CodeConfiguration, "config unreadable")
		if err.Error() != "[CONFIGURATION] config unreadable" {
			t.Errorf("Unexpected error string: %s", err.Error())
		}
	})
}

func TestStorageError(t *testing.T) {
	cause := fmt.Errorf("driver: bad connection")
	err := WrapStorageError(CodeStorageFailed, "insert failed", "store run", cause)
	expected := "[STORAGE_FAILED] insert failed (operation: store run)"
	if err.Error() != expected {
		t.Errorf("Expected '%s', got '%s'", expected, err.Error())
	}
	if err.Unwrap() != cause {
		t.Error("Should unwrap to cause")
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"scan error", NewScanError(CodeNoTargets, "empty"), CodeNoTargets},
		{"resolve error", ErrTargetInvalid("x"), CodeTargetInvalid},
		{"config error", NewConfigError(CodeConfiguration, "bad"), CodeConfiguration},
		{"storage error", WrapStorageError(CodeStorageFailed, "x", "y", nil), CodeStorageFailed},
		{"plain error", fmt.Errorf("plain"), CodeUnknown},
		{"nil cause still typed", ErrNoTargets(), CodeNoTargets},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.want {
				t.Errorf("GetCode() = %v, want %v", got, tt.want)
			}
			if !IsCode(tt.err, tt.want) {
				t.Errorf("IsCode() should be true for %v", tt.want)
			}
		})
	}
}

func TestRetryableAndFatal(t *testing.T) {
	if !IsRetryable(NewScanError(CodeTimeout, "t")) {
		t.Error("Timeout should be retryable")
	}
	if IsRetryable(ErrResourceExhausted("10.0.0.1", nil)) {
		t.Error("Resource exhaustion must not be retryable")
	}
	if !IsFatal(ErrInvalidSpec("start > end")) {
		t.Error("Invalid spec should be fatal")
	}
	if !IsFatal(ErrNoTargets()) {
		t.Error("No targets should be fatal")
	}
	if IsFatal(NewScanError(CodeTimeout, "t")) {
		t.Error("Timeout should not be fatal")
	}
}
