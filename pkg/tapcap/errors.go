package tapcap

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Typed errors below wrap them so callers can use errors.Is.
var (
	ErrInvalidConfiguration = errors.New("invalid capture configuration")
	ErrDeviceQueryFailed    = errors.New("audio device query failed")
	ErrDeviceNotFound       = errors.New("audio device not found")
	ErrResourceAcquisition  = errors.New("capture resource acquisition failed")
	ErrDeviceLost           = errors.New("capture device lost")
	ErrBufferOverrun        = errors.New("capture buffer overrun")
	ErrSessionStopped       = errors.New("capture session stopped")
	ErrAlreadyStarted       = errors.New("capture session already started")
)

// FieldError describes one rejected configuration field.
type FieldError struct {
	Field   string
	Message string
	Value   any
}

// ConfigError collects every problem found while validating a Config.
type ConfigError struct {
	Errors []FieldError
}

func (e *ConfigError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s (got %v)", fe.Field, fe.Message, fe.Value))
	}
	return fmt.Sprintf("%s: %s", ErrInvalidConfiguration, strings.Join(parts, "; "))
}

func (e *ConfigError) add(field, message string, value any) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: message, Value: value})
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfiguration
}

// ResourceError reports a failed lifecycle transition together with the native status.
type ResourceError struct {
	Stage  Stage
	Status Status
	Err    error
}

func (e *ResourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s (status %s)", e.Stage, ErrResourceAcquisition, e.Status)
	}
	return fmt.Sprintf("%s: %s (status %s): %v", e.Stage, ErrResourceAcquisition, e.Status, e.Err)
}

func (e *ResourceError) Is(target error) bool {
	return target == ErrResourceAcquisition
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// lostError is what Wait returns after the running device went away.
type lostError struct {
	cause error
}

func (e *lostError) Error() string {
	if e.cause == nil {
		return ErrDeviceLost.Error()
	}
	return fmt.Sprintf("%s: %v", ErrDeviceLost, e.cause)
}

func (e *lostError) Is(target error) bool {
	return target == ErrDeviceLost
}

func (e *lostError) Unwrap() error {
	return e.cause
}
