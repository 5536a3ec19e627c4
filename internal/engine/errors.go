package engine

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeConfig indicates a dataset or system that cannot be reconciled
	// as configured. Never retried automatically.
	ErrCodeConfig ErrorCode = "CONFIG"

	// ErrCodeConnector indicates a failed fetch or outward mutation.
	// The dataset's pass is abandoned until the next cycle.
	ErrCodeConnector ErrorCode = "CONNECTOR"
)

// Error is a failure of one dataset pass.
type Error struct {
	Code    ErrorCode
	Op      string
	System  string
	DataSet string
	Err     error
}

func (e *Error) Error() string {
	where := e.System
	if e.DataSet != "" {
		where += "/" + e.DataSet
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s %s: %v", e.Code, e.Op, where, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, where, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err wraps a configuration Error.
func IsConfigError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrCodeConfig
	}
	return false
}

// IsConnectorError reports whether err wraps a connector Error.
func IsConnectorError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrCodeConnector
	}
	return false
}
