package expr

import (
	"errors"
	"fmt"

	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// EvalError is a failed compilation or evaluation of one expression.
// Expression is masked so secrets never reach logs.
type EvalError struct {
	Expression string
	Message    string
	Pos        token.Pos
	Err        error
}

func (e *EvalError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("expression %q:%d:%d: %s", e.Expression, e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return fmt.Sprintf("expression %q: %s", e.Expression, e.Message)
}

func (e *EvalError) Unwrap() error {
	return e.Err
}

// IsEvalError reports whether err wraps an EvalError.
func IsEvalError(err error) bool {
	var ee *EvalError
	return errors.As(err, &ee)
}

// evalError builds an EvalError, pulling the first position out of CUE errors.
func evalError(expression string, err error) error {
	if err == nil {
		return nil
	}

	ee := &EvalError{Expression: expression, Message: err.Error(), Err: err}

	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return ee
	}

	first := errs[0]
	ee.Message = first.Error()
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		ee.Pos = positions[0]
	}
	return ee
}
