// Package certvalidator resolves certificate issuance chains against a
// purpose-scoped trust store and validates their revocation status.
// This file contains error types for programming errors.
package certvalidator

import (
	"errors"
	"fmt"
)

// ErrNilArgument is wrapped by every ArgumentError.
var ErrNilArgument = errors.New("required argument is nil")

// ArgumentError reports a missing required argument. Validation outcomes
// are never errors; an ArgumentError is raised with panic because it is a
// bug in the caller.
type ArgumentError struct {
	Op  string
	Arg string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("certvalidator: %s: %s must not be nil", e.Op, e.Arg)
}

func (e *ArgumentError) Unwrap() error {
	return ErrNilArgument
}

func mustNotBeNil(op, arg string, isNil bool) {
	if isNil {
		panic(&ArgumentError{Op: op, Arg: arg})
	}
}
