package promote

import (
	"errors"
	"fmt"
)

// StageError is returned for any failure inside a stage.
type StageError struct {
	Environment Environment
	Step        Step
	Err         error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Environment, e.Step, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// MergeFailure means the merge endpoint refused or did not merge. The branch
// is left in place for inspection.
type MergeFailure struct {
	Number  int
	Message string
}

func (e *MergeFailure) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("pull request #%d was not merged", e.Number)
	}
	return fmt.Sprintf("pull request #%d was not merged: %s", e.Number, e.Message)
}

// TransportError wraps a failure talking to git or GitHub.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func transport(op string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
