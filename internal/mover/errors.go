package mover

import (
	"errors"
	"fmt"
	"os"
)

var (
	ErrSourceNotFound        = errors.New("source not found")
	ErrPermissionDenied      = errors.New("permission denied")
	ErrInsufficientSpace     = errors.New("insufficient space")
	ErrCrossVolumeCopyFailed = errors.New("cross-volume copy failed")
	ErrMoveFailed            = errors.New("move failed")
)

// MoveError describes a failed move. Kind is one of the sentinel errors of
// this package, so callers can use errors.Is on either the kind or the
// underlying cause.
type MoveError struct {
	Kind        error
	Source      string
	Destination string
	Err         error
}

func (e *MoveError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("move %s to %s: %v", e.Source, e.Destination, e.Kind)
	}

	return fmt.Sprintf("move %s to %s: %v: %v", e.Source, e.Destination, e.Kind, e.Err)
}

func (e *MoveError) Unwrap() []error {
	errs := make([]error, 0, 2)

	for _, err := range []error{e.Kind, e.Err} {
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errs
}

func newMoveError(kind error, source, destination string, err error) *MoveError {
	return &MoveError{Kind: kind, Source: source, Destination: destination, Err: err}
}

// classify maps an OS error onto the sentinel that best describes it.
func classify(err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return ErrSourceNotFound
	case errors.Is(err, os.ErrPermission):
		return ErrPermissionDenied
	case isNoSpace(err):
		return ErrInsufficientSpace
	default:
		return ErrMoveFailed
	}
}
