package hardware

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

type PinErrorKind int

const (
	PinNotFound PinErrorKind = iota
	PinAlreadyInUse
	PinIO
	PinInvalidPulse
)

func (k PinErrorKind) String() string {
	switch k {
	case PinNotFound:
		return "not found"
	case PinAlreadyInUse:
		return "already in use"
	case PinIO:
		return "i/o error"
	case PinInvalidPulse:
		return "invalid pulse"
	default:
		return "unknown"
	}
}

var (
	ErrPinNotFound  = errors.New("pin not found")
	ErrPinInUse     = errors.New("pin already in use")
	ErrPinIO        = errors.New("pin i/o error")
	ErrInvalidPulse = errors.New("pulse width exceeds period")
)

// PinError is returned by every Pin and Board operation.
type PinError struct {
	Pin  int
	Kind PinErrorKind
	Err  error
}

func (e *PinError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pin %d: %s: %v", e.Pin, e.Kind, e.Err)
	}
	return fmt.Sprintf("pin %d: %s", e.Pin, e.Kind)
}

func (e *PinError) Unwrap() error {
	return e.Err
}

func (e *PinError) Is(target error) bool {
	switch target {
	case ErrPinNotFound:
		return e.Kind == PinNotFound
	case ErrPinInUse:
		return e.Kind == PinAlreadyInUse
	case ErrPinIO:
		return e.Kind == PinIO
	case ErrInvalidPulse:
		return e.Kind == PinInvalidPulse
	}
	return false
}

func newPinError(pin int, kind PinErrorKind, err error) *PinError {
	return &PinError{Pin: pin, Kind: kind, Err: err}
}

// classifyClaimError maps an error from claiming a line or channel onto the
// PinError taxonomy. Errors that are already PinErrors pass through.
func classifyClaimError(pin int, err error) error {
	if err == nil {
		return nil
	}
	var pe *PinError
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case errors.Is(err, unix.EBUSY):
		return newPinError(pin, PinAlreadyInUse, err)
	case errors.Is(err, os.ErrNotExist),
		errors.Is(err, unix.ENOENT),
		errors.Is(err, unix.ENODEV),
		errors.Is(err, unix.EINVAL):
		return newPinError(pin, PinNotFound, err)
	default:
		return newPinError(pin, PinIO, err)
	}
}
