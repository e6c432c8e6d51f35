package actuator

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfBounds   = errors.New("out of bounds")
	ErrCommunication = errors.New("actuator unreachable")
	ErrActorStopped  = errors.New("actor stopped")
	ErrNotStarted    = errors.New("actor not started")
)

type MotorErrorKind int

const (
	MotorOutOfBounds MotorErrorKind = iota
	MotorCommunication
)

// MotorError covers caller mistakes (OutOfBounds) and an unreachable motor
// actor (Communication). Pin failures are returned as *hardware.PinError.
type MotorError struct {
	Kind   MotorErrorKind
	Pin    int
	Detail string
	Err    error
}

func (e *MotorError) Error() string {
	kind := "out of bounds"
	if e.Kind == MotorCommunication {
		kind = "communication error"
	}
	msg := fmt.Sprintf("motor on pin %d: %s", e.Pin, kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MotorError) Unwrap() error {
	return e.Err
}

func (e *MotorError) Is(target error) bool {
	switch target {
	case ErrOutOfBounds:
		return e.Kind == MotorOutOfBounds
	case ErrCommunication:
		return e.Kind == MotorCommunication
	}
	return false
}

// PumpError reports a failed direction change. Err carries the pin errors.
type PumpError struct {
	Direction Direction
	Err       error
}

func (e *PumpError) Error() string {
	return fmt.Sprintf("pump: failed to switch to %s: %v", e.Direction, e.Err)
}

func (e *PumpError) Unwrap() error {
	return e.Err
}
