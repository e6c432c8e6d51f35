package core

import (
	"errors"
	"fmt"
)

var (
	ErrBusy            = errors.New("a protocol run is in progress")
	ErrEmptyProtocol   = errors.New("protocol has no steps")
	ErrNotRunning      = errors.New("no protocol run in progress")
	ErrAborted         = errors.New("run aborted")
	ErrUnknownActuator = errors.New("unknown actuator")
	ErrStopped         = errors.New("coordinator stopped")
)

// ActuatorError is the failure of one step during a run. Err is the
// actuator's own error (PinError, MotorError, PumpError).
type ActuatorError struct {
	Step     int
	Actuator string
	Err      error
}

func (e *ActuatorError) Error() string {
	return fmt.Sprintf("step %d: %s failed: %v", e.Step, e.Actuator, e.Err)
}

func (e *ActuatorError) Unwrap() error {
	return e.Err
}
