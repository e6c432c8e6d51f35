package fsm

import "github.com/librescoot/librefsm"

// Actions defines the interface for run state machine actions.
// The coordinator implements it to publish status on every transition.
type Actions interface {
	// State entry actions
	EnterIdle(c *librefsm.Context) error
	EnterRunning(c *librefsm.Context) error
	EnterCompleted(c *librefsm.Context) error
	EnterFailed(c *librefsm.Context) error

	// Guards
	HasPendingRun(c *librefsm.Context) bool // True when a run with at least one step was accepted

	// Transition actions
	OnAbort(c *librefsm.Context) error
}
