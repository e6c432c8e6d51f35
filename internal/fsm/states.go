package fsm

import "github.com/librescoot/librefsm"

// Run states
const (
	StateIdle    librefsm.StateID = "idle"
	StateRunning librefsm.StateID = "running"

	// Finished parent state and its outcomes (hierarchical)
	StateFinished  librefsm.StateID = "finished"
	StateCompleted librefsm.StateID = "completed"
	StateFailed    librefsm.StateID = "failed"
)

// Run events
const (
	// Caller commands
	EvStart librefsm.EventID = "start"
	EvAbort librefsm.EventID = "abort"
	EvReset librefsm.EventID = "reset"

	// Step outcomes
	EvComplete librefsm.EventID = "complete"
	EvFail     librefsm.EventID = "fail"
)
