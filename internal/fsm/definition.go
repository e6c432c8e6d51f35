package fsm

import (
	"github.com/librescoot/librefsm"
)

// NewDefinition creates the run FSM definition.
// The actions parameter provides the implementation for state entry
// and guards.
func NewDefinition(actions Actions) *librefsm.Definition {
	return librefsm.NewDefinition().
		State(StateIdle,
			librefsm.WithOnEnter(actions.EnterIdle),
		).
		State(StateRunning,
			librefsm.WithOnEnter(actions.EnterRunning),
		).

		// Finished parent state (shared start/reset handling)
		State(StateFinished).
		State(StateCompleted,
			librefsm.WithParent(StateFinished),
			librefsm.WithOnEnter(actions.EnterCompleted),
		).
		State(StateFailed,
			librefsm.WithParent(StateFinished),
			librefsm.WithOnEnter(actions.EnterFailed),
		).

		// === Transitions ===

		Transition(StateIdle, EvStart, StateRunning,
			librefsm.WithGuard(actions.HasPendingRun),
		).

		// From Running - every step acknowledged, one failed, or aborted
		Transition(StateRunning, EvComplete, StateCompleted).
		Transition(StateRunning, EvFail, StateFailed).
		Transition(StateRunning, EvAbort, StateFailed,
			librefsm.WithAction(actions.OnAbort),
		).

		// From either outcome - a new run, or back to idle
		Transition(StateFinished, EvStart, StateRunning,
			librefsm.WithGuard(actions.HasPendingRun),
		).
		Transition(StateFinished, EvReset, StateIdle).

		// Initial state
		Initial(StateIdle)
}
