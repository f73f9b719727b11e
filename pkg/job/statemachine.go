package job

import (
	"github.com/cloudburst-io/cloudburst/pkg/types"
)

// ValidTransition reports whether moving a job from one status to
// another is permitted by the lifecycle state machine. Saving an
// unchanged status is always permitted.
func ValidTransition(from, to types.JobStatus) bool {
	if from == to {
		return true
	}

	// Anything may fail.
	if to.Phase == types.PhaseFailed || to.Step == types.StepFailed {
		return true
	}

	// Stop handling: any active phase may have a stop requested, and a
	// requested stop settles into STOPPED within the same phase.
	if to.Step == types.StepStopRequested && from.Phase.Active() && from.Step == types.StepDefault && to.Phase == from.Phase {
		return true
	}
	if from.Step == types.StepStopRequested && to.Step == types.StepStopped && to.Phase == from.Phase {
		return true
	}

	// A stopped job may be rescheduled.
	if from.Step == types.StepStopped && to.Phase == types.PhaseAwaitingScheduling &&
		(to.Step == types.StepRestartRequested || to.Step == types.StepDefault) {
		return true
	}
	if from.Step == types.StepRestartRequested && to.Step == types.StepDefault && to.Phase == from.Phase {
		return true
	}

	// Remaining transitions are phase moves with the default step.
	if from.Step != types.StepDefault || to.Step != types.StepDefault {
		return false
	}

	switch from.Phase {
	case types.PhaseCreated:
		return to.Phase == types.PhaseAwaitingAllocation
	case types.PhaseAwaitingAllocation:
		// Insufficient resources re-enter the same phase for a later retry.
		return to.Phase == types.PhaseAwaitingScheduling || to.Phase == types.PhaseAwaitingAllocation
	case types.PhaseAwaitingScheduling:
		return to.Phase == types.PhaseRunning || to.Phase == types.PhaseAwaitingData
	case types.PhaseAwaitingData:
		return to.Phase == types.PhaseAwaitingScheduling
	case types.PhaseRunning:
		return to.Phase == types.PhaseCompleted
	case types.PhaseCompleted, types.PhaseFailed:
		return to.Phase == types.PhaseClosed
	}
	return false
}
