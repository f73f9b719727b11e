package job

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cloudburst-io/cloudburst/pkg/types"
)

func status(phase types.JobPhase, step types.JobStep) types.JobStatus {
	return types.JobStatus{Phase: phase, Step: step}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		name  string
		from  types.JobStatus
		to    types.JobStatus
		valid bool
	}{
		{
			name:  "queue admit",
			from:  status(types.PhaseCreated, types.StepDefault),
			to:    status(types.PhaseAwaitingAllocation, types.StepDefault),
			valid: true,
		},
		{
			name:  "allocation acquired",
			from:  status(types.PhaseAwaitingAllocation, types.StepDefault),
			to:    status(types.PhaseAwaitingScheduling, types.StepDefault),
			valid: true,
		},
		{
			name:  "allocation retry re-enters same phase",
			from:  status(types.PhaseAwaitingAllocation, types.StepDefault),
			to:    status(types.PhaseAwaitingAllocation, types.StepDefault),
			valid: true,
		},
		{
			name:  "services created",
			from:  status(types.PhaseAwaitingScheduling, types.StepDefault),
			to:    status(types.PhaseRunning, types.StepDefault),
			valid: true,
		},
		{
			name:  "data missing",
			from:  status(types.PhaseAwaitingScheduling, types.StepDefault),
			to:    status(types.PhaseAwaitingData, types.StepDefault),
			valid: true,
		},
		{
			name:  "data ready",
			from:  status(types.PhaseAwaitingData, types.StepDefault),
			to:    status(types.PhaseAwaitingScheduling, types.StepDefault),
			valid: true,
		},
		{
			name:  "all tasks complete",
			from:  status(types.PhaseRunning, types.StepDefault),
			to:    status(types.PhaseCompleted, types.StepDefault),
			valid: true,
		},
		{
			name:  "completed releases to closed",
			from:  status(types.PhaseCompleted, types.StepDefault),
			to:    status(types.PhaseClosed, types.StepDefault),
			valid: true,
		},
		{
			name:  "failed releases to closed",
			from:  status(types.PhaseFailed, types.StepDefault),
			to:    status(types.PhaseClosed, types.StepDefault),
			valid: true,
		},
		{
			name:  "stop requested while running",
			from:  status(types.PhaseRunning, types.StepDefault),
			to:    status(types.PhaseRunning, types.StepStopRequested),
			valid: true,
		},
		{
			name:  "stop settles",
			from:  status(types.PhaseRunning, types.StepStopRequested),
			to:    status(types.PhaseRunning, types.StepStopped),
			valid: true,
		},
		{
			name:  "restart from stopped",
			from:  status(types.PhaseRunning, types.StepStopped),
			to:    status(types.PhaseAwaitingScheduling, types.StepRestartRequested),
			valid: true,
		},
		{
			name:  "anything may fail",
			from:  status(types.PhaseAwaitingData, types.StepDefault),
			to:    status(types.PhaseFailed, types.StepDefault),
			valid: true,
		},
		{
			name:  "no skipping from created to running",
			from:  status(types.PhaseCreated, types.StepDefault),
			to:    status(types.PhaseRunning, types.StepDefault),
			valid: false,
		},
		{
			name:  "completed does not resume",
			from:  status(types.PhaseCompleted, types.StepDefault),
			to:    status(types.PhaseRunning, types.StepDefault),
			valid: false,
		},
		{
			name:  "closed is terminal",
			from:  status(types.PhaseClosed, types.StepDefault),
			to:    status(types.PhaseAwaitingScheduling, types.StepDefault),
			valid: false,
		},
		{
			name:  "no stop on a completed job",
			from:  status(types.PhaseCompleted, types.StepDefault),
			to:    status(types.PhaseCompleted, types.StepStopRequested),
			valid: false,
		},
		{
			name:  "no restart without a stop",
			from:  status(types.PhaseRunning, types.StepDefault),
			to:    status(types.PhaseAwaitingScheduling, types.StepRestartRequested),
			valid: false,
		},
		{
			name:  "identity is always valid",
			from:  status(types.PhaseRunning, types.StepDefault),
			to:    status(types.PhaseRunning, types.StepDefault),
			valid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidTransition(tt.from, tt.to))
		})
	}
}

func TestStatusRoundTrip(t *testing.T) {
	tests := []string{
		"CREATED_DEFAULT",
		"AWAITING_ALLOCATION_DEFAULT",
		"AWAITING_SCHEDULING_DEFAULT",
		"RUNNING_STOP_REQUESTED",
		"RUNNING_STOPPED",
		"AWAITING_SCHEDULING_RESTART_REQUESTED",
		"COMPLETED_DEFAULT",
		"FAILED_FAILED",
	}
	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			s, err := types.ParseJobStatus(raw)
			assert.NoError(t, err)
			assert.Equal(t, raw, s.String())
		})
	}

	_, err := types.ParseJobStatus("BOGUS_DEFAULT")
	assert.Error(t, err)
	_, err = types.ParseJobStatus("RUNNING")
	assert.Error(t, err)
}
