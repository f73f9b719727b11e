/*
Package job persists model execution jobs and drives their lifecycle
state machine.

A job moves CREATED -> AWAITING_ALLOCATION -> AWAITING_SCHEDULING ->
RUNNING -> COMPLETED, with AWAITING_DATA as a detour while input data
is staged and CLOSED as the final state once allocations are returned.
Stop and restart requests ride on the step component of the status so
the phase history is preserved across a stop/restart cycle.

Save is the single write path. It runs a watched compare-and-swap on
the job's hash: a caller whose snapshot went stale re-applies its
status intent against the fresh record only if the transition is still
valid, so concurrent writers cannot corrupt the lifecycle. Entry into
COMPLETED or FAILED releases the job's allocations back to the
resource pool and deletes its per-job RSA key pair, and every status
change is published on the job's communication channel for update
streaming.
*/
package job
