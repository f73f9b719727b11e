/*
Package types defines the core data structures shared across Cloudburst
components.

The control plane moves four entities between its subsystems: Session
(an authenticated user binding), Resource (a worker node's inventory
counters), Allocation (a reservation against one node) and Job (one
model execution request with its status, allocations and originating
request). ContainerService describes the runtime artifact the scheduler
creates per allocation.

Jobs carry a two-level status: a JobPhase ordering the coarse lifecycle
(CREATED through CLOSED/FAILED) and a JobStep refining it for stop and
restart handling. The wire form is "PHASE_STEP", e.g. "RUNNING_DEFAULT".

Allocation holds its node_id and the owning job holds allocations by
value; the persisted record is the source of truth, so there are no
cyclic references between jobs and allocations.
*/
package types
