/*
Package scheduler dispatches jobs onto the container runtime and
supervises them to completion.

ProcessRequest runs the full pipeline for one request: create the job
record, allocate resources under the requested policy, generate the
per-job SSH key pair for multi-node runs, create one container service
per allocation and mark the job RUNNING. Jobs that cannot be placed
stay in AWAITING_ALLOCATION and are retried by the monitor loop.

Service layout follows the MPI pattern: the rank-0 container runs the
model entrypoint and receives the "host:cpus,..." list of all
participants; every other container runs an SSH daemon so rank 0 can
reach it. Images, entrypoints and data mounts come from the
images-and-domains registry, which is configuration rather than code.

The monitor loop settles stop and restart requests, retries queued
allocations and recreates failed services from their captured
attributes within a bounded restart budget.

RPCServer exposes ProcessRequest over a websocket endpoint for the
request handler's scheduler client.
*/
package scheduler
