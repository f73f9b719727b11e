/*
Package kvstore is the gateway to the shared key-value store backing all
durable Cloudburst state.

The gateway namespaces every key under a process-wide prefix, retries
the initial connection with bounded backoff, and exposes the small
command surface the control plane relies on: hashes for entity records,
sets for indexes and membership, a counter for session ids, pub/sub for
per-job status channels, and watched transactions for every
read-then-write.

Watched transactions are the concurrency primitive of the whole system.
Watch runs its callback under WATCH/MULTI/EXEC and retries from the
read whenever a concurrent writer aborts the exec, so resource counters
and job records never suffer lost updates even with several control
plane processes sharing the store. There are no in-memory locks shared
across processes.

Connection parameters come from the environment (REDIS_HOST,
REDIS_PORT, REDIS_PASS) with an optional Docker secret file override
(REDIS_PASS_FILE).
*/
package kvstore
