/*
Package resources tracks worker-node inventory and hands out
allocations against it.

Every node's counters live in a KV store hash and are only ever mutated
inside a watched transaction, so concurrent allocators on the same node
race safely: a conflicting write aborts the transaction and the loser
retries from a fresh read. Per-node allocate and release are atomic;
multi-node placement is built on top by the policy wrapper, which rolls
back everything it took when the overall request cannot be met.

Three policies place a job's CPU request: single_node puts the whole
request on the first node that fits it, round_robin spreads it evenly
with the remainder on the earliest nodes, and fill_nodes greedily
drains nodes in registration order using partial allocations.
*/
package resources
