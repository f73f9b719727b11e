/*
Package client is the request handler's websocket RPC client for the
scheduler.

One connection is shared across handler goroutines. A request occupies
the connection for its full round trip; concurrent callers wait up to
the acquire timeout and then fail with ErrBusy rather than queueing
unboundedly. Transport errors drop the cached connection so the next
call redials.
*/
package client
