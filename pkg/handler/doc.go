/*
Package handler is the client-facing websocket server.

Each connection runs a read loop that types inbound JSON messages
against the registered event shapes (SESSION_INIT, NWM_MAAS_REQUEST,
UPDATE, JOB_CONTROL, JOB_INFO, JOB_LIST) and replies with the common
{success, reason, message, data} shape. Messages matching no shape get
a typed invalid-message response carrying the original payload.

A successful submit spawns an update stream for that client: the job is
re-read on an adaptive interval, and every observed status change is
pushed as an UPDATE message with a digest of its body. The client
acknowledges each update; digest mismatches are logged but do not end
the stream. The stream ends when the job leaves the active set or the
client disconnects. Disconnecting never cancels the job itself; that
takes an explicit JOB_CONTROL STOP, which waits a bounded time for the
job to reach a stopped step.

The prometheus endpoint is served from the same mux under /metrics.
*/
package handler
