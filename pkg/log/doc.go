/*
Package log provides structured logging for Cloudburst using zerolog.

The package wraps zerolog behind a global logger configured once at
process start via Init. Components obtain child loggers carrying stable
context fields (component, job_id, session_id, node_id) so that every
line emitted by the request handler, job manager, resource manager and
scheduler can be correlated against a single job or session.

Production deployments run with JSON output; the console writer is for
local development only.
*/
package log
