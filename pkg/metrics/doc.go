// Package metrics holds the prometheus collectors shared by the
// control plane services and the /metrics handler that exposes them.
package metrics
