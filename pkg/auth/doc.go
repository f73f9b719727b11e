// Package auth decides whether session credentials are valid and
// whether the authenticated user may submit work. The static
// implementation reads a YAML user table; AllowAll serves development
// setups behind an external gateway.
package auth
