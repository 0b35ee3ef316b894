// Package commands implements the sessionctl CLI: offline tooling for the
// device identity, safety numbers, serialized sessions and API tokens.
package commands
