// Package manager is the control-plane process supervisor: it spawns one OS
// process per registered relay worker, tracks liveness, restarts crashed
// workers with exponential backoff up to a cap, and reconciles the process
// table against the registry. It is the only writer of worker status rows
// besides the operator CLI.
package manager
