// Package backend starts and supervises the local backend process that
// portpilot points the desktop window at.
//
// It covers three steps of a launch:
//   - BuildCommand turns the configured command line into an *exec.Cmd for a
//     given port (placeholder expansion, PORT/HOST environment)
//   - Process runs it, relays its stdout/stderr into the structured logger
//     and stops it with SIGTERM followed by SIGKILL after a grace period
//   - WaitReady polls the backend over HTTP until it answers or gives up
package backend
