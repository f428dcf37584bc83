// Package port finds free loopback TCP ports for the backend portpilot
// launches.
//
// The core operation is a sequential probe:
//
//	for p := start; p <= limit; p++ { listen on host:p; close; return p }
//
// A successful bind is released immediately, so the chosen port is only
// known to be free at the moment of the probe. Another process can take it
// before the backend binds it; callers detect that through the backend's own
// startup failure. Reserve offers the race-free variant that keeps the socket
// open so it can be handed to the child process.
//
// Only "address already in use" moves the scan to the next port. Any other
// bind error (permission denied, address not available) stops the scan with
// a ProbeError, because a different port number will not fix it.
package port
