// Package fakeagent implements the agent side of the fleet control protocol.
//
// It answers the handshake with its name and serves ping, start, stop,
// filter and proc requests from in-memory state. Tests use it to drive the
// manager over real sockets; cmd/fake-agent wraps it for manual runs.
package fakeagent
