// Package agent manages control connections to remote agents.
//
// # Overview
//
// Agents find the manager through a UDP discovery broadcast, open a TCP
// connection and send their name as a raw string. From then on the
// manager drives a strict request/reply exchange over that connection.
//
// # Listener
//
// Listener.Serve runs the accept loop. Each accepted transport is
// handshaken in its own goroutine: one read of at most 1024 bytes under
// the handshake timeout. A read that yields nothing, errors, or carries an
// empty name discards the transport. No acknowledgement is sent.
//
// # Manager
//
// The Manager is the name to connection registry:
//
//   - Add(conn): insert, replacing and closing an earlier connection
//     registered under the same name
//   - Remove(name): unregister and close, no-op for unknown names
//   - IsConnected(name), List(), Count()
//   - RemoteAddress(name): peer address, ErrAgentNotFound if absent
//
// and the gate for all agent traffic:
//
//   - Request(ctx, name, req): one request/reply exchange
//   - Ping(ctx, name): exchange requiring a "pong" reply
//   - Exclusive(ctx, fn): run a whole health cycle without interleaving
//
// # Failure Handling
//
// A *protocol.TransportError means the agent is gone: the Manager removes
// it before returning the error. A *protocol.ProtocolError leaves the
// connection registered so the operator can retry.
//
// # Thread Safety
//
// Map operations take a short RWMutex. Every exchange additionally holds
// a single traffic lock for its whole duration, and each Connection has
// its own mutex, so two goroutines never interleave reads or writes on
// the same transport. Every exchange has a deadline; there is no way to
// create a Connection without one.
package agent
