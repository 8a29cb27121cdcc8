// Package protocol defines the control channel spoken between the manager
// and its agents.
//
// # Wire Format
//
// After a raw-string handshake carrying the agent name, the manager sends
// one JSON request at a time and waits for exactly one JSON reply:
//
//	-> {"cmd":"filter","action":"set","data":"tcp.DstPort==80"}
//	<- {"response":"ok"}
//
// A reply without a "response" member is invalid. The value of "response"
// is a string for ping, start, stop and filter, and an object mapping
// process name to running state for "proc get".
//
// # Framing
//
// Requests are written with a single write. Replies are read through a
// streaming decoder, so a reply split over several TCP segments is
// reassembled. Each reply is capped at a configurable byte budget.
//
// # Errors
//
// Failures fall into three kinds:
//
//   - TransportError: the connection is unusable (EOF, I/O error,
//     deadline, oversized reply). Callers drop the agent.
//   - ProtocolError: the reply was malformed or unexpected. The
//     connection stays open and the command may be retried.
//   - ErrAgentNotFound: the named agent is not registered.
package protocol
