// ABOUTME: Error kinds surfaced by the control protocol.
// ABOUTME: Distinguishes dead transports from malformed replies and unknown agents.

package protocol

import (
	"errors"
	"fmt"
)

// ErrAgentNotFound indicates the named agent is not registered.
var ErrAgentNotFound = errors.New("agent not found")

// ErrInvalidResponse matches every ProtocolError via errors.Is.
var ErrInvalidResponse = errors.New("invalid response")

// ErrMessageTooLarge indicates a reply exceeded the configured byte budget.
var ErrMessageTooLarge = errors.New("message exceeds size limit")

// TransportError reports a failure of the underlying connection. The agent
// must be treated as dead.
type TransportError struct {
	Agent string
	Op    string
	Err   error
}

func (e *TransportError) Error() string {
	if e.Agent == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("agent %q: %s: %v", e.Agent, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a reply that could not be interpreted. The
// connection itself is still usable.
type ProtocolError struct {
	Agent  string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Agent == "" {
		return "invalid response: " + msg
	}
	return fmt.Sprintf("agent %q: invalid response: %s", e.Agent, msg)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrInvalidResponse) match any ProtocolError.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrInvalidResponse
}

// IsTransport reports whether err is, or wraps, a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocol reports whether err is, or wraps, a ProtocolError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// WithAgent stamps the agent name onto a TransportError or ProtocolError
// that does not carry one yet. Other errors are returned unchanged.
func WithAgent(err error, agent string) error {
	var te *TransportError
	if errors.As(err, &te) && te.Agent == "" {
		te.Agent = agent
	}
	var pe *ProtocolError
	if errors.As(err, &pe) && pe.Agent == "" {
		pe.Agent = agent
	}
	return err
}
