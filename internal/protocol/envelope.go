// ABOUTME: Request and response envelopes exchanged over an agent control connection.
// ABOUTME: Provides request constructors and typed accessors for reply payloads.

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Commands understood by agents.
const (
	CmdPing   = "ping"
	CmdStart  = "start"
	CmdStop   = "stop"
	CmdFilter = "filter"
	CmdProc   = "proc"
)

// Actions qualifying the filter and proc commands.
const (
	ActionGet = "get"
	ActionSet = "set"
	ActionAdd = "add"
	ActionDel = "del"
)

// Well-known scalar replies.
const (
	ReplyPong = "pong"
	ReplyOK   = "ok"
)

// HandshakeBufferSize bounds the single read that carries an agent's name.
const HandshakeBufferSize = 1024

// Request is the envelope sent to an agent. All fields are always encoded;
// unused ones are empty strings.
type Request struct {
	Cmd    string `json:"cmd"`
	Action string `json:"action"`
	Data   string `json:"data"`
}

// String renders the request for logs.
func (r Request) String() string {
	if r.Action == "" {
		return r.Cmd
	}
	if r.Data == "" {
		return r.Cmd + " " + r.Action
	}
	return fmt.Sprintf("%s %s %q", r.Cmd, r.Action, r.Data)
}

func Ping() Request  { return Request{Cmd: CmdPing} }
func Start() Request { return Request{Cmd: CmdStart} }
func Stop() Request  { return Request{Cmd: CmdStop} }

func FilterGet() Request { return Request{Cmd: CmdFilter, Action: ActionGet} }

func FilterSet(expr string) Request {
	return Request{Cmd: CmdFilter, Action: ActionSet, Data: expr}
}

func ProcGet() Request { return Request{Cmd: CmdProc, Action: ActionGet} }

func ProcAdd(name string) Request {
	return Request{Cmd: CmdProc, Action: ActionAdd, Data: name}
}

func ProcDel(name string) Request {
	return Request{Cmd: CmdProc, Action: ActionDel, Data: name}
}

// Response is a validated reply envelope. Value holds the raw JSON of the
// "response" member.
type Response struct {
	Value json.RawMessage
}

// DecodeResponse parses a reply document. It fails with a ProtocolError if
// the document is not a JSON object or lacks the "response" member.
func DecodeResponse(data []byte) (*Response, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &ProtocolError{Reason: "reply is not a JSON object", Err: err}
	}
	if envelope == nil {
		return nil, &ProtocolError{Reason: "reply is not a JSON object"}
	}
	value, ok := envelope["response"]
	if !ok {
		return nil, &ProtocolError{Reason: `reply has no "response" field`}
	}
	return &Response{Value: value}, nil
}

// String returns the scalar value of the reply. JSON strings are unquoted;
// other scalars are returned as their JSON text.
func (r *Response) String() (string, error) {
	trimmed := bytes.TrimSpace(r.Value)
	if len(trimmed) == 0 {
		return "", &ProtocolError{Reason: "empty response value"}
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", &ProtocolError{Reason: "invalid string response", Err: err}
		}
		return s, nil
	case '{', '[':
		return "", &ProtocolError{Reason: "expected a scalar response, got " + kindOf(trimmed)}
	default:
		return string(trimmed), nil
	}
}

// Text renders any reply value for display: strings unquoted, everything
// else as compact JSON.
func (r *Response) Text() string {
	trimmed := bytes.TrimSpace(r.Value)
	if s, err := r.String(); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return string(trimmed)
	}
	return buf.String()
}

// Expect fails with a ProtocolError unless the reply is the scalar want.
func (r *Response) Expect(want string) error {
	got, err := r.String()
	if err != nil {
		return err
	}
	if got != want {
		return &ProtocolError{Reason: fmt.Sprintf("expected %q, got %q", want, got)}
	}
	return nil
}

// Processes decodes a "proc get" reply: process name to running state.
func (r *Response) Processes() (map[string]bool, error) {
	var procs map[string]bool
	if err := json.Unmarshal(r.Value, &procs); err != nil {
		return nil, &ProtocolError{Reason: "expected a process map, got " + kindOf(bytes.TrimSpace(r.Value)), Err: err}
	}
	if procs == nil {
		procs = map[string]bool{}
	}
	return procs, nil
}

func kindOf(raw []byte) string {
	if len(raw) == 0 {
		return "nothing"
	}
	switch raw[0] {
	case '{':
		return "object"
	case '[':
		return "array"
	case '"':
		return "string"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		return "number"
	}
}
