// Package console implements the operator command line of the manager.
//
// Commands are parsed from single lines and dispatched to connected agents.
// Every agent-targeted command is checked against the registry first and
// rejected locally when the agent is not connected.
package console
