// Package discovery announces the manager on the local network.
//
// The manager sends one UDP datagram to the broadcast address on a fixed
// port (8888 by default). The payload is the ASCII string
// "agentSearch/<port>" where <port> is the manager's TCP control port.
// Nothing is sent back; agents that hear the announcement connect to the
// sender on the announced port.
//
// Go enables SO_BROADCAST on UDP sockets, so no extra socket options are
// needed to reach 255.255.255.255 or a subnet broadcast address.
package discovery
