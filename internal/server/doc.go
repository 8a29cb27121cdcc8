// Package server wires the fleet manager together.
//
// A Server owns the store, the agent registry and its TCP listener, the
// health loop, the discovery broadcaster and the HTTP status API. Run binds
// the listeners (plain TCP, or a Tailscale node when tailscale.enabled is
// set), runs every component under one errgroup and shuts them all down
// when its context ends.
//
// # HTTP API
//
//	GET  /health                       liveness, always "OK"
//	GET  /health/ready                 503 until listeners are bound and the store answers
//	GET  /api/agents                   persisted agents merged with live connections
//	GET  /api/agents/{name}/processes  persisted process set of one agent
//	POST /api/discover                 send one discovery announcement
//	POST /api/cycle                    run one health cycle and return its summary
//	GET  /metrics                      Prometheus metrics when metrics.enabled is set
package server
