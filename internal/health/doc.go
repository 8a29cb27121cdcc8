// Package health runs the periodic liveness check and process
// reconciliation for connected agents.
//
// A cycle pings every registered agent, evicts the ones that fail and
// records their status, then asks each survivor for its monitored
// processes and aligns the store with the report. The whole cycle holds
// the manager's traffic lock, so operator commands wait for it.
package health
