// Package gateway assembles the chatgate server.
//
// It wires the store, account lifecycle machine, connection registry, agent
// client, and notifier together, and serves the REST API, the admin API, and
// the websocket session endpoint on a single HTTP listener (plain TCP or a
// Tailscale tsnet node).
package gateway
