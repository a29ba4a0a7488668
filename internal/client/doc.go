// Package client implements the gateway's client side of the session
// protocol: a reconnecting websocket client and the reconciler that merges
// optimistic local chat state with authoritative server frames.
package client
