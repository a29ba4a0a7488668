// Package session implements the realtime session protocol.
//
// Each admitted connection gets one Engine goroutine running the
// Idle/AwaitingAgent state machine. The connection's read loop hands inbound
// frames to the engine over an unbuffered channel, which makes the
// one-request-in-flight rule structural: a request arriving mid-exchange
// cannot be accepted and is refused with an error frame.
//
// Frame ordering within a session is always typing, then response or error,
// then typing off. Disconnect lets an in-flight agent call finish but its
// result is dropped because sends to a closed connection fail.
package session
