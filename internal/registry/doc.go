// Package registry owns the account → live connection mapping.
//
// Invariant: at most one live connection per account at any instant. Admit
// closes any prior connection before installing the new one (last writer
// wins), and Evict is idempotent. Admit/Evict/Release for the same account
// are serialized by a per-account mutex; operations on distinct accounts
// never block one another.
//
// Nothing outside this package may answer "is this account connected" by
// inspecting connections directly.
package registry
