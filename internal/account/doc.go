// Package account is the lifecycle machine for gateway accounts.
//
// Accounts move along a fixed transition table:
//
//	pending   → approved | rejected   (admin decision)
//	approved  → suspended             (admin)
//	suspended → approved              (admin)
//	any       → deleted               (admin, or self for non-admins)
//
// rejected is terminal except for deletion. Any transition away from approved
// evicts the account's live session before the transition commits, so a
// suspended or deleted account can never keep an open connection.
//
// All account mutations flow through this package; a failed transition is a
// no-op on the stored record. Transitions on the same account are serialized
// per account id.
package account
