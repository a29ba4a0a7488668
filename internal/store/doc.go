// Package store provides persistence for accounts, conversations, and messages.
//
// The Store interface is the only way the rest of the gateway touches the
// database. The SQLite implementation creates its schema on open and maps
// UNIQUE constraint violations to ErrDuplicateIdentity so callers never see
// driver-level errors.
//
// Account status and role are persisted as strings and CHECK-constrained to
// the values the lifecycle machine knows about. Messages are append-only:
// there is no update path for the messages table.
//
// Cascading deletes (account → conversations → messages) run child-before-
// parent inside one transaction, so a crash mid-delete can never leave an
// orphaned conversation referencing a missing account.
package store
