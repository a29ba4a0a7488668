// ABOUTME: Connection registry enforcing at most one live connection per account
// ABOUTME: Provides atomic admit/evict/lookup serialized per account id

package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNotApproved is returned when admission is attempted for an account that
// is not in the approved state.
var ErrNotApproved = errors.New("account is not approved")

// Conn is the connection handle the registry owns. Close must be safe to call
// more than once and must unblock any goroutine reading from the connection.
type Conn interface {
	Close() error
}

// ApprovalReporter reports whether an account may hold a live session.
// The lifecycle machine implements this.
type ApprovalReporter interface {
	Approved(ctx context.Context, accountID string) (bool, error)
}

// Session is a live registry entry binding one account to one connection
type Session struct {
	AccountID  string
	Conn       Conn
	AdmittedAt time.Time
}

// Registry maps an authenticated account to zero-or-one live connection.
// It is the sole owner of "is this account currently connected" state.
type Registry struct {
	gate   ApprovalReporter
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex
}

// New creates a Registry gated by the given approval reporter
func New(gate ApprovalReporter, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		gate:     gate,
		logger:   logger.With("component", "registry"),
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-account mutex, creating it on first use.
// Locks are never removed; the map is bounded by the number of accounts
// that ever connect.
func (r *Registry) lockFor(accountID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[accountID] = l
	}
	return l
}

// Admit registers a connection for an account.
// Fails with ErrNotApproved unless the lifecycle machine reports the account
// approved. If a prior session exists it is closed and replaced: last writer
// wins, never two live sessions. Admit and Evict for the same account are
// serialized; distinct accounts proceed independently.
func (r *Registry) Admit(ctx context.Context, accountID string, conn Conn) (*Session, error) {
	l := r.lockFor(accountID)
	l.Lock()
	defer l.Unlock()

	ok, err := r.gate.Approved(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotApproved
	}

	if prev := r.remove(accountID, nil); prev != nil {
		_ = prev.Conn.Close()
		r.logger.Info("evicted prior session on re-admit", "account_id", accountID)
	}

	sess := &Session{
		AccountID:  accountID,
		Conn:       conn,
		AdmittedAt: time.Now(),
	}
	r.mu.Lock()
	r.sessions[accountID] = sess
	r.mu.Unlock()

	r.logger.Info("session admitted", "account_id", accountID)
	return sess, nil
}

// Evict closes and removes the account's session if one exists.
// Idempotent: evicting an absent entry is a no-op. The close never blocks on
// in-flight session work; it force-closes the underlying connection.
func (r *Registry) Evict(accountID string) {
	l := r.lockFor(accountID)
	l.Lock()
	defer l.Unlock()

	if sess := r.remove(accountID, nil); sess != nil {
		_ = sess.Conn.Close()
		r.logger.Info("session evicted", "account_id", accountID)
	}
}

// Release removes the entry only if it still belongs to the given session.
// Disconnect handlers use this so a stale connection's cleanup cannot evict
// the session that replaced it.
func (r *Registry) Release(sess *Session) {
	l := r.lockFor(sess.AccountID)
	l.Lock()
	defer l.Unlock()

	if removed := r.remove(sess.AccountID, sess); removed != nil {
		_ = removed.Conn.Close()
		r.logger.Debug("session released", "account_id", sess.AccountID)
	}
}

// Lookup returns the live session for an account, if any
func (r *Registry) Lookup(accountID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[accountID]
	return sess, ok
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// remove deletes and returns the account's entry. When expect is non-nil the
// entry is only removed if it is the same session. Caller must hold the
// per-account lock.
func (r *Registry) remove(accountID string, expect *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[accountID]
	if !ok {
		return nil
	}
	if expect != nil && sess != expect {
		return nil
	}
	delete(r.sessions, accountID)
	return sess
}
