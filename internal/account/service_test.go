// ABOUTME: Tests for the account lifecycle machine
// ABOUTME: Covers the transition table, self-action guards, eviction triggers, and registration

package account

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight/chatgate/internal/registry"
	"github.com/finsight/chatgate/internal/store"
)

// recordingEvictor remembers which accounts were evicted
type recordingEvictor struct {
	mu      sync.Mutex
	evicted []string
}

func (e *recordingEvictor) Evict(accountID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evicted = append(e.evicted, accountID)
}

func (e *recordingEvictor) count(accountID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, id := range e.evicted {
		if id == accountID {
			n++
		}
	}
	return n
}

// failingNotifier always errors, to prove registration doesn't care
type failingNotifier struct{}

func (failingNotifier) RegistrationReceived(ctx context.Context, acct *store.Account) error {
	return errors.New("smtp unreachable")
}

func newTestService(t *testing.T) (*Service, *recordingEvictor, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	evictor := &recordingEvictor{}
	svc := New(Config{
		Store:          s,
		Evictor:        evictor,
		Notifier:       failingNotifier{},
		AllowedDomains: []string{"example.com"},
		AdminAddrs:     []string{"admin@example.com"},
	})
	return svc, evictor, s
}

func mustRegister(t *testing.T, svc *Service, email, username string) *store.Account {
	t.Helper()
	acct, err := svc.Register(context.Background(), email, username, "hunter2hunter2")
	require.NoError(t, err)
	return acct
}

func mustAdmin(t *testing.T, svc *Service, s store.Store) *store.Account {
	t.Helper()
	ctx := context.Background()
	admin := mustRegister(t, svc, "boss@example.com", "boss")
	admin.Status = store.StatusApproved
	admin.Role = store.RoleAdmin
	require.NoError(t, s.UpdateAccount(ctx, admin))
	return admin
}

func TestRegister_DisallowedDomain(t *testing.T) {
	svc, _, s := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "eve@evil.org", "eve", "password1")
	assert.ErrorIs(t, err, ErrDomainNotAllowed)

	// Account not created
	count, err := s.CountAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRegister_CreatesPendingAndSurvivesNotifierFailure(t *testing.T) {
	svc, _, s := newTestService(t)
	ctx := context.Background()

	acct := mustRegister(t, svc, "Alice@Example.COM", "alice")
	assert.Equal(t, "alice@example.com", acct.Email)
	assert.Equal(t, store.StatusPending, acct.Status)
	assert.Equal(t, store.RoleUser, acct.Role)

	notices, err := s.ListPendingRegistrationNotices(ctx)
	require.NoError(t, err)
	assert.Len(t, notices, 1)
}

func TestRegister_DuplicateIdentity(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	mustRegister(t, svc, "alice@example.com", "alice")

	_, err := svc.Register(ctx, "alice@example.com", "alice2", "password1")
	assert.ErrorIs(t, err, store.ErrDuplicateIdentity)

	_, err = svc.Register(ctx, "other@example.com", "alice", "password1")
	assert.ErrorIs(t, err, store.ErrDuplicateIdentity)
}

func TestAuthenticate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	mustRegister(t, svc, "alice@example.com", "alice")

	acct, err := svc.Authenticate(ctx, "alice@example.com", "hunter2hunter2")
	require.NoError(t, err)
	assert.Equal(t, "alice", acct.Username)

	_, err = svc.Authenticate(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, "nobody@example.com", "hunter2hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestDecide_ApproveThenGateOpens(t *testing.T) {
	svc, _, s := newTestService(t)
	ctx := context.Background()

	admin := mustAdmin(t, svc, s)
	user := mustRegister(t, svc, "alice@example.com", "alice")

	ok, err := svc.Approved(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.Decide(ctx, admin.ID, user.ID, ActionApprove, ""))

	got, err := s.GetAccount(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, got.Status)
	assert.Equal(t, admin.ID, got.ApprovedBy)
	require.NotNil(t, got.ApprovedAt)

	ok, err = svc.Approved(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDecide_RejectStoresReason(t *testing.T) {
	svc, _, s := newTestService(t)
	ctx := context.Background()

	admin := mustAdmin(t, svc, s)
	user := mustRegister(t, svc, "alice@example.com", "alice")

	require.NoError(t, svc.Decide(ctx, admin.ID, user.ID, ActionReject, "unknown requester"))

	got, err := s.GetAccount(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRejected, got.Status)
	assert.Equal(t, "unknown requester", got.RejectionReason)
}

func TestDecide_RequiresAdminAndPendingTarget(t *testing.T) {
	svc, _, s := newTestService(t)
	ctx := context.Background()

	admin := mustAdmin(t, svc, s)
	user := mustRegister(t, svc, "alice@example.com", "alice")
	other := mustRegister(t, svc, "bob@example.com", "bob")

	// Non-admin actor
	err := svc.Decide(ctx, user.ID, other.ID, ActionApprove, "")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	// Already decided target
	require.NoError(t, svc.Decide(ctx, admin.ID, user.ID, ActionApprove, ""))
	err = svc.Decide(ctx, admin.ID, user.ID, ActionApprove, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Target unchanged by the failed attempt
	got, err := s.GetAccount(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, got.Status)
}

func TestSetStatus_SuspendEvictsAroundCommit(t *testing.T) {
	svc, evictor, s := newTestService(t)
	ctx := context.Background()

	admin := mustAdmin(t, svc, s)
	user := mustRegister(t, svc, "alice@example.com", "alice")
	require.NoError(t, svc.Decide(ctx, admin.ID, user.ID, ActionApprove, ""))

	require.NoError(t, svc.SetStatus(ctx, admin.ID, user.ID, store.StatusSuspended))

	// evicted on both sides of the write (eviction is idempotent)
	assert.Equal(t, 2, evictor.count(user.ID))
	got, err := s.GetAccount(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuspended, got.Status)

	// Reinstate does not evict (no session to protect against)
	require.NoError(t, svc.SetStatus(ctx, admin.ID, user.ID, store.StatusApproved))
	assert.Equal(t, 2, evictor.count(user.ID))
}

func TestSetStatus_InvalidTransitions(t *testing.T) {
	svc, _, s := newTestService(t)
	ctx := context.Background()

	admin := mustAdmin(t, svc, s)
	pending := mustRegister(t, svc, "alice@example.com", "alice")

	tests := []struct {
		name      string
		newStatus store.AccountStatus
	}{
		{"suspend a pending account", store.StatusSuspended},
		{"approve a pending account via setStatus", store.StatusApproved},
		{"move to rejected via setStatus", store.StatusRejected},
		{"move to pending via setStatus", store.StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.SetStatus(ctx, admin.ID, pending.ID, tt.newStatus)
			assert.ErrorIs(t, err, ErrInvalidTransition)

			got, err := s.GetAccount(ctx, pending.ID)
			require.NoError(t, err)
			assert.Equal(t, store.StatusPending, got.Status, "failed transition must be a no-op")
		})
	}
}

func TestSetStatus_SameStatusRejected(t *testing.T) {
	svc, _, s := newTestService(t)
	ctx := context.Background()

	admin := mustAdmin(t, svc, s)
	user := mustRegister(t, svc, "alice@example.com", "alice")
	require.NoError(t, svc.Decide(ctx, admin.ID, user.ID, ActionApprove, ""))

	err := svc.SetStatus(ctx, admin.ID, user.ID, store.StatusApproved)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// blockingUpdateStore stalls UpdateAccount while armed, holding the window
// between the pre-write eviction and the committed status open.
type blockingUpdateStore struct {
	store.Store
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (b *blockingUpdateStore) UpdateAccount(ctx context.Context, acct *store.Account) error {
	if b.armed.Load() {
		b.entered <- struct{}{}
		<-b.release
	}
	return b.Store.UpdateAccount(ctx, acct)
}

// trackedConn records whether the registry closed it
type trackedConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *trackedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *trackedConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestSetStatus_AdmitDuringWriteWindowGetsEvicted(t *testing.T) {
	raw, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	gate := &blockingUpdateStore{
		Store:   raw,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	svc := New(Config{Store: gate, AllowedDomains: []string{"example.com"}})
	reg := registry.New(svc, nil)
	svc.SetEvictor(reg)

	ctx := context.Background()
	admin := mustAdmin(t, svc, raw)
	user := mustRegister(t, svc, "alice@example.com", "alice")
	require.NoError(t, svc.Decide(ctx, admin.ID, user.ID, ActionApprove, ""))

	_, err = reg.Admit(ctx, user.ID, &trackedConn{})
	require.NoError(t, err)

	gate.armed.Store(true)
	done := make(chan error, 1)
	go func() { done <- svc.SetStatus(ctx, admin.ID, user.ID, store.StatusSuspended) }()
	<-gate.entered // pre-write eviction has run, the status write is stalled

	// a reconnect slips in while the stored status still reads approved
	reconnect := &trackedConn{}
	_, err = reg.Admit(ctx, user.ID, reconnect)
	require.NoError(t, err)

	gate.armed.Store(false)
	close(gate.release)
	require.NoError(t, <-done)

	// once the transition returns, the suspended account holds no session
	_, live := reg.Lookup(user.ID)
	assert.False(t, live, "suspended account must not hold a live session")
	assert.True(t, reconnect.isClosed())

	_, err = reg.Admit(ctx, user.ID, &trackedConn{})
	assert.ErrorIs(t, err, registry.ErrNotApproved)
}

func TestSetRole_SelfActionBlocked(t *testing.T) {
	svc, _, s := newTestService(t)
	ctx := context.Background()

	admin := mustAdmin(t, svc, s)

	err := svc.SetRole(ctx, admin.ID, admin.ID, store.RoleUser)
	assert.ErrorIs(t, err, ErrInvalidSelfAction)

	got, err := s.GetAccount(ctx, admin.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RoleAdmin, got.Role)
}

func TestSetRole_PromoteAndDemote(t *testing.T) {
	svc, evictor, s := newTestService(t)
	ctx := context.Background()

	admin := mustAdmin(t, svc, s)
	user := mustRegister(t, svc, "alice@example.com", "alice")
	require.NoError(t, svc.Decide(ctx, admin.ID, user.ID, ActionApprove, ""))

	require.NoError(t, svc.SetRole(ctx, admin.ID, user.ID, store.RoleAdmin))
	got, err := s.GetAccount(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RoleAdmin, got.Role)
	assert.Equal(t, 0, evictor.count(user.ID), "promotion keeps the session")

	require.NoError(t, svc.SetRole(ctx, admin.ID, user.ID, store.RoleUser))
	assert.Equal(t, 2, evictor.count(user.ID), "demotion tears down the session on both sides of the write")
}

func TestSetRole_RequiresAdmin(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	alice := mustRegister(t, svc, "alice@example.com", "alice")
	bob := mustRegister(t, svc, "bob@example.com", "bob")

	err := svc.SetRole(ctx, alice.ID, bob.ID, store.RoleAdmin)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestDelete_CascadesAndEvictsFirst(t *testing.T) {
	svc, evictor, s := newTestService(t)
	ctx := context.Background()

	admin := mustAdmin(t, svc, s)
	user := mustRegister(t, svc, "alice@example.com", "alice")
	require.NoError(t, svc.Decide(ctx, admin.ID, user.ID, ActionApprove, ""))

	conv := &store.Conversation{
		ID: "conv-1", AccountID: user.ID, Title: store.SentinelTitle,
		CreatedAt: user.CreatedAt, UpdatedAt: user.CreatedAt,
	}
	require.NoError(t, s.CreateConversation(ctx, conv))
	require.NoError(t, s.AppendMessage(ctx, &store.Message{
		ID: "msg-1", ConversationID: conv.ID, Role: store.MessageRoleUser,
		Content: "hello", CreatedAt: user.CreatedAt,
	}))

	require.NoError(t, svc.Delete(ctx, admin.ID, user.ID))

	assert.Equal(t, 2, evictor.count(user.ID))

	_, err := s.GetAccount(ctx, user.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDelete_SelfDeleteAllowedForUsers(t *testing.T) {
	svc, _, s := newTestService(t)
	ctx := context.Background()

	user := mustRegister(t, svc, "alice@example.com", "alice")
	require.NoError(t, svc.Delete(ctx, user.ID, user.ID))

	_, err := s.GetAccount(ctx, user.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDelete_AdminSelfDeleteBlocked(t *testing.T) {
	svc, _, s := newTestService(t)
	ctx := context.Background()

	admin := mustAdmin(t, svc, s)

	err := svc.Delete(ctx, admin.ID, admin.ID)
	assert.ErrorIs(t, err, ErrInvalidSelfAction)

	_, err = s.GetAccount(ctx, admin.ID)
	require.NoError(t, err)
}

func TestDelete_NonAdminCannotDeleteOthers(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	alice := mustRegister(t, svc, "alice@example.com", "alice")
	bob := mustRegister(t, svc, "bob@example.com", "bob")

	err := svc.Delete(ctx, alice.ID, bob.ID)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestBootstrap(t *testing.T) {
	svc, _, s := newTestService(t)
	ctx := context.Background()

	acct, err := svc.Bootstrap(ctx, "root@example.com", "root", "bootstrap-pw")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, store.RoleAdmin, acct.Role)
	assert.Equal(t, store.StatusApproved, acct.Status)

	// Second call is a no-op once accounts exist
	again, err := svc.Bootstrap(ctx, "root2@example.com", "root2", "bootstrap-pw")
	require.NoError(t, err)
	assert.Nil(t, again)

	count, err := s.CountAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
