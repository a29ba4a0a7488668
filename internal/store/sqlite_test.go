// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers account identity constraints, cascading deletes, and message ordering

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testAccount(email, username string) *Account {
	return &Account{
		ID:           uuid.New().String(),
		Email:        email,
		Username:     username,
		PasswordHash: "$2a$10$fakehashfakehashfakehash",
		Status:       StatusPending,
		Role:         RoleUser,
		CreatedAt:    time.Now(),
	}
}

func TestCreateAccount_DuplicateEmail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, testAccount("a@example.com", "alice")))

	err := s.CreateAccount(ctx, testAccount("a@example.com", "alice2"))
	assert.ErrorIs(t, err, ErrDuplicateIdentity)
}

func TestCreateAccount_DuplicateUsername(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, testAccount("a@example.com", "alice")))

	err := s.CreateAccount(ctx, testAccount("b@example.com", "alice"))
	assert.ErrorIs(t, err, ErrDuplicateIdentity)
}

func TestGetAccount_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := testAccount("a@example.com", "alice")
	require.NoError(t, s.CreateAccount(ctx, acct))

	got, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, acct.Email, got.Email)
	assert.Equal(t, acct.Username, got.Username)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, RoleUser, got.Role)
	assert.Nil(t, got.ApprovedAt)

	byEmail, err := s.GetAccountByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, byEmail.ID)
}

func TestGetAccount_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetAccount(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetAccountByEmail(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateAccount_LifecycleFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := testAccount("a@example.com", "alice")
	require.NoError(t, s.CreateAccount(ctx, acct))

	now := time.Now().Truncate(time.Second)
	acct.Status = StatusApproved
	acct.ApprovedAt = &now
	acct.ApprovedBy = "admin-1"
	require.NoError(t, s.UpdateAccount(ctx, acct))

	got, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, "admin-1", got.ApprovedBy)
	require.NotNil(t, got.ApprovedAt)
	assert.True(t, got.ApprovedAt.Equal(now.UTC()))
}

func TestUpdateAccount_NotFound(t *testing.T) {
	s := newTestStore(t)

	acct := testAccount("a@example.com", "alice")
	err := s.UpdateAccount(context.Background(), acct)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAccounts_StatusFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pending := testAccount("p@example.com", "pat")
	require.NoError(t, s.CreateAccount(ctx, pending))

	approved := testAccount("a@example.com", "alice")
	approved.Status = StatusApproved
	require.NoError(t, s.CreateAccount(ctx, approved))

	all, err := s.ListAccounts(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyPending, err := s.ListAccounts(ctx, StatusPending)
	require.NoError(t, err)
	require.Len(t, onlyPending, 1)
	assert.Equal(t, pending.ID, onlyPending[0].ID)

	count, err := s.CountAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func createConversationWithMessages(t *testing.T, s *SQLiteStore, accountID string, n int) *Conversation {
	t.Helper()
	ctx := context.Background()

	conv := &Conversation{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Title:     SentinelTitle,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, s.CreateConversation(ctx, conv))

	for i := 0; i < n; i++ {
		role := MessageRoleUser
		if i%2 == 1 {
			role = MessageRoleAgent
		}
		require.NoError(t, s.AppendMessage(ctx, &Message{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			Role:           role,
			Content:        fmt.Sprintf("message %d", i),
			CreatedAt:      time.Now(),
		}))
	}
	return conv
}

func TestListMessages_AppendOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := testAccount("a@example.com", "alice")
	require.NoError(t, s.CreateAccount(ctx, acct))
	conv := createConversationWithMessages(t, s, acct.ID, 6)

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 6)
	for i, msg := range msgs {
		assert.Equal(t, fmt.Sprintf("message %d", i), msg.Content)
	}
	// user/agent alternation survives the round trip
	assert.Equal(t, MessageRoleUser, msgs[0].Role)
	assert.Equal(t, MessageRoleAgent, msgs[1].Role)
}

func TestSetConversationTitleIfUnset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := testAccount("a@example.com", "alice")
	require.NoError(t, s.CreateAccount(ctx, acct))
	conv := createConversationWithMessages(t, s, acct.ID, 0)

	changed, err := s.SetConversationTitleIfUnset(ctx, conv.ID, "Quarterly revenue")
	require.NoError(t, err)
	assert.True(t, changed)

	// Second auto-generation attempt must not overwrite
	changed, err = s.SetConversationTitleIfUnset(ctx, conv.ID, "Something else")
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Quarterly revenue", got.Title)
}

func TestListConversations_MostRecentFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := testAccount("a@example.com", "alice")
	require.NoError(t, s.CreateAccount(ctx, acct))

	older := createConversationWithMessages(t, s, acct.ID, 0)
	newer := createConversationWithMessages(t, s, acct.ID, 0)

	require.NoError(t, s.TouchConversation(ctx, older.ID, time.Now().Add(-time.Hour)))
	require.NoError(t, s.TouchConversation(ctx, newer.ID, time.Now()))

	convs, err := s.ListConversations(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, newer.ID, convs[0].ID)
	assert.Equal(t, older.ID, convs[1].ID)
}

func TestDeleteConversation_CascadesMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := testAccount("a@example.com", "alice")
	require.NoError(t, s.CreateAccount(ctx, acct))
	conv := createConversationWithMessages(t, s, acct.ID, 4)

	require.NoError(t, s.DeleteConversation(ctx, conv.ID))

	_, err := s.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeleteAccount_CascadesEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := testAccount("a@example.com", "alice")
	require.NoError(t, s.CreateAccount(ctx, acct))
	conv1 := createConversationWithMessages(t, s, acct.ID, 4)
	conv2 := createConversationWithMessages(t, s, acct.ID, 2)

	require.NoError(t, s.CreateRegistrationNotice(ctx, &RegistrationNotice{
		ID:        uuid.New().String(),
		AccountID: acct.ID,
		AdminAddr: "admin@example.com",
		CreatedAt: time.Now(),
	}))

	require.NoError(t, s.DeleteAccount(ctx, acct.ID))

	_, err := s.GetAccount(ctx, acct.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	for _, convID := range []string{conv1.ID, conv2.ID} {
		_, err := s.GetConversation(ctx, convID)
		assert.ErrorIs(t, err, ErrNotFound)

		msgs, err := s.ListMessages(ctx, convID)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	}
}

func TestDeleteAccount_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.DeleteAccount(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistrationNotices(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := testAccount("a@example.com", "alice")
	require.NoError(t, s.CreateAccount(ctx, acct))

	notice := &RegistrationNotice{
		ID:        uuid.New().String(),
		AccountID: acct.ID,
		AdminAddr: "admin@example.com",
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateRegistrationNotice(ctx, notice))

	pending, err := s.ListPendingRegistrationNotices(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, notice.ID, pending[0].ID)

	require.NoError(t, s.MarkRegistrationNoticeSent(ctx, notice.ID))

	pending, err = s.ListPendingRegistrationNotices(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
