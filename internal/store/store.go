// ABOUTME: Store interface and data types for chatgate persistence
// ABOUTME: Defines Account, Conversation, Message structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateIdentity is returned when an account with the same email or username exists
var ErrDuplicateIdentity = errors.New("email or username already registered")

// AccountStatus is the lifecycle state of an account
type AccountStatus string

// Account lifecycle states
const (
	StatusPending   AccountStatus = "pending"
	StatusApproved  AccountStatus = "approved"
	StatusRejected  AccountStatus = "rejected"
	StatusSuspended AccountStatus = "suspended"
)

// AccountRole is the privilege level of an account
type AccountRole string

// Account roles
const (
	RoleUser  AccountRole = "user"
	RoleAdmin AccountRole = "admin"
)

// Account represents a registered user of the gateway.
// Accounts are created pending and transition only through the lifecycle machine.
type Account struct {
	ID              string
	Email           string
	Username        string
	PasswordHash    string // bcrypt hash
	Status          AccountStatus
	Role            AccountRole
	CreatedAt       time.Time
	ApprovedAt      *time.Time
	ApprovedBy      string // account ID of the approving admin, empty until approved
	RejectionReason string
}

// SentinelTitle is the placeholder conversation title before auto-generation runs
const SentinelTitle = "New Conversation"

// Conversation is a titled sequence of messages owned by one account
type Conversation struct {
	ID        string
	AccountID string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageRole identifies the author of a message
type MessageRole string

// Message roles
const (
	MessageRoleUser  MessageRole = "user"
	MessageRoleAgent MessageRole = "agent"
	MessageRoleError MessageRole = "system-error"
)

// Message is a single append-only entry in a conversation.
// Messages are never mutated after creation.
type Message struct {
	ID             string
	ConversationID string
	Role           MessageRole
	Content        string
	CreatedAt      time.Time
}

// RegistrationNotice records an admin notification queued at registration time
type RegistrationNotice struct {
	ID        string
	AccountID string
	AdminAddr string
	Sent      bool
	CreatedAt time.Time
}

// Store defines the interface for account, conversation, and message persistence
type Store interface {
	// Accounts
	CreateAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	ListAccounts(ctx context.Context, status AccountStatus) ([]*Account, error)
	CountAccounts(ctx context.Context) (int, error)
	UpdateAccount(ctx context.Context, acct *Account) error
	DeleteAccount(ctx context.Context, id string) error

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, accountID string) ([]*Conversation, error)
	SetConversationTitle(ctx context.Context, id, title string) error
	SetConversationTitleIfUnset(ctx context.Context, id, title string) (bool, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
	DeleteConversation(ctx context.Context, id string) error

	// Messages
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)

	// Registration notices
	CreateRegistrationNotice(ctx context.Context, notice *RegistrationNotice) error
	MarkRegistrationNoticeSent(ctx context.Context, id string) error
	ListPendingRegistrationNotices(ctx context.Context) ([]*RegistrationNotice, error)

	Close() error
}
