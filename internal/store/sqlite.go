// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides account/conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS accounts (
			id               TEXT PRIMARY KEY,
			email            TEXT NOT NULL UNIQUE,
			username         TEXT NOT NULL UNIQUE,
			password_hash    TEXT NOT NULL,
			status           TEXT NOT NULL,
			role             TEXT NOT NULL,
			created_at       DATETIME NOT NULL,
			approved_at      DATETIME,
			approved_by      TEXT,
			rejection_reason TEXT,

			CHECK (status IN ('pending', 'approved', 'rejected', 'suspended')),
			CHECK (role IN ('user', 'admin'))
		);

		CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status);

		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			title      TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (account_id) REFERENCES accounts(id)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_account
			ON conversations(account_id, updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      DATETIME NOT NULL,

			CHECK (role IN ('user', 'agent', 'system-error')),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS registration_notices (
			id         TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			admin_addr TEXT NOT NULL,
			sent       INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (account_id) REFERENCES accounts(id)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateAccount creates a new account.
// Returns ErrDuplicateIdentity if the email or username is already taken.
func (s *SQLiteStore) CreateAccount(ctx context.Context, acct *Account) error {
	query := `
		INSERT INTO accounts (id, email, username, password_hash, status, role, created_at, approved_at, approved_by, rejection_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		acct.ID,
		acct.Email,
		acct.Username,
		acct.PasswordHash,
		string(acct.Status),
		string(acct.Role),
		acct.CreatedAt.UTC().Format(time.RFC3339),
		formatNullableTime(acct.ApprovedAt),
		acct.ApprovedBy,
		acct.RejectionReason,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateIdentity
		}
		return fmt.Errorf("inserting account: %w", err)
	}

	s.logger.Debug("created account", "id", acct.ID, "email", acct.Email)
	return nil
}

const accountColumns = `id, email, username, password_hash, status, role, created_at, approved_at, approved_by, rejection_reason`

// scanAccount scans one account row from the given row scanner
func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var acct Account
	var createdAtStr string
	var approvedAtStr, approvedBy, rejectionReason sql.NullString

	err := row.Scan(
		&acct.ID,
		&acct.Email,
		&acct.Username,
		&acct.PasswordHash,
		&acct.Status,
		&acct.Role,
		&createdAtStr,
		&approvedAtStr,
		&approvedBy,
		&rejectionReason,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account: %w", err)
	}

	acct.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if approvedAtStr.Valid && approvedAtStr.String != "" {
		t, err := time.Parse(time.RFC3339, approvedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing approved_at: %w", err)
		}
		acct.ApprovedAt = &t
	}
	acct.ApprovedBy = approvedBy.String
	acct.RejectionReason = rejectionReason.String

	return &acct, nil
}

// GetAccount retrieves an account by ID.
// Returns ErrNotFound if the account doesn't exist.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// GetAccountByEmail retrieves an account by email.
// Returns ErrNotFound if no account has the given email.
func (s *SQLiteStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = ?`, email)
	return scanAccount(row)
}

// ListAccounts returns accounts, optionally filtered by status.
// Pass an empty status to list all accounts.
func (s *SQLiteStore) ListAccounts(ctx context.Context, status AccountStatus) ([]*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY created_at`
	args := []any{}
	if status != "" {
		query = `SELECT ` + accountColumns + ` FROM accounts WHERE status = ? ORDER BY created_at`
		args = append(args, string(status))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

// CountAccounts returns the total number of accounts
func (s *SQLiteStore) CountAccounts(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting accounts: %w", err)
	}
	return count, nil
}

// UpdateAccount writes the mutable lifecycle fields of an account.
// Returns ErrNotFound if the account doesn't exist.
func (s *SQLiteStore) UpdateAccount(ctx context.Context, acct *Account) error {
	query := `
		UPDATE accounts
		SET status = ?, role = ?, approved_at = ?, approved_by = ?, rejection_reason = ?, password_hash = ?
		WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		string(acct.Status),
		string(acct.Role),
		formatNullableTime(acct.ApprovedAt),
		acct.ApprovedBy,
		acct.RejectionReason,
		acct.PasswordHash,
		acct.ID,
	)
	if err != nil {
		return fmt.Errorf("updating account: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated account", "id", acct.ID, "status", acct.Status, "role", acct.Role)
	return nil
}

// DeleteAccount removes an account and everything it owns.
// Children are deleted before parents inside a single transaction so no
// orphaned conversation or message can survive a partial failure.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id IN (SELECT id FROM conversations WHERE account_id = ?)`, id); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE account_id = ?`, id); err != nil {
		return fmt.Errorf("deleting conversations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM registration_notices WHERE account_id = ?`, id); err != nil {
		return fmt.Errorf("deleting registration notices: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	s.logger.Info("deleted account", "id", id)
	return nil
}

// CreateConversation creates a new conversation
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, account_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.AccountID,
		conv.Title,
		conv.CreatedAt.UTC().Format(time.RFC3339),
		conv.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "account_id", conv.AccountID)
	return nil
}

// scanConversation scans one conversation row
func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var conv Conversation
	var createdAtStr, updatedAtStr string

	err := row.Scan(&conv.ID, &conv.AccountID, &conv.Title, &createdAtStr, &updatedAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, title, created_at, updated_at FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// ListConversations returns an account's conversations, most recently updated first
func (s *SQLiteStore) ListConversations(ctx context.Context, accountID string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, title, created_at, updated_at
		 FROM conversations WHERE account_id = ? ORDER BY updated_at DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// SetConversationTitle sets a conversation's title unconditionally.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) SetConversationTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("updating conversation title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking title update: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetConversationTitleIfUnset sets the title only while it is still the sentinel value.
// Returns true if the title was changed. Auto-generation must never overwrite
// a title the user (or an admin) has already set.
func (s *SQLiteStore) SetConversationTitleIfUnset(ctx context.Context, id, title string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE id = ? AND title = ?`, title, id, SentinelTitle)
	if err != nil {
		return false, fmt.Errorf("updating conversation title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking title update: %w", err)
	}
	return affected > 0, nil
}

// TouchConversation bumps a conversation's updated_at timestamp
func (s *SQLiteStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	return nil
}

// DeleteConversation removes a conversation and its messages.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}
	return nil
}

// AppendMessage appends a message to a conversation
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (id, conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		string(msg.Role),
		msg.Content,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// ListMessages returns a conversation's messages in append order
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	// rowid breaks created_at ties so append order survives equal timestamps
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at, rowid`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var msg Message
		var createdAtStr string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

// CreateRegistrationNotice records a queued admin notification
func (s *SQLiteStore) CreateRegistrationNotice(ctx context.Context, notice *RegistrationNotice) error {
	query := `
		INSERT INTO registration_notices (id, account_id, admin_addr, sent, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		notice.ID,
		notice.AccountID,
		notice.AdminAddr,
		boolToInt(notice.Sent),
		notice.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting registration notice: %w", err)
	}
	return nil
}

// MarkRegistrationNoticeSent marks a notice as delivered
func (s *SQLiteStore) MarkRegistrationNoticeSent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE registration_notices SET sent = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking notice sent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking notice update: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPendingRegistrationNotices returns notices that have not been delivered yet
func (s *SQLiteStore) ListPendingRegistrationNotices(ctx context.Context) ([]*RegistrationNotice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, admin_addr, sent, created_at
		 FROM registration_notices WHERE sent = 0 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying registration notices: %w", err)
	}
	defer rows.Close()

	var notices []*RegistrationNotice
	for rows.Next() {
		var n RegistrationNotice
		var sent int
		var createdAtStr string
		if err := rows.Scan(&n.ID, &n.AccountID, &n.AdminAddr, &sent, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning registration notice: %w", err)
		}
		n.Sent = sent != 0
		n.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		notices = append(notices, &n)
	}
	return notices, rows.Err()
}

// formatNullableTime formats an optional time for storage, returning nil for absent values
func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// boolToInt converts a bool to the 0/1 representation SQLite stores
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
