// ABOUTME: Account lifecycle machine - validates and applies status/role transitions
// ABOUTME: Registration, approval decisions, suspension, role changes, and cascading delete

package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/finsight/chatgate/internal/store"
)

// Lifecycle errors
var (
	ErrNotAuthorized      = errors.New("not authorized")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrInvalidSelfAction  = errors.New("action not permitted on own account")
	ErrDomainNotAllowed   = errors.New("email domain not allowed")
	ErrInvalidCredentials = errors.New("incorrect email or password")
)

// DecideAction is an admin decision on a pending registration
type DecideAction string

// Decide actions
const (
	ActionApprove DecideAction = "approve"
	ActionReject  DecideAction = "reject"
)

// Evictor tears down a live session for an account.
// The connection registry implements this.
type Evictor interface {
	Evict(accountID string)
}

// Notifier is told about new pending registrations.
// Failures are logged, never propagated: notification is best-effort.
type Notifier interface {
	RegistrationReceived(ctx context.Context, acct *store.Account) error
}

// Service is the account lifecycle machine. All account mutations flow through
// it; nothing else writes account fields. Transitions on the same account are
// serialized; distinct accounts proceed independently.
type Service struct {
	store      store.Store
	evictor    Evictor
	notifier   Notifier
	domains    map[string]bool
	adminAddrs []string
	logger     *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Config carries the Service dependencies
type Config struct {
	Store          store.Store
	Evictor        Evictor
	Notifier       Notifier
	AllowedDomains []string
	AdminAddrs     []string
	Logger         *slog.Logger
}

// New creates an account lifecycle Service
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	domains := make(map[string]bool, len(cfg.AllowedDomains))
	for _, d := range cfg.AllowedDomains {
		domains[strings.ToLower(d)] = true
	}
	return &Service{
		store:      cfg.Store,
		evictor:    cfg.Evictor,
		notifier:   cfg.Notifier,
		domains:    domains,
		adminAddrs: cfg.AdminAddrs,
		logger:     logger.With("component", "account"),
		locks:      make(map[string]*sync.Mutex),
	}
}

// SetEvictor wires the registry after construction. The registry needs the
// Service as its approval gate, so one of the two is attached late.
func (s *Service) SetEvictor(e Evictor) {
	s.evictor = e
}

// lockFor returns the per-account transition mutex, creating it on first use
func (s *Service) lockFor(accountID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

// Register creates a new pending account.
// Fails with ErrDomainNotAllowed if the email domain is not allow-listed and
// store.ErrDuplicateIdentity if the email or username is taken. Admin
// notification is queued and fired best-effort; its failure never fails
// registration.
func (s *Service) Register(ctx context.Context, email, username, password string) (*store.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	username = strings.TrimSpace(username)

	if !s.domainAllowed(email) {
		return nil, ErrDomainNotAllowed
	}
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	acct := &store.Account{
		ID:           uuid.New().String(),
		Email:        email,
		Username:     username,
		PasswordHash: string(hash),
		Status:       store.StatusPending,
		Role:         store.RoleUser,
		CreatedAt:    time.Now(),
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}

	s.queueNotices(ctx, acct)
	s.logger.Info("account registered", "id", acct.ID, "email", acct.Email)
	return acct, nil
}

// domainAllowed reports whether the email's domain is on the allow-list
func (s *Service) domainAllowed(email string) bool {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}
	return s.domains[email[at+1:]]
}

// queueNotices records a notice per admin recipient and fires the notifier.
// Delivery runs detached from the request: registration never waits on SMTP.
func (s *Service) queueNotices(ctx context.Context, acct *store.Account) {
	noticeIDs := make([]string, 0, len(s.adminAddrs))
	for _, addr := range s.adminAddrs {
		notice := &store.RegistrationNotice{
			ID:        uuid.New().String(),
			AccountID: acct.ID,
			AdminAddr: addr,
			CreatedAt: time.Now(),
		}
		if err := s.store.CreateRegistrationNotice(ctx, notice); err != nil {
			s.logger.Warn("recording registration notice failed", "error", err)
			continue
		}
		noticeIDs = append(noticeIDs, notice.ID)
	}

	if s.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.notifier.RegistrationReceived(ctx, acct); err != nil {
			s.logger.Warn("admin notification failed", "account_id", acct.ID, "error", err)
			return
		}
		for _, id := range noticeIDs {
			if err := s.store.MarkRegistrationNoticeSent(ctx, id); err != nil {
				s.logger.Warn("marking notice sent failed", "notice_id", id, "error", err)
			}
		}
	}()
}

// Authenticate verifies credentials and returns the account.
// The error is uniform regardless of which check failed.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*store.Account, error) {
	acct, err := s.store.GetAccountByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return acct, nil
}

// Get returns an account by id
func (s *Service) Get(ctx context.Context, id string) (*store.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// List returns accounts, optionally filtered by status
func (s *Service) List(ctx context.Context, status store.AccountStatus) ([]*store.Account, error) {
	return s.store.ListAccounts(ctx, status)
}

// Approved implements the registry's approval gate
func (s *Service) Approved(ctx context.Context, accountID string) (bool, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return acct.Status == store.StatusApproved, nil
}

// requireAdmin loads the actor and verifies the admin role
func (s *Service) requireAdmin(ctx context.Context, actorID string) (*store.Account, error) {
	actor, err := s.store.GetAccount(ctx, actorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotAuthorized
		}
		return nil, err
	}
	if actor.Role != store.RoleAdmin {
		return nil, ErrNotAuthorized
	}
	return actor, nil
}

// Decide applies an admin approve/reject decision to a pending account.
// Fails with ErrNotAuthorized unless the actor is an admin and
// ErrInvalidTransition unless the target is pending. A failed decision
// leaves the target unchanged.
func (s *Service) Decide(ctx context.Context, actorID, targetID string, action DecideAction, reason string) error {
	if _, err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}

	l := s.lockFor(targetID)
	l.Lock()
	defer l.Unlock()

	target, err := s.store.GetAccount(ctx, targetID)
	if err != nil {
		return err
	}
	if target.Status != store.StatusPending {
		return ErrInvalidTransition
	}

	switch action {
	case ActionApprove:
		now := time.Now()
		target.Status = store.StatusApproved
		target.ApprovedAt = &now
		target.ApprovedBy = actorID
	case ActionReject:
		target.Status = store.StatusRejected
		target.RejectionReason = reason
	default:
		return fmt.Errorf("unknown decide action %q", action)
	}

	if err := s.store.UpdateAccount(ctx, target); err != nil {
		return err
	}

	s.logger.Info("registration decided",
		"target_id", targetID, "actor_id", actorID, "action", action)
	return nil
}

// SetStatus moves an account between approved and suspended.
// Fails with ErrInvalidTransition unless the target currently holds the other
// of the two states. Any transition away from approved evicts the target's
// live session before the write and re-evicts after it commits, so a
// reconnect racing the write cannot outlive the transition.
func (s *Service) SetStatus(ctx context.Context, actorID, targetID string, newStatus store.AccountStatus) error {
	if _, err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	if newStatus != store.StatusApproved && newStatus != store.StatusSuspended {
		return ErrInvalidTransition
	}

	l := s.lockFor(targetID)
	l.Lock()
	defer l.Unlock()

	target, err := s.store.GetAccount(ctx, targetID)
	if err != nil {
		return err
	}
	if target.Status != store.StatusApproved && target.Status != store.StatusSuspended {
		return ErrInvalidTransition
	}
	if target.Status == newStatus {
		return ErrInvalidTransition
	}

	leavingApproved := target.Status == store.StatusApproved
	if leavingApproved && s.evictor != nil {
		s.evictor.Evict(targetID)
	}

	target.Status = newStatus
	if err := s.store.UpdateAccount(ctx, target); err != nil {
		return err
	}

	// an admit racing the write reads the old status; evict again now that
	// admission sees the committed one
	if leavingApproved && s.evictor != nil {
		s.evictor.Evict(targetID)
	}

	s.logger.Info("account status changed",
		"target_id", targetID, "actor_id", actorID, "status", newStatus)
	return nil
}

// SetRole changes an account's role.
// Admins cannot change their own role. Demotion evicts any live session so
// the demoted account reconnects with its reduced privileges.
func (s *Service) SetRole(ctx context.Context, actorID, targetID string, newRole store.AccountRole) error {
	if actorID == targetID {
		return ErrInvalidSelfAction
	}
	if _, err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	if newRole != store.RoleUser && newRole != store.RoleAdmin {
		return fmt.Errorf("unknown role %q", newRole)
	}

	l := s.lockFor(targetID)
	l.Lock()
	defer l.Unlock()

	target, err := s.store.GetAccount(ctx, targetID)
	if err != nil {
		return err
	}
	if target.Role == newRole {
		return nil
	}

	demotion := target.Role == store.RoleAdmin && newRole == store.RoleUser
	if demotion && s.evictor != nil {
		s.evictor.Evict(targetID)
	}

	target.Role = newRole
	if err := s.store.UpdateAccount(ctx, target); err != nil {
		return err
	}

	if demotion && s.evictor != nil {
		s.evictor.Evict(targetID)
	}

	s.logger.Info("account role changed",
		"target_id", targetID, "actor_id", actorID, "role", newRole)
	return nil
}

// Delete removes an account and everything it owns.
// Self-delete is always allowed for regular accounts; admins cannot delete
// themselves through this operation. Admin-delete requires the admin role.
// Any live session is evicted before the cascade runs and again after it,
// closing a reconnect that slipped in while the account row still existed.
// Irreversible.
func (s *Service) Delete(ctx context.Context, actorID, targetID string) error {
	if actorID == targetID {
		actor, err := s.store.GetAccount(ctx, actorID)
		if err != nil {
			return err
		}
		if actor.Role == store.RoleAdmin {
			return ErrInvalidSelfAction
		}
	} else {
		if _, err := s.requireAdmin(ctx, actorID); err != nil {
			return err
		}
	}

	l := s.lockFor(targetID)
	l.Lock()
	defer l.Unlock()

	if s.evictor != nil {
		s.evictor.Evict(targetID)
	}

	if err := s.store.DeleteAccount(ctx, targetID); err != nil {
		return err
	}

	if s.evictor != nil {
		s.evictor.Evict(targetID)
	}

	s.logger.Info("account deleted", "target_id", targetID, "actor_id", actorID)
	return nil
}

// Bootstrap creates a pre-approved admin account if the store is empty.
// Returns the created account, or nil if the store already has accounts.
func (s *Service) Bootstrap(ctx context.Context, email, username, password string) (*store.Account, error) {
	count, err := s.store.CountAccounts(ctx)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	now := time.Now()
	acct := &store.Account{
		ID:           uuid.New().String(),
		Email:        strings.ToLower(email),
		Username:     username,
		PasswordHash: string(hash),
		Status:       store.StatusApproved,
		Role:         store.RoleAdmin,
		CreatedAt:    now,
		ApprovedAt:   &now,
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}

	s.logger.Info("bootstrap admin created", "email", acct.Email)
	return acct, nil
}
