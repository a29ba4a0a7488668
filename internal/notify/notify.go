// ABOUTME: Admin notification delivery for new account registrations
// ABOUTME: Sends plain-text email over SMTP, with a log-only fallback

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"

	"github.com/finsight/chatgate/internal/store"
)

// SMTPConfig holds mail relay settings for admin notifications.
type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	FromAddr   string
	AdminAddrs []string
}

// SMTPNotifier emails admins when a registration arrives.
type SMTPNotifier struct {
	cfg    SMTPConfig
	logger *slog.Logger

	// send is swappable for tests; defaults to smtp.SendMail.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTP creates an SMTP-backed notifier.
func NewSMTP(cfg SMTPConfig, logger *slog.Logger) (*SMTPNotifier, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host must not be empty")
	}
	if cfg.FromAddr == "" {
		return nil, fmt.Errorf("smtp from address must not be empty")
	}
	if len(cfg.AdminAddrs) == 0 {
		return nil, fmt.Errorf("at least one admin address is required")
	}

	return &SMTPNotifier{
		cfg:    cfg,
		logger: logger.With("component", "notify"),
		send:   smtp.SendMail,
	}, nil
}

// RegistrationReceived emails every configured admin about a pending account.
func (n *SMTPNotifier) RegistrationReceived(ctx context.Context, acct *store.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := net.JoinHostPort(n.cfg.Host, fmt.Sprintf("%d", n.cfg.Port))
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}

	msg := buildRegistrationMail(n.cfg.FromAddr, n.cfg.AdminAddrs, acct)
	if err := n.send(addr, auth, n.cfg.FromAddr, n.cfg.AdminAddrs, msg); err != nil {
		return fmt.Errorf("send registration mail: %w", err)
	}

	n.logger.Info("registration notification sent",
		"account_id", acct.ID,
		"recipients", len(n.cfg.AdminAddrs))
	return nil
}

// buildRegistrationMail renders the notification as an RFC 5322 message.
func buildRegistrationMail(from string, to []string, acct *store.Account) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: New registration pending approval: %s\r\n", acct.Username)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "A new account is waiting for review.\r\n\r\n")
	fmt.Fprintf(&b, "Username: %s\r\n", acct.Username)
	fmt.Fprintf(&b, "Email:    %s\r\n", acct.Email)
	fmt.Fprintf(&b, "Created:  %s\r\n", acct.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	b.WriteString("\r\nApprove or reject it from the admin console.\r\n")
	return []byte(b.String())
}

// LogNotifier records registrations in the log only. Used when no SMTP relay
// is configured so registration never depends on mail delivery.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLog creates a log-only notifier.
func NewLog(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

// RegistrationReceived logs the pending registration.
func (n *LogNotifier) RegistrationReceived(ctx context.Context, acct *store.Account) error {
	n.logger.Info("registration received",
		"account_id", acct.ID,
		"username", acct.Username,
		"email", acct.Email)
	return nil
}
