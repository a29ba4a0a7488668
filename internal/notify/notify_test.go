// ABOUTME: Tests for registration notification delivery
// ABOUTME: Stubs the SMTP send function to inspect the rendered message

package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/smtp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight/chatgate/internal/store"
)

func testAccount() *store.Account {
	return &store.Account{
		ID:        "acct-1",
		Email:     "maria@finsight.example",
		Username:  "maria",
		Status:    store.StatusPending,
		Role:      store.RoleUser,
		CreatedAt: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
	}
}

func TestSMTPNotifier_SendsMail(t *testing.T) {
	n, err := NewSMTP(SMTPConfig{
		Host:       "mail.example.com",
		Port:       587,
		Username:   "relay",
		Password:   "secret",
		FromAddr:   "chatgate@finsight.example",
		AdminAddrs: []string{"ops@finsight.example", "admin@finsight.example"},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	n.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	require.NoError(t, n.RegistrationReceived(context.Background(), testAccount()))

	assert.Equal(t, "mail.example.com:587", gotAddr)
	assert.Equal(t, "chatgate@finsight.example", gotFrom)
	assert.Equal(t, []string{"ops@finsight.example", "admin@finsight.example"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: New registration pending approval: maria")
	assert.Contains(t, string(gotMsg), "maria@finsight.example")
}

func TestSMTPNotifier_SendFailure(t *testing.T) {
	n, err := NewSMTP(SMTPConfig{
		Host:       "mail.example.com",
		Port:       587,
		FromAddr:   "chatgate@finsight.example",
		AdminAddrs: []string{"ops@finsight.example"},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	n.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		return errors.New("relay refused")
	}

	err = n.RegistrationReceived(context.Background(), testAccount())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay refused")
}

func TestSMTPNotifier_CancelledContext(t *testing.T) {
	n, err := NewSMTP(SMTPConfig{
		Host:       "mail.example.com",
		Port:       587,
		FromAddr:   "chatgate@finsight.example",
		AdminAddrs: []string{"ops@finsight.example"},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	called := false
	n.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		called = true
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, n.RegistrationReceived(ctx, testAccount()))
	assert.False(t, called)
}

func TestNewSMTP_Validation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewSMTP(SMTPConfig{FromAddr: "a@b", AdminAddrs: []string{"x@y"}}, logger)
	assert.Error(t, err)

	_, err = NewSMTP(SMTPConfig{Host: "h", AdminAddrs: []string{"x@y"}}, logger)
	assert.Error(t, err)

	_, err = NewSMTP(SMTPConfig{Host: "h", FromAddr: "a@b"}, logger)
	assert.Error(t, err)
}

func TestLogNotifier(t *testing.T) {
	n := NewLog(slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.NoError(t, n.RegistrationReceived(context.Background(), testAccount()))
}
