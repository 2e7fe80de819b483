package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/textproto"
	"strings"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNotifier(t *testing.T, send func(ctx context.Context, from string, to []string, msg []byte) error) *SMTPNotifier {
	t.Helper()
	n, err := NewSMTPNotifier(SMTPConfig{
		Host:     "smtp.school.test",
		From:     "records@school.test",
		FromName: "School Records",
	}, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	require.NoError(t, err)
	n.send = send
	n.backoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	}
	return n
}

func TestSMTPNotifierSends(t *testing.T) {
	var got []byte
	var rcpts []string
	n := newTestNotifier(t, func(_ context.Context, from string, to []string, msg []byte) error {
		assert.Equal(t, "records@school.test", from)
		rcpts = to
		got = msg
		return nil
	})

	err := n.Send(context.Background(), Message{To: "ops@school.test", Subject: "Hello", Body: "line one\nline two"})
	require.NoError(t, err)

	assert.Equal(t, []string{"ops@school.test"}, rcpts)
	s := string(got)
	assert.Contains(t, s, "From: School Records <records@school.test>\r\n")
	assert.Contains(t, s, "To: ops@school.test\r\n")
	assert.Contains(t, s, "Subject: Hello\r\n")
	assert.True(t, strings.HasSuffix(s, "\r\n\r\nline one\r\nline two"))
}

func TestSMTPNotifierRetriesTransientFailures(t *testing.T) {
	calls := 0
	n := newTestNotifier(t, func(context.Context, string, []string, []byte) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	require.NoError(t, n.Send(context.Background(), Message{To: "a@school.test", Subject: "s"}))
	assert.Equal(t, 3, calls)
}

func TestSMTPNotifierGivesUp(t *testing.T) {
	calls := 0
	n := newTestNotifier(t, func(context.Context, string, []string, []byte) error {
		calls++
		return errors.New("timeout")
	})

	err := n.Send(context.Background(), Message{To: "a@school.test", Subject: "s"})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestSMTPNotifierPermanentRejection(t *testing.T) {
	calls := 0
	n := newTestNotifier(t, func(context.Context, string, []string, []byte) error {
		calls++
		return &textproto.Error{Code: 550, Msg: "mailbox unavailable"}
	})

	err := n.Send(context.Background(), Message{To: "a@school.test", Subject: "s"})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var tpErr *textproto.Error
	assert.True(t, errors.As(err, &tpErr))
}

func TestSMTPNotifierRequiresRecipient(t *testing.T) {
	n := newTestNotifier(t, func(context.Context, string, []string, []byte) error {
		t.Fatal("send must not be called")
		return nil
	})
	assert.Error(t, n.Send(context.Background(), Message{Subject: "s"}))
}

func TestNewSMTPNotifierValidation(t *testing.T) {
	_, err := NewSMTPNotifier(SMTPConfig{From: "x@school.test"}, nil)
	assert.Error(t, err)
	_, err = NewSMTPNotifier(SMTPConfig{Host: "smtp.school.test"}, nil)
	assert.Error(t, err)

	n, err := NewSMTPNotifier(SMTPConfig{Host: "smtp.school.test", From: "x@school.test"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 587, n.cfg.Port)
	assert.Equal(t, EncryptionStartTLS, n.cfg.Encryption)
}

func TestParseEncryption(t *testing.T) {
	tests := map[string]Encryption{
		"":         EncryptionStartTLS,
		"STARTTLS": EncryptionStartTLS,
		"tls":      EncryptionTLS,
		"ssl":      EncryptionTLS,
		"none":     EncryptionNone,
	}
	for in, want := range tests {
		got, err := ParseEncryption(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseEncryption("pigeon")
	assert.Error(t, err)
}

func TestApprovalMessage(t *testing.T) {
	msg, err := ApprovalMessage("ops@school.test", ApprovalRequest{
		Username: "alice",
		Email:    "alice@school.test",
		Role:     "admin",
		Link:     "https://records.school.test/admin/confirm?token=abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "ops@school.test", msg.To)
	assert.Equal(t, "Approve New Admin Account", msg.Subject)
	assert.Contains(t, msg.Body, `alice (alice@school.test) with role "admin"`)
	assert.Contains(t, msg.Body, "https://records.school.test/admin/confirm?token=abc")
}

func TestResetCodeMessage(t *testing.T) {
	msg, err := ResetCodeMessage("alice@school.test", "042917", "2m0s")
	require.NoError(t, err)
	assert.Equal(t, "Password Reset OTP", msg.Subject)
	assert.Contains(t, msg.Body, "042917")
	assert.Contains(t, msg.Body, "2m0s")
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := LogNotifier{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	require.NoError(t, n.Send(context.Background(), Message{To: "a@school.test", Subject: "Password Reset OTP", Body: "code 123456"}))
	assert.Contains(t, buf.String(), "a@school.test")
	assert.Contains(t, buf.String(), "123456")
}
