package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Encryption selects how the SMTP connection is secured.
type Encryption string

const (
	EncryptionStartTLS Encryption = "starttls"
	EncryptionTLS      Encryption = "tls"
	EncryptionNone     Encryption = "none"
)

// ParseEncryption maps a config value to an Encryption, defaulting to
// STARTTLS.
func ParseEncryption(s string) (Encryption, error) {
	switch Encryption(strings.ToLower(strings.TrimSpace(s))) {
	case "", EncryptionStartTLS:
		return EncryptionStartTLS, nil
	case EncryptionTLS, "ssl":
		return EncryptionTLS, nil
	case EncryptionNone:
		return EncryptionNone, nil
	}
	return "", fmt.Errorf("unknown mail encryption %q", s)
}

// SMTPConfig holds mail server settings.
type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	FromName   string
	Encryption Encryption
	// RetryMaxElapsed bounds how long transient failures are retried.
	RetryMaxElapsed time.Duration
}

// SMTPNotifier delivers messages through an SMTP server, retrying transient
// failures with exponential backoff.
type SMTPNotifier struct {
	cfg    SMTPConfig
	logger *slog.Logger

	// send performs one delivery attempt; replaced in tests.
	send func(ctx context.Context, from string, to []string, msg []byte) error
	// backoff builds the retry schedule for one Send.
	backoff func() backoff.BackOff
}

// NewSMTPNotifier returns a notifier for cfg.
func NewSMTPNotifier(cfg SMTPConfig, logger *slog.Logger) (*SMTPNotifier, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.From == "" {
		return nil, errors.New("smtp from address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Encryption == "" {
		cfg.Encryption = EncryptionStartTLS
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &SMTPNotifier{cfg: cfg, logger: logger}
	n.send = n.deliver
	n.backoff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		if cfg.RetryMaxElapsed > 0 {
			b.MaxElapsedTime = cfg.RetryMaxElapsed
		}
		return b
	}
	return n, nil
}

// Send delivers msg. Permanent SMTP rejections (5xx) are not retried.
func (n *SMTPNotifier) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return errors.New("mail: recipient missing")
	}
	raw := n.buildMessage(msg)

	attempt := 0
	op := func() error {
		attempt++
		err := n.send(ctx, n.cfg.From, []string{msg.To}, raw)
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		n.logger.Warn("mail delivery failed, retrying",
			"to", msg.To, "subject", msg.Subject, "attempt", attempt, "error", err)
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(n.backoff(), ctx)); err != nil {
		return fmt.Errorf("mail: send %q to %s: %w", msg.Subject, msg.To, err)
	}
	return nil
}

// isPermanent reports whether the server rejected the message outright.
func isPermanent(err error) bool {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code >= 500
	}
	return false
}

func (n *SMTPNotifier) buildMessage(msg Message) []byte {
	from := n.cfg.From
	if n.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", n.cfg.FromName), n.cfg.From)
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return b.Bytes()
}

// deliver performs a single SMTP transaction.
func (n *SMTPNotifier) deliver(ctx context.Context, from string, to []string, msg []byte) error {
	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))

	d := net.Dialer{Timeout: 15 * time.Second}
	if deadline, ok := ctx.Deadline(); ok {
		d.Deadline = deadline
	}

	var (
		conn net.Conn
		err  error
	)
	if n.cfg.Encryption == EncryptionTLS {
		conn, err = tls.DialWithDialer(&d, "tcp", addr, &tls.Config{ServerName: n.cfg.Host})
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	c, err := smtp.NewClient(conn, n.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if n.cfg.Encryption == EncryptionStartTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: n.cfg.Host}); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if n.cfg.Username != "" {
		auth := smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}
	return c.Quit()
}
