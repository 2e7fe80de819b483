// Package notify delivers out-of-band account messages: operator approval
// requests and password-reset codes.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"text/template"
)

// Message is a plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Notifier delivers messages. Implementations must be safe for concurrent
// use.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

var (
	approvalTmpl = template.Must(template.New("approval").Parse(
		`A new account has been created for {{.Username}} ({{.Email}}) with role "{{.Role}}".

To approve this account, open the link below:
{{.Link}}

If you did not expect this, contact your support team.
`))

	otpTmpl = template.Must(template.New("otp").Parse(
		`Your password reset code is {{.Code}}. It expires in {{.TTL}}.

If you did not request a reset, you can ignore this message.
`))
)

// ApprovalRequest is sent to the operator when an account registers.
type ApprovalRequest struct {
	Username string
	Email    string
	Role     string
	Link     string
}

// ApprovalMessage renders the operator approval email.
func ApprovalMessage(to string, req ApprovalRequest) (Message, error) {
	body, err := render(approvalTmpl, req)
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: "Approve New Admin Account", Body: body}, nil
}

// ResetCodeMessage renders the password-reset OTP email.
func ResetCodeMessage(to, code, ttl string) (Message, error) {
	body, err := render(otpTmpl, struct{ Code, TTL string }{code, ttl})
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: "Password Reset OTP", Body: body}, nil
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s template: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// ---------------------------------------------------------------------------
// Log notifier
// ---------------------------------------------------------------------------

// LogNotifier writes messages to the log instead of delivering them. It is
// used when no mail server is configured, which settings only allow outside
// production.
type LogNotifier struct {
	Logger *slog.Logger
}

// Send logs msg, body included.
func (n LogNotifier) Send(_ context.Context, msg Message) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("mail delivery disabled; message not sent",
		"to", msg.To,
		"subject", msg.Subject,
		"body", msg.Body,
	)
	return nil
}
