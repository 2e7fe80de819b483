package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/markbook/markbook/internal/config"
	"github.com/markbook/markbook/internal/credential"
	"github.com/markbook/markbook/internal/notify"
	"github.com/markbook/markbook/internal/service"
	"github.com/markbook/markbook/internal/store"
	"github.com/markbook/markbook/internal/store/mongostore"
)

// accountStore is an AccountStore the CLI owns and must close.
type accountStore interface {
	service.AccountStore
	Close() error
}

// loadSettings validates the layered configuration.
func loadSettings() (*config.Settings, error) {
	s, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return s, nil
}

// resolveDataDir returns the data directory from the --data-dir flag, the
// data_dir setting, or ~/.markbook as fallback.
func resolveDataDir(s *config.Settings) string {
	if dataDir != "" {
		return dataDir
	}
	if s != nil && s.DataDir != "" {
		return s.DataDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".markbook")
}

// newLogger builds the process logger on w.
func newLogger(w io.Writer, s *config.Settings) *slog.Logger {
	level, _ := s.Log.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if s.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openStore connects the configured account store.
func openStore(ctx context.Context, s *config.Settings) (accountStore, error) {
	if s.Store.Driver == config.DriverMongo {
		st, err := mongostore.Open(ctx, s.Store.DSN, s.Store.Database)
		if err != nil {
			return nil, fmt.Errorf("open mongo store: %w", err)
		}
		return st, nil
	}
	st, err := store.Open(store.Options{
		Driver:  s.Store.Driver,
		DSN:     s.Store.DSN,
		DataDir: resolveDataDir(s),
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// newNotifier returns the SMTP notifier when a mail host is configured and
// the log notifier otherwise.
func newNotifier(s *config.Settings, logger *slog.Logger) (notify.Notifier, error) {
	if s.Mail.Host == "" {
		logger.Warn("mail.host is not set; outgoing mail is written to the log")
		return notify.LogNotifier{Logger: logger}, nil
	}
	cfg, err := s.Mail.SMTPConfig()
	if err != nil {
		return nil, err
	}
	return notify.NewSMTPNotifier(cfg, logger)
}

// operatorEmail is the approval inbox, defaulting to the sender address.
func operatorEmail(s *config.Settings) string {
	if s.Mail.Operator != "" {
		return s.Mail.Operator
	}
	return s.Mail.From
}

// newCore wires the account flows over st.
func newCore(s *config.Settings, st service.AccountStore, n notify.Notifier, logger *slog.Logger) (*service.Core, error) {
	hasher, err := credential.NewPasswordHasher(s.Auth.PBKDF2Iterations)
	if err != nil {
		return nil, err
	}
	operator := operatorEmail(s)
	if operator == "" {
		logger.Warn("no operator address configured; registrations cannot be approved by mail")
	}
	return service.New(service.Options{
		Store:              st,
		Notifier:           n,
		Secrets:            s.Secrets(),
		Hasher:             hasher,
		Logger:             logger,
		FrontendURL:        s.FrontendURL,
		OperatorEmail:      operator,
		SessionTTL:         s.Auth.SessionTTL,
		OTPTTL:             s.Auth.OTPTTL,
		ResetTokenTTL:      s.Auth.ResetTokenTTL,
		ResetExcludedRoles: s.Auth.ResetExcludedRoles,
	})
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
