// Package config loads markbook settings from the config file, the
// environment and flags, and validates them once at startup.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/markbook/markbook/internal/credential"
	"github.com/markbook/markbook/internal/notify"
)

// EnvPrefix namespaces environment overrides: MARKBOOK_SERVER_PORT sets
// server.port.
const EnvPrefix = "MARKBOOK"

// MinJWTSecretBytes is the shortest accepted session signing key.
const MinJWTSecretBytes = 32

// minMailPasswordLen matches provider app passwords.
const minMailPasswordLen = 16

// Store drivers accepted by store.driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverMongo    = "mongo"
)

// Settings is the validated runtime configuration.
type Settings struct {
	Env         string          `mapstructure:"env"`
	DataDir     string          `mapstructure:"data_dir"`
	FrontendURL string          `mapstructure:"frontend_url"`
	Server      ServerSettings  `mapstructure:"server"`
	Auth        AuthSettings    `mapstructure:"auth"`
	RateLimit   RateSettings    `mapstructure:"ratelimit"`
	Store       StoreSettings   `mapstructure:"store"`
	Mail        MailSettings    `mapstructure:"mail"`
	Log         LogSettings     `mapstructure:"log"`
	Metrics     MetricsSettings `mapstructure:"metrics"`
}

// ServerSettings controls the HTTP listener.
type ServerSettings struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	MaxBodySize     int64         `mapstructure:"max_body_size"`
	// GlobalRPM is a coarse per-IP throttle over every route. Zero disables it.
	GlobalRPM int `mapstructure:"global_rpm"`
}

// AuthSettings controls sessions and credential recovery.
type AuthSettings struct {
	JWTSecret          string        `mapstructure:"jwt_secret"`
	SessionTTL         time.Duration `mapstructure:"session_ttl"`
	PBKDF2Iterations   int           `mapstructure:"pbkdf2_iterations"`
	OTPTTL             time.Duration `mapstructure:"otp_ttl"`
	ResetTokenTTL      time.Duration `mapstructure:"reset_token_ttl"`
	ResetExcludedRoles []string      `mapstructure:"reset_excluded_roles"`
}

// RateSettings bounds attempts on the credential routes per client.
type RateSettings struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// StoreSettings selects the account store.
type StoreSettings struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Database string `mapstructure:"database"`
}

// MailSettings configures outbound mail. An empty Host selects the log
// notifier, which production refuses.
type MailSettings struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	From            string        `mapstructure:"from"`
	FromName        string        `mapstructure:"from_name"`
	Encryption      string        `mapstructure:"encryption"`
	Operator        string        `mapstructure:"operator"`
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed"`
}

// LogSettings controls log output.
type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsSettings toggles the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool `mapstructure:"enabled"`
}

// defaults lists every key with its default. Durations are kept as strings
// so the same table renders into the starter YAML file.
var defaults = []struct {
	key   string
	value interface{}
}{
	{"env", "development"},
	{"data_dir", ""},
	{"frontend_url", ""},
	{"server.host", "0.0.0.0"},
	{"server.port", 4001},
	{"server.shutdown_timeout", "30s"},
	{"server.cors_origins", []string{"http://localhost:3000"}},
	{"server.max_body_size", 1 << 20},
	{"server.global_rpm", 0},
	{"auth.jwt_secret", ""},
	{"auth.session_ttl", "1h"},
	{"auth.pbkdf2_iterations", credential.MinIterations},
	{"auth.otp_ttl", "2m"},
	{"auth.reset_token_ttl", "10m"},
	{"auth.reset_excluded_roles", []string{"guest"}},
	{"ratelimit.limit", 5},
	{"ratelimit.window", "1m"},
	{"store.driver", DriverSQLite},
	{"store.dsn", ""},
	{"store.database", "markbook"},
	{"mail.host", ""},
	{"mail.port", 587},
	{"mail.username", ""},
	{"mail.password", ""},
	{"mail.from", ""},
	{"mail.from_name", "Markbook"},
	{"mail.encryption", string(notify.EncryptionStartTLS)},
	{"mail.operator", ""},
	{"mail.retry_max_elapsed", "30s"},
	{"log.level", "info"},
	{"log.format", "text"},
	{"metrics.enabled", true},
}

// aliases are the environment names older deployments set.
var aliases = map[string]string{
	"auth.jwt_secret": "JWT_SECRET",
	"frontend_url":    "FRONTEND_URL",
	"mail.password":   "PASS_NODEMAIL",
	"env":             "NODE_ENV",
}

// secretKeys are masked by Effective.
var secretKeys = []string{"auth.jwt_secret", "mail.password", "store.dsn"}

// Configure installs defaults and environment bindings on v.
func Configure(v *viper.Viper) {
	for _, d := range defaults {
		v.SetDefault(d.key, d.value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range aliases {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		// The prefixed name wins over the alias.
		v.BindEnv(key, envKey, alias)
	}
}

// Load decodes and validates the settings held by v.
func Load(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	s.normalize()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) normalize() {
	s.Env = strings.ToLower(strings.TrimSpace(s.Env))
	s.Store.Driver = strings.ToLower(strings.TrimSpace(s.Store.Driver))
	s.FrontendURL = strings.TrimRight(strings.TrimSpace(s.FrontendURL), "/")
	s.Log.Format = strings.ToLower(s.Log.Format)
}

// Validate reports every invalid setting at once.
func (s *Settings) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(s.Auth.JWTSecret) < MinJWTSecretBytes {
		add("auth.jwt_secret must be at least %d bytes", MinJWTSecretBytes)
	}
	if u, err := url.Parse(s.FrontendURL); err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("frontend_url must be an absolute http(s) URL")
	}
	if s.Server.Port < 1 || s.Server.Port > 65535 {
		add("server.port must be between 1 and 65535")
	}
	if s.Server.ShutdownTimeout <= 0 {
		add("server.shutdown_timeout must be positive")
	}
	if s.Server.MaxBodySize <= 0 {
		add("server.max_body_size must be positive")
	}
	if s.Server.GlobalRPM < 0 {
		add("server.global_rpm must not be negative")
	}
	if s.Auth.SessionTTL <= 0 {
		add("auth.session_ttl must be positive")
	}
	if s.Auth.OTPTTL <= 0 {
		add("auth.otp_ttl must be positive")
	}
	if s.Auth.ResetTokenTTL <= 0 {
		add("auth.reset_token_ttl must be positive")
	}
	if s.Auth.PBKDF2Iterations < credential.MinIterations {
		add("auth.pbkdf2_iterations must be at least %d", credential.MinIterations)
	}
	if s.RateLimit.Limit <= 0 {
		add("ratelimit.limit must be positive")
	}
	if s.RateLimit.Window <= 0 {
		add("ratelimit.window must be positive")
	}

	switch s.Store.Driver {
	case DriverSQLite:
	case DriverPostgres, DriverMySQL, DriverMongo:
		if s.Store.DSN == "" {
			add("store.dsn is required for the %s driver", s.Store.Driver)
		}
	default:
		add("store.driver %q is not one of sqlite, postgres, mysql, mongo", s.Store.Driver)
	}

	// Without a mail host, codes and links go to the log instead of a mailbox.
	if s.Production() && s.Mail.Host == "" {
		add("mail.host is required when env is production")
	}
	if s.Mail.Host != "" {
		if len(s.Mail.Password) < minMailPasswordLen {
			add("mail.password must be at least %d characters", minMailPasswordLen)
		}
		if s.Mail.From == "" {
			add("mail.from is required when mail.host is set")
		}
		if _, err := notify.ParseEncryption(s.Mail.Encryption); err != nil {
			add("mail.encryption: %v", err)
		}
		if s.Mail.RetryMaxElapsed <= 0 {
			add("mail.retry_max_elapsed must be positive")
		}
	}

	if _, err := s.Log.SlogLevel(); err != nil {
		add("log.level: %v", err)
	}
	if s.Log.Format != "text" && s.Log.Format != "json" {
		add("log.format must be text or json")
	}

	return errors.Join(errs...)
}

// Production reports whether the service runs in production mode.
func (s *Settings) Production() bool {
	return s.Env == "production"
}

// SMTPConfig converts the mail settings for the SMTP notifier.
func (m MailSettings) SMTPConfig() (notify.SMTPConfig, error) {
	enc, err := notify.ParseEncryption(m.Encryption)
	if err != nil {
		return notify.SMTPConfig{}, err
	}
	return notify.SMTPConfig{
		Host:            m.Host,
		Port:            m.Port,
		Username:        m.Username,
		Password:        m.Password,
		From:            m.From,
		FromName:        m.FromName,
		Encryption:      enc,
		RetryMaxElapsed: m.RetryMaxElapsed,
	}, nil
}

// SlogLevel parses Level (debug, info, warn, error).
func (l LogSettings) SlogLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(l.Level))
	return level, err
}
