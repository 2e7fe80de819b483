package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is the config file looked up in . and $HOME/.markbook.
const DefaultFileName = "markbook.yaml"

// ErrConfigExists is returned by WriteDefaultConfig when path is taken.
var ErrConfigExists = errors.New("config file already exists")

const redacted = "********"

// DefaultYAML renders the default settings as a starter config file.
func DefaultYAML() ([]byte, error) {
	root := map[string]interface{}{}
	for _, d := range defaults {
		setPath(root, d.key, d.value)
	}
	body, err := yaml.Marshal(root)
	if err != nil {
		return nil, err
	}
	header := "# markbook configuration\n" +
		"# Every key can be overridden with MARKBOOK_<SECTION>_<KEY>, e.g. MARKBOOK_AUTH_JWT_SECRET.\n"
	return append([]byte(header), body...), nil
}

// WriteDefaultConfig writes DefaultYAML to path. An existing file is only
// replaced when force is set.
func WriteDefaultConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s: %w", path, ErrConfigExists)
		}
	}
	data, err := DefaultYAML()
	if err != nil {
		return err
	}
	// Owner-only: the file will hold the signing key.
	return os.WriteFile(path, data, 0600)
}

// Effective renders the settings v resolves to, with secrets masked.
func Effective(v *viper.Viper) ([]byte, error) {
	all := v.AllSettings()
	for _, key := range secretKeys {
		if v.GetString(key) != "" {
			setPath(all, key, redacted)
		}
	}
	return yaml.Marshal(all)
}

// setPath assigns value at a dotted key, creating nested maps as needed.
func setPath(root map[string]interface{}, key string, value interface{}) {
	parts := strings.Split(key, ".")
	m := root
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

// StaticSecret is a SecretProvider holding a key read once at startup.
type StaticSecret []byte

// SigningKey returns a copy of the key.
func (s StaticSecret) SigningKey() ([]byte, error) {
	if len(s) == 0 {
		return nil, errors.New("signing key is not configured")
	}
	key := make([]byte, len(s))
	copy(key, s)
	return key, nil
}

// Secrets returns the SecretProvider for the configured JWT secret.
func (s *Settings) Secrets() StaticSecret {
	return StaticSecret(s.Auth.JWTSecret)
}
