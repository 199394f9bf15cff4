package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatupp/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// AuthUserID is the authenticated user the mirror is scoped to.
	AuthUserID string `toml:"auth_user_id"`

	// ProjectID and CredentialsFile configure the Firestore backend.
	ProjectID       string `toml:"project_id"`
	CredentialsFile string `toml:"credentials_file"`

	// CoalesceWindowMS is the unseen-counter coalescing window in
	// milliseconds; 0 uses the built-in default.
	CoalesceWindowMS int `toml:"coalesce_window_ms"`

	// FlushMaxAttempts caps counter-flush retries; 0 retries forever.
	FlushMaxAttempts int `toml:"flush_max_attempts"`

	// PageSize is the message pagination page size; 0 uses the default.
	PageSize int `toml:"page_size"`
}

// CoalesceWindow returns the configured coalescing window, or zero if
// unset (callers apply their own default).
func (c *Config) CoalesceWindow() time.Duration {
	return time.Duration(c.CoalesceWindowMS) * time.Millisecond
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
