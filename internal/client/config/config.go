package config

import (
	"fmt"
	"net/mail"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/tallyhq/tally/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".tally", "config.json")
	DefaultDataDir    = filepath.Join(home, ".tally", "data")
	DefaultServerURL  = "https://app.tallyhq.dev"
	DefaultClientURL  = "http://localhost:7938"
)

// Config is the agent's persisted configuration. RefreshToken rotates on
// every token refresh, so the file is rewritten whenever it changes.
type Config struct {
	DataDir      string `json:"data_dir"`
	Email        string `json:"email"`
	ServerURL    string `json:"server_url"`
	ClientURL    string `json:"client_url"`
	RefreshToken string `json:"refresh_token,omitempty"`

	// control plane access token, set via flag/env, never persisted
	ClientToken string `json:"-"`
	Path        string `json:"-"`
}

// Validate checks the config and normalizes it in place: paths become
// absolute and the email is lowercased.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if _, err := mail.ParseAddress(c.Email); err != nil {
		return fmt.Errorf("invalid email %q: %w", c.Email, err)
	}
	c.Email = strings.ToLower(c.Email)

	dataDir, err := utils.ResolvePath(c.DataDir)
	if err != nil {
		return fmt.Errorf("invalid data_dir: %w", err)
	}
	c.DataDir = dataDir

	if c.Path != "" {
		path, err := utils.ResolvePath(c.Path)
		if err != nil {
			return fmt.Errorf("invalid config path: %w", err)
		}
		c.Path = path
	}

	if err := validHTTPURL(c.ServerURL); err != nil {
		return fmt.Errorf("invalid server_url: %w", err)
	}
	if err := validHTTPURL(c.ClientURL); err != nil {
		return fmt.Errorf("invalid client_url: %w", err)
	}
	return nil
}

// Save writes the config to c.Path. The file carries the refresh token, so
// keep it user-readable only.
func (c *Config) Save() error {
	if c.Path == "" {
		c.Path = DefaultConfigPath
	}
	if err := utils.EnsureParent(c.Path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(c.Path, data, 0600)
}

// Load reads a config file and applies defaults for absent fields.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}

	cfg.Path = path
	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	if c.ClientURL == "" {
		c.ClientURL = DefaultClientURL
	}
}

func validHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
