package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.roamchat/config.toml shared by the
// server daemon and the client daemon.
type Config struct {
	DefaultProfile string       `toml:"default_profile"`
	Server         ServerConfig `toml:"server"`
	Client         ClientConfig `toml:"client"`
}

// ServerConfig configures the chatd daemon.
type ServerConfig struct {
	Listen      string `toml:"listen"`
	DBPath      string `toml:"db_path"`
	TokenSecret string `toml:"token_secret"`
}

// ClientConfig configures the chatc daemon. APIBase is the REST root
// (ending in /api); the realtime endpoint is derived from it.
type ClientConfig struct {
	APIBase          string `toml:"api_base"`
	ProbeURL         string `toml:"probe_url"`
	ProbeIntervalSec int    `toml:"probe_interval_sec"`
	PollIntervalSec  int    `toml:"poll_interval_sec"`
	Token            string `toml:"token"`
	UserID           string `toml:"user_id"`
}

// ApplyDefaults fills zero-valued fields with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8480"
	}
	if c.Client.APIBase == "" {
		c.Client.APIBase = "http://127.0.0.1:8480/api"
	}
	if c.Client.ProbeURL == "" {
		c.Client.ProbeURL = "https://www.google.com/generate_204"
	}
	if c.Client.ProbeIntervalSec <= 0 {
		c.Client.ProbeIntervalSec = 30
	}
	if c.Client.PollIntervalSec <= 0 {
		c.Client.PollIntervalSec = 15
	}
}

// Load reads config from the given path. Returns error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
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
