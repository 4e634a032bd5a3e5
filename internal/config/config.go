// Package config loads RIME's process configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the shape of the YAML document consumed by the core. Everything
// outside it (transport ports, CORS, frontend asset paths) belongs to the
// external collaborators this package does not model.
type Config struct {
	Filesystem FilesystemConfig  `yaml:"filesystem"`
	Session    SessionConfig     `yaml:"session"`
	MediaURL   string            `yaml:"media_url_prefix"`
	Plugins    PluginsConfig     `yaml:"plugins"`
	Passphrase map[string]string `yaml:"passphrases"`
	LogLevel   string            `yaml:"log_level"`
	Export     ExportConfig      `yaml:"export"`
}

type FilesystemConfig struct {
	BasePath string `yaml:"base_path"`
}

type SessionConfig struct {
	Database string `yaml:"database"`
}

type PluginsConfig struct {
	Anonymise []string `yaml:"anonymise"`
}

// ExportConfig configures the optional disclosure-export backend. Left zero
// valued, export.Enabled() is false and finalised subsets stay on local disk.
type ExportConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	PublicURL string `yaml:"public_url"`
}

func (e ExportConfig) Enabled() bool {
	return e.Endpoint != "" && e.AccessKey != "" && e.SecretKey != "" && e.Bucket != ""
}

// PassphraseFor returns the configured passphrase for a device id, if any.
func (c *Config) PassphraseFor(deviceID string) (string, bool) {
	p, ok := c.Passphrase[deviceID]
	return p, ok
}

// Load reads and parses the YAML config at path, applying environment
// overrides for the handful of values operators commonly override per
// deployment without editing the file (mirrors the teacher's env-var
// fallbacks in its old Load()).
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if v := os.Getenv("RIME_BASE_PATH"); v != "" {
		cfg.Filesystem.BasePath = v
	}
	if v := os.Getenv("RIME_SESSION_DB"); v != "" {
		cfg.Session.Database = v
	}
	if v := os.Getenv("RIME_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if strings.TrimSpace(cfg.Filesystem.BasePath) == "" {
		return nil, fmt.Errorf("config: filesystem.base_path is required")
	}
	if strings.TrimSpace(cfg.Session.Database) == "" {
		cfg.Session.Database = cfg.Filesystem.BasePath + "/_rime_session.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	return &cfg, nil
}

// MustLoad is Load with a fatal exit on error, matching the teacher's
// fail-fast startup idiom. Used only from cmd/rime/main.go.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
