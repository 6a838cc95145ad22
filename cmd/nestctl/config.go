package main

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CLIConfig is the persistent CLI configuration.
type CLIConfig struct {
	Address   string `yaml:"address"`
	UserID    string `yaml:"user_id"`
	TLSCACert string `yaml:"tls_ca_cert"`
}

var cfg CLIConfig

// configPath returns the path to the CLI config file.
func configPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".nestctl", "config.yaml")
}

// loadConfig loads the CLI config from disk and applies env overrides on
// top. Precedence: env var, then config file, then built-in default.
func loadConfig() {
	cfg = CLIConfig{
		Address: "http://127.0.0.1:8330",
	}
	if data, err := os.ReadFile(configPath()); err == nil {
		yaml.Unmarshal(data, &cfg) //nolint:errcheck
	}
	applyEnvOverrides()
}

func applyEnvOverrides() {
	if v := os.Getenv("NESTCIRCLE_ADDR"); v != "" {
		cfg.Address = v
	}
	if v := os.Getenv("NESTCIRCLE_USER"); v != "" {
		cfg.UserID = v
	}
	if v := os.Getenv("NESTCIRCLE_CACERT"); v != "" {
		cfg.TLSCACert = v
	}
}

// saveConfig persists the CLI config to disk.
func saveConfig() error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
