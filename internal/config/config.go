// Package config loads and defaults ionengine's TOML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all of ionengine's configuration values.
type Config struct {
	DefaultModel string `toml:"default_model"`

	AnthropicAPIKey string `toml:"anthropic_api_key"`
	OpenAIAPIKey    string `toml:"openai_api_key"`
	AWSRegion       string `toml:"aws_region"`
	AWSProfile      string `toml:"aws_profile"`
	LocalServerURL  string `toml:"local_server_url"`

	IonDir      string `toml:"ion_dir"`
	SessionsDB  string `toml:"sessions_db"`
	AgentsDir   string `toml:"agents_dir"`
	SkillsDir   string `toml:"skills_dir"`

	PricingCacheDir string `toml:"pricing_cache_dir"`
	PricingCacheTTL int    `toml:"pricing_cache_ttl"`
	PricingEnabled  bool   `toml:"pricing_enabled"`
	Currency        string `toml:"currency"`

	ModelCacheTTLSecs int `toml:"model_cache_ttl_secs"`

	PermissionTimeout int      `toml:"permission_timeout"`
	PermissionDefault string   `toml:"permission_default"` // "allow", "prompt", "deny"
	ProviderOrder     []string `toml:"provider_order"`
	ProviderIgnore    []string `toml:"provider_ignore"`

	RetentionDays int `toml:"retention_days"`

	MCPServers map[string]MCPServerConfig `toml:"mcp_servers"`

	AuditFile      string        `toml:"-"`
	MaxToolTimeout time.Duration `toml:"-"`
}

// MCPServerConfig describes one configured MCP server entry. ionengine
// does not implement MCP plugin discovery itself (out of scope), but
// carries the configuration shape so a future orchestrator can.
type MCPServerConfig struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
}

// Default returns a Config with all defaults populated.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	ionDir := filepath.Join(home, ".ion")

	return Config{
		DefaultModel:      "claude-opus-4-6",
		IonDir:            ionDir,
		SessionsDB:        filepath.Join(ionDir, "sessions.db"),
		AgentsDir:         filepath.Join(ionDir, "agents"),
		SkillsDir:         filepath.Join(ionDir, "skills"),
		PricingCacheDir:   filepath.Join(ionDir, "cache", "pricing"),
		PricingCacheTTL:   168,
		PricingEnabled:    true,
		Currency:          "USD",
		ModelCacheTTLSecs: 3600,
		PermissionTimeout: 30,
		PermissionDefault: "prompt",
		RetentionDays:     30,
		AuditFile:         filepath.Join(".ion", "audit-{session-id}.jsonl"),
		MaxToolTimeout:    5 * time.Minute,
	}
}

// FilePath returns the path to the config file inside IonDir.
func (c Config) FilePath() string { return filepath.Join(c.IonDir, "config.toml") }

// Load loads configuration from the default location, falling back to
// defaults if the file does not exist.
func Load() (Config, []string, error) {
	defaults := Default()
	return LoadFrom(defaults.FilePath(), defaults)
}

// LoadFrom loads configuration from path, overlaying TOML values onto
// defaults. A missing file is not an error (first-run case); a malformed
// file is. Unrecognized TOML keys produce warnings, not errors.
func LoadFrom(path string, defaults Config) (Config, []string, error) {
	cfg := defaults

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, nil, nil
		}
		return Config{}, nil, fmt.Errorf("config: loading %s: %w", path, err)
	}

	if meta.IsDefined("ion_dir") {
		if !meta.IsDefined("sessions_db") {
			cfg.SessionsDB = filepath.Join(cfg.IonDir, "sessions.db")
		}
		if !meta.IsDefined("agents_dir") {
			cfg.AgentsDir = filepath.Join(cfg.IonDir, "agents")
		}
		if !meta.IsDefined("skills_dir") {
			cfg.SkillsDir = filepath.Join(cfg.IonDir, "skills")
		}
		if !meta.IsDefined("pricing_cache_dir") {
			cfg.PricingCacheDir = filepath.Join(cfg.IonDir, "cache", "pricing")
		}
	}

	cfg.AuditFile = defaults.AuditFile
	cfg.MaxToolTimeout = defaults.MaxToolTimeout

	var warnings []string
	for _, key := range meta.Undecoded() {
		warnings = append(warnings, fmt.Sprintf("unknown config key: %s", key))
	}

	return cfg, warnings, nil
}

// EnsureDirs creates IonDir, AgentsDir, SkillsDir, and PricingCacheDir if
// they do not already exist.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.IonDir, c.AgentsDir, c.SkillsDir, c.PricingCacheDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("config: creating directory %s: %w", dir, err)
		}
	}
	return nil
}
