// Package config loads and validates space configuration for the gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mew-protocol/mew/internal/capability"
)

type Config struct {
	Space        string              `yaml:"space"`
	Participants []ParticipantConfig `yaml:"participants"`
	Gateway      GatewayConfig       `yaml:"gateway"`

	// TokensFile optionally supplements inline tokens with a stored
	// token file (participant id -> tokens), resolved relative to the
	// config file location.
	TokensFile string `yaml:"tokens_file,omitempty"`

	// baseDir is the directory the config was loaded from.
	baseDir string
}

type ParticipantConfig struct {
	ID           string                  `yaml:"id"`
	DisplayName  string                  `yaml:"display_name,omitempty"`
	Tokens       []string                `yaml:"tokens,omitempty"`
	Capabilities []capability.Capability `yaml:"capabilities,omitempty"`

	// Spawn is an optional child-process command; when present the
	// gateway starts the participant itself and attaches it over stdio.
	Spawn []string `yaml:"spawn,omitempty"`
}

type GatewayConfig struct {
	Listen string `yaml:"listen"`
	Debug  bool   `yaml:"debug"`

	LogsDir        string `yaml:"logs_dir"`
	AuditMaxSizeMB int    `yaml:"audit_max_size_mb"`

	MaxEnvelopeBytes   int `yaml:"max_envelope_bytes"`
	DecodeFailureLimit int `yaml:"decode_failure_limit"`
	OutboundQueue      int `yaml:"outbound_queue"`
	DedupWindow        int `yaml:"dedup_window"`

	JoinTimeoutSeconds int `yaml:"join_timeout_seconds"`
	StreamIdleSeconds  int `yaml:"stream_idle_seconds"`
}

// Load reads a space configuration file, applies defaults and validates
// it. Capability patterns are compiled here so malformed patterns are a
// load-time error, never an enforcement-time surprise.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.baseDir = filepath.Dir(filename)

	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Default returns the built-in configuration used when no config file is
// available.
func Default() *Config {
	config := &Config{
		Space: "default",
	}
	config.applyDefaults()
	return config
}

func (c *Config) applyDefaults() {
	if c.Gateway.Listen == "" {
		c.Gateway.Listen = ":8080"
	}
	if c.Gateway.LogsDir == "" {
		c.Gateway.LogsDir = "logs"
	}
	if c.Gateway.AuditMaxSizeMB == 0 {
		c.Gateway.AuditMaxSizeMB = 64
	}
	if c.Gateway.MaxEnvelopeBytes == 0 {
		c.Gateway.MaxEnvelopeBytes = 1 << 20
	}
	if c.Gateway.DecodeFailureLimit == 0 {
		c.Gateway.DecodeFailureLimit = 8
	}
	if c.Gateway.OutboundQueue == 0 {
		c.Gateway.OutboundQueue = 256
	}
	if c.Gateway.DedupWindow == 0 {
		c.Gateway.DedupWindow = 128
	}
	if c.Gateway.JoinTimeoutSeconds == 0 {
		c.Gateway.JoinTimeoutSeconds = 15
	}
	if c.Gateway.StreamIdleSeconds == 0 {
		c.Gateway.StreamIdleSeconds = 60
	}
}

func (c *Config) validate() error {
	if c.Space == "" {
		return fmt.Errorf("space id is required")
	}

	seen := make(map[string]bool)
	for _, p := range c.Participants {
		if p.ID == "" {
			return fmt.Errorf("participant without id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate participant id %q", p.ID)
		}
		seen[p.ID] = true

		// Compile once to reject malformed patterns at load time.
		for i, cap := range p.Capabilities {
			if _, err := capability.Compile(cap); err != nil {
				return fmt.Errorf("participant %q capability %d: %w", p.ID, i, err)
			}
		}
	}

	if c.Gateway.MaxEnvelopeBytes < 0 {
		return fmt.Errorf("max_envelope_bytes cannot be negative: %d", c.Gateway.MaxEnvelopeBytes)
	}
	if c.Gateway.OutboundQueue < 1 {
		return fmt.Errorf("outbound_queue must be at least 1: %d", c.Gateway.OutboundQueue)
	}
	return nil
}

// LoadTokens returns the stored token table, merging the optional token
// file over inline participant tokens. Later sources win on conflict.
func (c *Config) LoadTokens() (map[string][]string, error) {
	tokens := make(map[string][]string)
	for _, p := range c.Participants {
		if len(p.Tokens) > 0 {
			tokens[p.ID] = append([]string(nil), p.Tokens...)
		}
	}

	if c.TokensFile == "" {
		return tokens, nil
	}

	path := c.TokensFile
	if !filepath.IsAbs(path) && c.baseDir != "" {
		path = filepath.Join(c.baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokens file %s: %w", path, err)
	}

	var stored map[string][]string
	if err := yaml.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to parse tokens file %s: %w", path, err)
	}
	for id, list := range stored {
		tokens[id] = append(tokens[id], list...)
	}
	return tokens, nil
}

// Participant looks up a participant definition by id.
func (c *Config) Participant(id string) (*ParticipantConfig, bool) {
	for i := range c.Participants {
		if c.Participants[i].ID == id {
			return &c.Participants[i], true
		}
	}
	return nil, false
}
