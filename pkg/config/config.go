// Package config resolves runtime configuration from a YAML file, then
// environment variables, then hard-coded defaults, per the resolution
// order "config file -> environment variable -> hard-coded default".
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/r3e-network/execfabric/pkg/logger"
)

// LedgerConfig controls the session ledger's bounded history.
type LedgerConfig struct {
	MaxHistoryPerNode int `json:"max_history_per_node" yaml:"max_history_per_node" env:"LEDGER_MAX_HISTORY"`
}

// MatrixConfig controls the execution matrix's buffer sizes.
type MatrixConfig struct {
	BufferCapacity int `json:"buffer_capacity" yaml:"buffer_capacity" env:"MATRIX_BUFFER_CAPACITY"`
}

// StagingConfig controls the admission pipeline.
type StagingConfig struct {
	SnippetsDir   string `json:"snippets_dir" yaml:"snippets_dir" env:"STAGING_SNIPPETS_DIR"`
	AuditLogPath  string `json:"audit_log_path" yaml:"audit_log_path" env:"STAGING_AUDIT_LOG_PATH"`
	HistoryLimit  int    `json:"history_limit" yaml:"history_limit" env:"STAGING_HISTORY_LIMIT"`
}

// TokenConfig controls the marshal token registry.
type TokenConfig struct {
	DefaultTTLSeconds int    `json:"default_ttl_seconds" yaml:"default_ttl_seconds" env:"TOKEN_DEFAULT_TTL_SECONDS"`
	SigningKey        string `json:"signing_key" yaml:"signing_key" env:"TOKEN_SIGNING_KEY"`
}

// PersistenceConfig controls the checkpoint/restore layer.
type PersistenceConfig struct {
	CheckpointPath    string `json:"checkpoint_path" yaml:"checkpoint_path" env:"CHECKPOINT_PATH"`
	DebounceMillis    int    `json:"debounce_millis" yaml:"debounce_millis" env:"CHECKPOINT_DEBOUNCE_MILLIS"`
	SafetyNetInterval int    `json:"safety_net_interval_minutes" yaml:"safety_net_interval_minutes" env:"CHECKPOINT_SAFETY_NET_MINUTES"`
}

// MeshConfig controls the optional peer relay.
type MeshConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled" env:"MESH_ENABLED"`
	ListenAddr      string `json:"listen_addr" yaml:"listen_addr" env:"MESH_LISTEN_ADDR"`
	HeartbeatPeriod int    `json:"heartbeat_period_seconds" yaml:"heartbeat_period_seconds" env:"MESH_HEARTBEAT_SECONDS"`
	HTTPTimeout     int    `json:"http_timeout_seconds" yaml:"http_timeout_seconds" env:"MESH_HTTP_TIMEOUT_SECONDS"`
	MaxPeers        int    `json:"max_peers" yaml:"max_peers" env:"MESH_MAX_PEERS"`
}

// LoggingConfig mirrors pkg/logger.LoggingConfig for YAML/env decoding.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// ToLoggerConfig adapts to the logger package's config shape.
func (l LoggingConfig) ToLoggerConfig() logger.LoggingConfig {
	return logger.LoggingConfig{Level: l.Level, Format: l.Format, Output: l.Output, FilePrefix: l.FilePrefix}
}

// Config is the top-level configuration structure.
type Config struct {
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
	Ledger      LedgerConfig      `json:"ledger" yaml:"ledger"`
	Matrix      MatrixConfig      `json:"matrix" yaml:"matrix"`
	Staging     StagingConfig     `json:"staging" yaml:"staging"`
	Token       TokenConfig       `json:"token" yaml:"token"`
	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`
	Mesh        MeshConfig        `json:"mesh" yaml:"mesh"`
}

// New returns a configuration populated with hard-coded defaults.
func New() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout", FilePrefix: "execfabric"},
		Ledger:  LedgerConfig{MaxHistoryPerNode: 50},
		Matrix:  MatrixConfig{BufferCapacity: 256},
		Staging: StagingConfig{
			SnippetsDir:  "data/snippets",
			AuditLogPath: "data/audit.jsonl",
			HistoryLimit: 1000,
		},
		Token: TokenConfig{DefaultTTLSeconds: 3600},
		Persistence: PersistenceConfig{
			CheckpointPath:    "data/checkpoint.json",
			DebounceMillis:    1000,
			SafetyNetInterval: 5,
		},
		Mesh: MeshConfig{
			Enabled:         false,
			ListenAddr:      ":8090",
			HeartbeatPeriod: 30,
			HTTPTimeout:     5,
			MaxPeers:        10,
		},
	}
}

// Load loads configuration in ascending precedence: hard-coded defaults,
// then environment variables, then the config file, so a value present in
// the file wins over its environment counterpart.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// LoadConfig loads a JSON config file over the hard-coded defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
