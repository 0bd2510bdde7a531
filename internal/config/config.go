// Package config loads siomulectl run configuration from YAML or TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"example.com/siomule/internal/common"
	"example.com/siomule/internal/engine"
	"example.com/siomule/internal/instrument"
)

const (
	DefaultBatchSize     = 64
	DefaultReadChunkSize = engine.DefaultChunkSize
)

// Config is a decode run configuration.
type Config struct {
	Mode          string           `yaml:"mode" toml:"mode"`
	Family        string           `yaml:"family" toml:"family"`
	StateStore    string           `yaml:"stateStore" toml:"stateStore"`
	OutputDir     string           `yaml:"outputDir" toml:"outputDir"`
	BatchSize     int              `yaml:"batchSize" toml:"batchSize"`
	Concurrency   int              `yaml:"concurrency" toml:"concurrency"`
	ReadChunkSize int              `yaml:"readChunkSize" toml:"readChunkSize"`
	Logs          common.LogConfig `yaml:"logs" toml:"logs"`
}

// Default returns the configuration used without a config file.
func Default() Config {
	var cfg Config
	cfg.applyDefaults("")
	return cfg
}

// Load reads path (.yaml, .yml or .toml), applies defaults and validates.
// Relative paths resolve against the config file's directory.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("config %s: unsupported extension", path)
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults(baseDir string) {
	resolvePath := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" {
			return ""
		}
		if filepath.IsAbs(p) || baseDir == "" {
			return filepath.Clean(p)
		}
		return filepath.Clean(filepath.Join(baseDir, p))
	}
	if cfg.Mode == "" {
		cfg.Mode = engine.Recovered.String()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.NumCPU()
	}
	if cfg.ReadChunkSize <= 0 {
		cfg.ReadChunkSize = DefaultReadChunkSize
	}
	cfg.OutputDir = resolvePath(cfg.OutputDir)
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(".", "out")
	}
	cfg.StateStore = resolvePath(cfg.StateStore)
	if cfg.StateStore == "" {
		cfg.StateStore = filepath.Join(cfg.OutputDir, "state.db")
	}
	cfg.Logs.Directory = resolvePath(cfg.Logs.Directory)
	if cfg.Logs.MaxSizeMB <= 0 {
		cfg.Logs.MaxSizeMB = 25
	}
	if cfg.Logs.MaxAgeDays <= 0 {
		cfg.Logs.MaxAgeDays = 7
	}
	if cfg.Logs.MaxBackups <= 0 {
		cfg.Logs.MaxBackups = 5
	}
}

// Validate reports every invalid field.
func (cfg Config) Validate() error {
	var errs error
	if _, err := engine.ParseMode(cfg.Mode); err != nil {
		errs = multierr.Append(errs, err)
	}
	if cfg.Family != "" {
		if _, err := instrument.ParseFamily(cfg.Family); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if _, err := common.ParseLevel(cfg.Logs.Level); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// EngineMode returns the parsed mode.
func (cfg Config) EngineMode() engine.Mode {
	m, _ := engine.ParseMode(cfg.Mode)
	return m
}
