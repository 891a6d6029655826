// Package config loads the bpfvm configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log/level"
	"gopkg.in/yaml.v3"

	"github.com/fortiblox/bpfvm/pkg/programstore"
	"github.com/fortiblox/bpfvm/pkg/server"
	"github.com/fortiblox/bpfvm/pkg/vm"
)

// ErrConfigInvalid is returned by Validate.
var ErrConfigInvalid = errors.New("invalid configuration")

// Config is the top-level configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	VM     VMConfig     `yaml:"vm"`
	Store  StoreConfig  `yaml:"store"`
	Server ServerConfig `yaml:"server"`
}

// VMConfig configures every VM created by the tools.
type VMConfig struct {
	// StackSize is the per-execution stack in bytes.
	StackSize int `yaml:"stack_size"`

	// InstructionLimit bounds a single execution. Zero disables the limit.
	InstructionLimit uint64 `yaml:"instruction_limit"`
}

// StoreConfig selects the program store.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	NoSync  bool   `yaml:"no_sync"`
}

// ServerConfig configures the gRPC server.
type ServerConfig struct {
	// Address is the gRPC listen address.
	Address string `yaml:"address"`

	// MetricsAddress serves Prometheus metrics over HTTP. Empty disables it.
	MetricsAddress string `yaml:"metrics_address"`

	CacheSize      int `yaml:"cache_size"`
	MaxMessageSize int `yaml:"max_message_size"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	srv := server.DefaultConfig()
	return Config{
		LogLevel: "info",
		VM: VMConfig{
			StackSize:        vm.DefaultStackSize,
			InstructionLimit: vm.DefaultInstructionLimit,
		},
		Store: StoreConfig{
			Backend: programstore.BackendBolt,
			Path:    "./data/programs.db",
		},
		Server: ServerConfig{
			Address:        ":9400",
			MetricsAddress: ":9401",
			CacheSize:      srv.CacheSize,
			MaxMessageSize: srv.MaxMessageSize,
		},
	}
}

// Load reads a YAML file over the defaults. Environment variables written
// as ${VAR} are expanded before parsing.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := Parse([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown fields, and validates it.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return cfg.Validate()
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.Store.Backend {
	case programstore.BackendBolt, programstore.BackendBadger:
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store path is required for the %s backend", ErrConfigInvalid, c.Store.Backend)
		}
	case programstore.BackendMemory:
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrConfigInvalid, c.Store.Backend)
	}
	if c.VM.StackSize <= 0 || c.VM.StackSize%8 != 0 {
		return fmt.Errorf("%w: stack size must be a positive multiple of 8, got %d", ErrConfigInvalid, c.VM.StackSize)
	}
	if c.Server.CacheSize <= 0 {
		return fmt.Errorf("%w: cache size must be positive", ErrConfigInvalid)
	}
	return nil
}

// Level returns the go-kit level filter for LogLevel.
func (c *Config) Level() (level.Option, error) {
	switch c.LogLevel {
	case "debug":
		return level.AllowDebug(), nil
	case "info", "":
		return level.AllowInfo(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	default:
		return nil, fmt.Errorf("%w: unknown log level %q", ErrConfigInvalid, c.LogLevel)
	}
}

// ProgramStore converts the store section for programstore.Open.
func (c *Config) ProgramStore() programstore.Config {
	sc := programstore.DefaultConfig(c.Store.Path)
	sc.Backend = c.Store.Backend
	sc.NoSync = c.Store.NoSync
	return sc
}

// GRPCServer converts the server and VM sections for server.New.
func (c *Config) GRPCServer() server.Config {
	return server.Config{
		CacheSize:        c.Server.CacheSize,
		MaxMessageSize:   c.Server.MaxMessageSize,
		StackSize:        c.VM.StackSize,
		InstructionLimit: c.VM.InstructionLimit,
	}
}

// VMOptions returns the options for creating a VM.
func (c *Config) VMOptions() []vm.Option {
	return []vm.Option{
		vm.WithStackSize(c.VM.StackSize),
		vm.WithInstructionLimit(c.VM.InstructionLimit),
	}
}
