// Package config loads ffiutil settings from FFIUTIL_* environment variables.
package config

import (
	"fmt"

	"github.com/caffeineduck/ffiutil/buffer"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment variable name.
const Prefix = "FFIUTIL"

// Config holds all library configuration.
type Config struct {
	Log    LogConfig
	Buffer BufferConfig
	Async  AsyncConfig
	Wasm   WasmConfig
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info"`
	Development bool   `envconfig:"DEV" default:"false"`
}

// BufferConfig holds marshaling configuration.
type BufferConfig struct {
	TextMode string `envconfig:"TEXT_MODE" default:"nul"`
	Ledger   bool   `envconfig:"LEDGER" default:"true"`
}

// AsyncConfig bounds asynchronous work.
type AsyncConfig struct {
	MaxInFlight int `envconfig:"MAX_INFLIGHT" default:"64"`
}

// WasmConfig holds WebAssembly runtime configuration.
type WasmConfig struct {
	ArenaPages  uint32 `envconfig:"ARENA_PAGES" default:"16"`
	MemoryPages uint32 `envconfig:"MEMORY_PAGES" default:"256"`
	CacheDir    string `envconfig:"CACHE_DIR"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Buffer: BufferConfig{
			TextMode: "nul",
			Ledger:   true,
		},
		Async: AsyncConfig{
			MaxInFlight: 64,
		},
		Wasm: WasmConfig{
			ArenaPages:  16,
			MemoryPages: 256,
		},
	}
}

// Validate reports settings that parse but cannot be used.
func (c *Config) Validate() error {
	if _, err := c.TextMode(); err != nil {
		return err
	}
	if c.Async.MaxInFlight < 1 {
		return fmt.Errorf("async max in-flight must be positive, got %d", c.Async.MaxInFlight)
	}
	if c.Wasm.ArenaPages == 0 {
		return fmt.Errorf("wasm arena must be at least one page")
	}
	if c.Wasm.MemoryPages != 0 && c.Wasm.MemoryPages < c.Wasm.ArenaPages {
		return fmt.Errorf("wasm memory limit (%d pages) is smaller than the arena (%d pages)",
			c.Wasm.MemoryPages, c.Wasm.ArenaPages)
	}
	return nil
}

// TextMode returns the parsed text mode.
func (c *Config) TextMode() (buffer.TextMode, error) {
	return buffer.ParseTextMode(c.Buffer.TextMode)
}
