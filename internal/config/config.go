// Package config defines ollm configuration, loaded from ~/.ollm/config.json
// with environment-variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all ollm configuration.
type Config struct {
	// Core settings
	Name    string `json:"name"`
	Version string `json:"version"`

	// Provider configuration
	Provider ProviderConfig `json:"provider"`

	// Context window and compression
	ContextWindow ContextWindowConfig `json:"context_window"`

	// Snapshot persistence
	Snapshots SnapshotConfig `json:"snapshots"`

	// VRAM-aware context pool
	Pool PoolConfig `json:"pool"`

	// Reasoning trace retention
	Reasoning ReasoningConfig `json:"reasoning"`

	// Logging
	Logging LoggingConfig `json:"logging"`
}

// ProviderConfig configures the text-generation provider.
type ProviderConfig struct {
	Backend string `json:"backend"` // genai, ollama
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
	BaseURL string `json:"base_url"`
	Timeout string `json:"timeout"`
}

// ContextWindowConfig configures the context orchestration engine.
type ContextWindowConfig struct {
	// Maximum tokens for the context window (default: 8192)
	MaxTokens int `json:"max_tokens"`

	// Compression trigger: fraction of MaxTokens at which compression fires
	// (default: 0.80). ShouldCompress uses strict inequality against
	// MaxTokens*CompressionThreshold.
	CompressionThreshold float64 `json:"compression_threshold"`

	// Tokens of recent messages preserved verbatim by truncate/hybrid
	// strategies (default: 1024)
	PreserveRecentTokens int `json:"preserve_recent_tokens"`

	// Minimum fraction of original tokens the truncate strategy must keep
	// (default: 0.30). Enforced unconditionally.
	MinPreservationRatio float64 `json:"min_preservation_ratio"`

	// Cooldown after an auto-summary before another threshold crossing may
	// trigger again (default: "5s"). Tuned, not load-bearing.
	CompressionCooldown string `json:"compression_cooldown"`

	// Model parameter count in billions, used for reliability scoring
	// (default: 8.0)
	ModelParamsB float64 `json:"model_params_b"`
}

// SnapshotConfig configures durable context snapshots.
type SnapshotConfig struct {
	// Base directory; empty means ~/.ollm/context-snapshots
	BaseDir string `json:"base_dir"`

	// AutoCreate enables proactive snapshot+summary at AutoThreshold
	AutoCreate bool `json:"auto_create"`

	// AutoThreshold is the usage fraction that triggers an auto snapshot
	// (default: 0.85)
	AutoThreshold float64 `json:"auto_threshold"`

	// MaxSnapshots retained per session; oldest deleted first (default: 10)
	MaxSnapshots int `json:"max_snapshots"`
}

// PoolConfig configures VRAM-aware dynamic context sizing.
type PoolConfig struct {
	// AutoSize enables VRAM-derived sizing; when false the clamped
	// TargetSize is used unconditionally.
	AutoSize bool `json:"auto_size"`

	// TargetSize is the configured context size when auto-sizing is off.
	TargetSize int `json:"target_size"`

	MinContextSize int `json:"min_context_size"`
	MaxContextSize int `json:"max_context_size"`

	// Quantization of the KV cache: f16, q8_0, q4_0
	KVQuantization string `json:"kv_quantization"`

	// VRAM held back from the sizing calculation, in bytes
	ReserveBufferBytes int64 `json:"reserve_buffer_bytes"`

	// Per-parameter multiplier applied to the quantization bytes-per-value.
	// Tuned, not load-bearing.
	BytesPerTokenScale float64 `json:"bytes_per_token_scale"`

	// Bounded wait for in-flight requests to drain before a resize
	// proceeds anyway (default: "30s")
	ResizeDrainTimeout string `json:"resize_drain_timeout"`
}

// ReasoningConfig configures thinking-trace retention.
type ReasoningConfig struct {
	// MaxRecentTraces kept verbatim (default: 5)
	MaxRecentTraces int `json:"max_recent_traces"`

	// MaxArchivedTraces kept as summaries; oldest dropped beyond this
	// (default: 50)
	MaxArchivedTraces int `json:"max_archived_traces"`
}

// LoggingConfig configures categorized debug logging.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories"`
	Level      string          `json:"level"`
}

// Default returns a configuration with sensible defaults for local models.
func Default() Config {
	return Config{
		Name:    "ollm",
		Version: "1.0.0",
		Provider: ProviderConfig{
			Backend: "genai",
			Model:   "gemini-2.0-flash",
			Timeout: "60s",
		},
		ContextWindow: ContextWindowConfig{
			MaxTokens:            8192,
			CompressionThreshold: 0.80,
			PreserveRecentTokens: 1024,
			MinPreservationRatio: 0.30,
			CompressionCooldown:  "5s",
			ModelParamsB:         8.0,
		},
		Snapshots: SnapshotConfig{
			AutoCreate:    true,
			AutoThreshold: 0.85,
			MaxSnapshots:  10,
		},
		Pool: PoolConfig{
			AutoSize:           true,
			TargetSize:         8192,
			MinContextSize:     2048,
			MaxContextSize:     131072,
			KVQuantization:     "f16",
			ReserveBufferBytes: 512 * 1024 * 1024,
			BytesPerTokenScale: 1.0,
			ResizeDrainTimeout: "30s",
		},
		Reasoning: ReasoningConfig{
			MaxRecentTraces:   5,
			MaxArchivedTraces: 50,
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// BaseDir returns the ollm dot directory (~/.ollm), creating nothing.
func BaseDir() (string, error) {
	if dir := os.Getenv("OLLM_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".ollm"), nil
}

// Path returns the config file path under the given base directory.
func Path(base string) string {
	return filepath.Join(base, "config.json")
}

// Load reads config.json from the base directory, applies defaults for
// missing sections, then applies environment overrides. A missing file is
// not an error; defaults are returned.
func Load(base string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(Path(base))
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return cfg, cfg.Validate()
}

// Save writes the config to config.json under the base directory.
func Save(base string, cfg Config) error {
	if err := os.MkdirAll(base, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(Path(base), data, 0644)
}

// Validate rejects configurations that would break the engine's invariants.
func (c Config) Validate() error {
	if c.ContextWindow.MaxTokens <= 0 {
		return fmt.Errorf("context_window.max_tokens must be positive, got %d", c.ContextWindow.MaxTokens)
	}
	if c.ContextWindow.CompressionThreshold <= 0 || c.ContextWindow.CompressionThreshold > 1 {
		return fmt.Errorf("context_window.compression_threshold must be in (0,1], got %v", c.ContextWindow.CompressionThreshold)
	}
	if c.ContextWindow.MinPreservationRatio < 0 || c.ContextWindow.MinPreservationRatio > 1 {
		return fmt.Errorf("context_window.min_preservation_ratio must be in [0,1], got %v", c.ContextWindow.MinPreservationRatio)
	}
	if c.Pool.MinContextSize <= 0 || c.Pool.MaxContextSize < c.Pool.MinContextSize {
		return fmt.Errorf("pool context size bounds invalid: min=%d max=%d", c.Pool.MinContextSize, c.Pool.MaxContextSize)
	}
	if c.Snapshots.MaxSnapshots < 1 {
		return fmt.Errorf("snapshots.max_snapshots must be >= 1, got %d", c.Snapshots.MaxSnapshots)
	}
	return nil
}

// applyEnvOverrides applies OLLM_* environment variables over the loaded
// config. Only a handful of operationally useful knobs are exposed.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OLLM_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("OLLM_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("OLLM_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ContextWindow.MaxTokens = n
		}
	}
	if v := os.Getenv("OLLM_COMPRESSION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			cfg.ContextWindow.CompressionThreshold = f
		}
	}
	if v := os.Getenv("OLLM_DEBUG"); v == "1" || v == "true" {
		cfg.Logging.DebugMode = true
		cfg.Logging.Level = "debug"
	}
}
