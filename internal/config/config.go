// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"firestige.xyz/pktforge/internal/core"
)

// Module loading modes.
const (
	ModeStatic  = "static"
	ModeDynamic = "dynamic"
)

// Dispatch strategy names.
const (
	DispatchFlowHash       = "flow-hash"
	DispatchRoundRobin     = "round-robin"
	DispatchConsistentHash = "consistent-hash"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `pktforge:` root key in YAML.
type GlobalConfig struct {
	Log      LogConfig      `mapstructure:"log"`
	Modules  ModulesConfig  `mapstructure:"modules"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ─── Modules ───

// ModulesConfig controls where modules come from and which are loaded at
// startup.
type ModulesConfig struct {
	Path    string          `mapstructure:"path"` // semicolon-separated glob patterns
	Mode    string          `mapstructure:"mode"` // static | dynamic
	Preload []PreloadConfig `mapstructure:"preload"`
}

// PreloadConfig names a module loaded at startup.
// Args may be a list or a single space-separated string.
type PreloadConfig struct {
	Name string   `mapstructure:"name"`
	Args []string `mapstructure:"args"`
}

// ─── Pipeline ───

// PipelineConfig configures packet processing.
type PipelineConfig struct {
	Workers         int              `mapstructure:"workers"`
	QueueSize       int              `mapstructure:"queue_size"`
	Dispatch        string           `mapstructure:"dispatch"` // flow-hash | round-robin | consistent-hash
	Filter          []BPFInstruction `mapstructure:"filter"`
	VerifyChecksum  bool             `mapstructure:"verify_checksum"`
	ShutdownTimeout time.Duration    `mapstructure:"shutdown_timeout"`
	StatsInterval   time.Duration    `mapstructure:"stats_interval"` // 0 disables periodic stats logging
}

// BPFInstruction is one raw classic BPF instruction, as printed by
// `tcpdump -dd`.
type BPFInstruction struct {
	Op uint16 `mapstructure:"op"`
	Jt uint8  `mapstructure:"jt"`
	Jf uint8  `mapstructure:"jf"`
	K  uint32 `mapstructure:"k"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`  // MB
	MaxAgeDays int  `mapstructure:"max_age_days"` // Days
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `pktforge: ...`.
type configRoot struct {
	Pktforge GlobalConfig `mapstructure:"pktforge"`
}

// Load loads configuration from file.
// The YAML file uses `pktforge:` as root key; env vars use the PKTFORGE_ prefix
// (e.g., PKTFORGE_LOG_LEVEL). An empty path loads defaults and env only.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `pktforge.` key prefix maps to `PKTFORGE_` via the key replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Pktforge

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(" "),
	)
}

// setDefaults sets default values for configuration.
// All keys use the "pktforge." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("pktforge.log.level", "info")
	v.SetDefault("pktforge.log.format", "text")
	v.SetDefault("pktforge.log.outputs.file.enabled", false)
	v.SetDefault("pktforge.log.outputs.file.path", "/var/log/pktforge/pktforge.log")
	v.SetDefault("pktforge.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("pktforge.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("pktforge.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("pktforge.log.outputs.file.rotation.compress", true)

	// Module defaults
	v.SetDefault("pktforge.modules.mode", ModeStatic)
	v.SetDefault("pktforge.modules.path", "builtin/*")

	// Pipeline defaults
	v.SetDefault("pktforge.pipeline.workers", 4)
	v.SetDefault("pktforge.pipeline.queue_size", 1024)
	v.SetDefault("pktforge.pipeline.dispatch", DispatchFlowHash)
	v.SetDefault("pktforge.pipeline.verify_checksum", false)
	v.SetDefault("pktforge.pipeline.shutdown_timeout", "5s")
	v.SetDefault("pktforge.pipeline.stats_interval", "10s")

	// Metrics defaults
	v.SetDefault("pktforge.metrics.enabled", false)
	v.SetDefault("pktforge.metrics.listen", ":9091")
	v.SetDefault("pktforge.metrics.path", "/metrics")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
// Failures wrap core.ErrConfigInvalid.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: invalid log format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("%w: log.outputs.file.path is required when file output is enabled", core.ErrConfigInvalid)
	}

	// ── Module validation ──
	if cfg.Modules.Mode != ModeStatic && cfg.Modules.Mode != ModeDynamic {
		return fmt.Errorf("%w: invalid modules.mode: %s (must be static/dynamic)", core.ErrConfigInvalid, cfg.Modules.Mode)
	}
	if strings.TrimSpace(cfg.Modules.Path) == "" {
		return fmt.Errorf("%w: modules.path is required", core.ErrConfigInvalid)
	}
	seen := make(map[string]bool, len(cfg.Modules.Preload))
	for i, p := range cfg.Modules.Preload {
		if p.Name == "" {
			return fmt.Errorf("%w: modules.preload[%d].name is required", core.ErrConfigInvalid, i)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: module %s preloaded twice", core.ErrConfigInvalid, p.Name)
		}
		seen[p.Name] = true
	}

	// ── Pipeline validation ──
	if cfg.Pipeline.Workers <= 0 {
		return fmt.Errorf("%w: pipeline.workers must be positive, got %d", core.ErrConfigInvalid, cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("%w: pipeline.queue_size must be positive, got %d", core.ErrConfigInvalid, cfg.Pipeline.QueueSize)
	}
	switch cfg.Pipeline.Dispatch {
	case DispatchFlowHash, DispatchRoundRobin, DispatchConsistentHash:
	case "":
		cfg.Pipeline.Dispatch = DispatchFlowHash
	default:
		return fmt.Errorf("%w: unsupported pipeline.dispatch: %s", core.ErrConfigInvalid, cfg.Pipeline.Dispatch)
	}
	if cfg.Pipeline.ShutdownTimeout <= 0 {
		cfg.Pipeline.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Pipeline.StatsInterval < 0 {
		return fmt.Errorf("%w: pipeline.stats_interval must not be negative", core.ErrConfigInvalid)
	}

	// ── Metrics validation ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("%w: metrics.listen is required when metrics.enabled=true", core.ErrConfigInvalid)
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	return nil
}
