// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Engine configuration: yaml file schema, defaults, and validation.
// Config is immutable once the engine is constructed; runtime control
// goes through the cancellation registry and metrics instead.

package control

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
)

// ModelConfig locates the model and selects its attention mechanism.
type ModelConfig struct {
	Path      string `yaml:"path"`
	Attention string `yaml:"attention"`
}

// PoolConfig sizes the KV-cache page pool.
type PoolConfig struct {
	Pages   int `yaml:"pages"`
	Heads   int `yaml:"heads"`
	HeadDim int `yaml:"head_dim"`
}

// SchedulerConfig bounds batching and enables optional behaviors.
type SchedulerConfig struct {
	MaxSeqs           int  `yaml:"max_seqs"`
	MaxTokensPerBatch int  `yaml:"max_tokens_per_batch"`
	Preempt           bool `yaml:"preempt"`
	PinCPU            int  `yaml:"pin_cpu"`
}

// IPCConfig names the shared-memory segments. Empty fields fall back to
// the transport defaults.
type IPCConfig struct {
	Directory     string `yaml:"directory"`
	RequestQueue  string `yaml:"request_queue"`
	ResponseQueue string `yaml:"response_queue"`
	Bulk          string `yaml:"bulk"`
	BulkSize      int64  `yaml:"bulk_size"`
}

// LogConfig selects the slog level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Config is the full engine configuration.
type Config struct {
	Model        ModelConfig     `yaml:"model"`
	Pool         PoolConfig      `yaml:"pool"`
	Scheduler    SchedulerConfig `yaml:"scheduler"`
	IPC          IPCConfig       `yaml:"ipc"`
	EmitLogprobs bool            `yaml:"emit_logprobs"`
	Log          LogConfig       `yaml:"log"`
}

// Default returns the configuration used when no file or flag overrides
// a value.
func Default() Config {
	return Config{
		Model: ModelConfig{
			Attention: "standard",
		},
		Pool: PoolConfig{
			Pages:   8192,
			Heads:   8,
			HeadDim: 128,
		},
		Scheduler: SchedulerConfig{
			MaxSeqs:           256,
			MaxTokensPerBatch: 4096,
			PinCPU:            -1,
		},
		EmitLogprobs: true,
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a yaml config file and merges it over the defaults. Fields
// absent from the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Pool.Pages <= 0 {
		return fmt.Errorf("%w: pool.pages %d", api.ErrInvalidArgument, c.Pool.Pages)
	}
	if c.Pool.Heads <= 0 || c.Pool.HeadDim <= 0 {
		return fmt.Errorf("%w: pool geometry %dx%d", api.ErrInvalidArgument, c.Pool.Heads, c.Pool.HeadDim)
	}
	if c.Scheduler.MaxSeqs <= 0 {
		return fmt.Errorf("%w: scheduler.max_seqs %d", api.ErrInvalidArgument, c.Scheduler.MaxSeqs)
	}
	if c.Scheduler.MaxTokensPerBatch <= 0 {
		return fmt.Errorf("%w: scheduler.max_tokens_per_batch %d", api.ErrInvalidArgument, c.Scheduler.MaxTokensPerBatch)
	}
	if c.Scheduler.PinCPU < -1 {
		return fmt.Errorf("%w: scheduler.pin_cpu %d", api.ErrInvalidArgument, c.Scheduler.PinCPU)
	}
	if c.IPC.BulkSize < 0 {
		return fmt.Errorf("%w: ipc.bulk_size %d", api.ErrInvalidArgument, c.IPC.BulkSize)
	}
	if _, err := api.ParseAttentionKind(c.Model.Attention); err != nil {
		return err
	}
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ParseLogLevel maps a config/CLI spelling to its slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: log level %q", api.ErrInvalidArgument, s)
	}
}
