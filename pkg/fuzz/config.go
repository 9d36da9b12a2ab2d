package fuzz

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by Config.Backend.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// Config controls a fuzz run.
type Config struct {
	// Iterations is the number of Iterate rounds.
	Iterations int `mapstructure:"iterations"`

	// FlowsPerIteration is the number of flows executed per round.
	FlowsPerIteration int `mapstructure:"flows_per_iteration"`

	// Seed drives every random choice of the run. Two runs of the same
	// suite with the same seed produce the same ledger.
	Seed uint64 `mapstructure:"seed"`

	// MaxDuration stops the run between flows once exceeded. Zero means no
	// limit.
	MaxDuration time.Duration `mapstructure:"max_duration"`

	// StopOnViolation ends the run after the first invariant violation.
	StopOnViolation bool `mapstructure:"stop_on_violation"`

	// Backend selects the ledger account store: "memory" or "badger".
	Backend string `mapstructure:"backend"`

	// BadgerPath is the on-disk directory for the badger backend. Empty
	// keeps badger in memory.
	BadgerPath string `mapstructure:"badger_path"`
}

// DefaultConfig returns the default configuration: 1000 iterations of 100
// flows on the in-memory backend.
func DefaultConfig() Config {
	return Config{
		Iterations:        1000,
		FlowsPerIteration: 100,
		Backend:           BackendMemory,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Iterations < 0 {
		errs = append(errs, fmt.Errorf("iterations must be >= 0, got %d", c.Iterations))
	}
	if c.FlowsPerIteration < 1 {
		errs = append(errs, fmt.Errorf("flows_per_iteration must be >= 1, got %d", c.FlowsPerIteration))
	}
	if c.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("max_duration must be >= 0, got %s", c.MaxDuration))
	}
	switch c.Backend {
	case BackendMemory, BackendBadger, "":
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	return errors.Join(errs...)
}

// EnvPrefix is the prefix of environment overrides, e.g. LEDGERFUZZ_SEED.
const EnvPrefix = "LEDGERFUZZ"

// LoadConfig reads configuration from path (YAML, TOML or JSON by
// extension) over DefaultConfig, then applies LEDGERFUZZ_* environment
// overrides. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	def := DefaultConfig()
	v.SetDefault("iterations", def.Iterations)
	v.SetDefault("flows_per_iteration", def.FlowsPerIteration)
	v.SetDefault("seed", def.Seed)
	v.SetDefault("max_duration", def.MaxDuration)
	v.SetDefault("stop_on_violation", def.StopOnViolation)
	v.SetDefault("backend", def.Backend)
	v.SetDefault("badger_path", def.BadgerPath)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
