// Package kconfig loads the node configuration.
package kconfig

import (
	"fmt"
	"strings"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/spf13/viper"
)

// Config is the node configuration surface.
type Config struct {
	// Moniker is a human-readable node name; generated if empty.
	Moniker string `mapstructure:"moniker"`

	// ConsensusType selects the agreement rule:
	// "builtin" or "external_arbiter".
	ConsensusType string `mapstructure:"consensus_type"`

	// ArbiterHosts is the ZooKeeper connection string,
	// required for the external arbiter.
	ArbiterHosts string `mapstructure:"arbiter_hosts"`

	// ValidationSeed is the hex-encoded ed25519 seed of the validation
	// key; empty runs the node monitoring-only.
	ValidationSeed string `mapstructure:"validation_seed"`

	// HTTPListen is the status API listen address; empty disables it.
	HTTPListen string `mapstructure:"http_listen"`

	// DBPath is the ledger store path; ":memory:" keeps it ephemeral.
	DBPath string `mapstructure:"db_path"`

	// Timing overrides; zero keeps the protocol defaults.
	MinConsensusMS  int `mapstructure:"min_consensus_ms"`
	IdleIntervalSec int `mapstructure:"ledger_idle_interval_sec"`
	ConvergePct     int `mapstructure:"converge_pct"`
}

// Load reads configuration from the given file (optional),
// the environment (KEEL_ prefix), and defaults.
func Load(path string) (Config, error) {
	v := viper.New()

	// Every key gets a default so environment overrides bind.
	v.SetDefault("moniker", "")
	v.SetDefault("consensus_type", "builtin")
	v.SetDefault("arbiter_hosts", "")
	v.SetDefault("validation_seed", "")
	v.SetDefault("http_listen", "")
	v.SetDefault("db_path", ":memory:")
	v.SetDefault("min_consensus_ms", 0)
	v.SetDefault("ledger_idle_interval_sec", 0)
	v.SetDefault("converge_pct", 0)

	v.SetEnvPrefix("KEEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Moniker == "" {
		cfg.Moniker = petname.Generate(2, "-")
	}

	return cfg, nil
}
