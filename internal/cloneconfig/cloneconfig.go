// Package cloneconfig loads optional persisted user defaults for the
// clone CLI, following internal/disk/dmg.go's LoadDMGConfig pattern:
// a named config file searched across a handful of conventional paths,
// environment variable overrides, and defaults that are always present
// even when no file exists. CLI flags always take precedence over these
// values; see cmd/btrfsclone.
package cloneconfig

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds persisted user defaults for the clone tool.
type Config struct {
	Strategy          string `mapstructure:"strategy"`
	ToplevelPromote   bool   `mapstructure:"toplevel_promote"`
	LogCompressLevel  int    `mapstructure:"log_compresslevel"`
	IgnoreErrors      bool   `mapstructure:"ignore_errors"`
	ForceAbortSeconds int    `mapstructure:"force_abort_seconds"`
}

// Load reads btrfsclone.yaml from the conventional search paths,
// tolerating a missing file, and returns the resulting Config.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("btrfsclone")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/btrfsclone")
	v.AddConfigPath("/etc/btrfsclone")

	v.SetDefault("strategy", "generation")
	v.SetDefault("toplevel_promote", true)
	v.SetDefault("log_compresslevel", 6)
	v.SetDefault("ignore_errors", false)
	v.SetDefault("force_abort_seconds", 10)

	v.SetEnvPrefix("BTRFSCLONE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}
