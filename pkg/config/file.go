// Package config loads zpayd settings from flags, environment and config files.
package config

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultEnvPrefix maps --proverURL to ZPAY_PROVERURL.
const DefaultEnvPrefix = "ZPAY"

// ConfigOptions is used to configure the loading of config parameters by zpayd commands.
type ConfigOptions struct {
	// FilePath is the config file to load, of any type viper supports (.yaml, .json, .toml).
	// Empty means flags and environment only.
	FilePath string

	// EnvPrefix is prepended to environment variables overriding config file settings.
	EnvPrefix string
}

// InitFileConfig initializes configuration according to the following precedence:
// 1. Command line flags
// 2. Environment variables
// 3. Config file
// 4. Cobra default values
func InitFileConfig(cmd *cobra.Command, options ConfigOptions) error {
	v := viper.New()

	if options.FilePath != "" {
		v.SetConfigFile(options.FilePath)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", options.FilePath, err)
		}
	}

	if options.EnvPrefix == "" {
		options.EnvPrefix = DefaultEnvPrefix
	}
	v.SetEnvPrefix(options.EnvPrefix)
	v.AutomaticEnv()

	return bindFlags(cmd, v)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if bindErr != nil || f.Changed || !v.IsSet(f.Name) {
			return
		}
		if err := cmd.Flags().Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); err != nil {
			bindErr = fmt.Errorf("failed to bind flag %s: %w", f.Name, err)
		}
	})
	return bindErr
}
