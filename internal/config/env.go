package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/majo/systemset/internal/account"
)

// Keys resolved from flags and the environment. Flag names match the keys.
const (
	KeyConfig   = "config"
	KeySource   = "source"
	KeyPrefix   = "prefix"
	KeyUser     = "user"
	KeyPlatform = "platform"
	KeySymlink  = "symlink"
	KeyDryRun   = "dry-run"
)

// envBindings lists the environment variables for each key, highest
// precedence first.
var envBindings = map[string][]string{
	KeyConfig:   {"SYSTEMSET_CONFIG"},
	KeySource:   {"SYSTEMSET_SOURCE"},
	KeyPrefix:   {"SYSTEMSET_PREFIX", "PREFIX"},
	KeyUser:     {"SYSTEMSET_USER"},
	KeyPlatform: {"SYSTEMSET_PLATFORM"},
}

// NewViper returns a viper instance bound to flags and the environment.
// Flags that were not changed on the command line do not override the
// environment or the config file.
func NewViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()

	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("failed to bind environment for %s: %w", key, err)
		}
	}

	if flags != nil {
		for _, key := range []string{KeyConfig, KeySource, KeyPrefix, KeyUser, KeyPlatform, KeySymlink, KeyDryRun} {
			f := flags.Lookup(key)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", key, err)
			}
		}
	}

	return v, nil
}

// Resolve builds the run configuration, layering (highest first) flags,
// environment, the config file and defaults. An explicitly named config file
// must exist; the default location is optional.
func Resolve(v *viper.Viper, getenv func(string) string) (*Config, error) {
	var (
		cfg *Config
		err error
	)
	if path := v.GetString(KeyConfig); path != "" {
		cfg, err = read(path)
	} else {
		var path string
		path, err = DefaultPath()
		if err == nil {
			cfg, err = readOptional(path)
		}
	}
	if err != nil {
		return nil, err
	}

	if v.IsSet(KeySource) {
		cfg.Source.Root = v.GetString(KeySource)
		// an explicit local source replaces a configured remote
		cfg.Source.URL = ""
	}
	if v.IsSet(KeyPrefix) {
		cfg.Deploy.Prefix = v.GetString(KeyPrefix)
	}
	if v.IsSet(KeyUser) {
		cfg.Deploy.User = v.GetString(KeyUser)
	}
	if v.IsSet(KeyPlatform) {
		cfg.Platform = v.GetString(KeyPlatform)
	}
	if v.GetBool(KeySymlink) {
		cfg.Deploy.Mode = ModeSymlink
	}
	cfg.Deploy.DryRun = v.GetBool(KeyDryRun)

	if cfg.Deploy.User == "" {
		cfg.Deploy.User, err = account.Invoking(getenv)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Source.Root == "" && cfg.Source.URL == "" {
		cfg.Source.Root, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	if err := cfg.complete(); err != nil {
		return nil, err
	}

	return cfg, nil
}
