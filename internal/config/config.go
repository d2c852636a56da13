package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/majo/systemset/internal/platform"
	"github.com/majo/systemset/internal/tree"
)

// Mode defines how files are placed at their destination
type Mode string

const (
	ModeCopy    Mode = "copy"
	ModeSymlink Mode = "symlink"
)

// Config represents the complete systemset configuration
type Config struct {
	Source    SourceConfig              `yaml:"source"`
	Deploy    DeployConfig              `yaml:"deploy"`
	Platform  string                    `yaml:"platform"`
	Platforms map[string]PlatformConfig `yaml:"platforms"`

	// File is the config file this configuration was read from, if any
	File string `yaml:"-"`
}

// SourceConfig configures where the configuration tree comes from
type SourceConfig struct {
	Root       string `yaml:"root"`
	URL        string `yaml:"url"`
	Ref        string `yaml:"ref"`
	Subdir     string `yaml:"subdir"`
	StateDir   string `yaml:"state_dir"`
	SSHKeyFile string `yaml:"ssh_key_file"`
}

// DeployConfig configures the deployment target
type DeployConfig struct {
	Prefix string   `yaml:"prefix"`
	User   string   `yaml:"user"`
	Mode   Mode     `yaml:"mode"`
	Ignore []string `yaml:"ignore"`
	DryRun bool     `yaml:"-"`
}

// PlatformConfig overrides a built-in platform layout
type PlatformConfig struct {
	HomeBase    string   `yaml:"home_base"`
	SharedRoots []string `yaml:"shared_roots"`
}

// complete fills in defaults and validates the result
func (c *Config) complete() error {
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// read parses a configuration file without defaults or validation
func read(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.File = path
	return &cfg, nil
}

// DefaultPath returns $XDG_CONFIG_HOME/systemset/config.yaml
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}
	return filepath.Join(dir, "systemset", "config.yaml"), nil
}

// readOptional reads path if it exists and returns an empty Config otherwise
func readOptional(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return &Config{}, nil
	}
	return read(path)
}

// expandEnv expands environment variables in path fields
func (c *Config) expandEnv() {
	c.Source.Root = os.ExpandEnv(c.Source.Root)
	c.Source.URL = os.ExpandEnv(c.Source.URL)
	c.Source.StateDir = os.ExpandEnv(c.Source.StateDir)
	c.Source.SSHKeyFile = os.ExpandEnv(c.Source.SSHKeyFile)
	c.Deploy.Prefix = os.ExpandEnv(c.Deploy.Prefix)
	c.Deploy.User = os.ExpandEnv(c.Deploy.User)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Deploy.Prefix == "" {
		c.Deploy.Prefix = "/"
	}
	c.Deploy.Prefix = filepath.Clean(c.Deploy.Prefix)
	if c.Deploy.Mode == "" {
		c.Deploy.Mode = ModeCopy
	}
	if c.Platform == "" {
		c.Platform = runtime.GOOS
	}
	if c.Source.URL != "" && c.Source.Ref == "" {
		c.Source.Ref = "main"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.Deploy.Prefix) {
		return fmt.Errorf("deploy.prefix must be an absolute path: %s", c.Deploy.Prefix)
	}
	if c.Deploy.User == "" {
		return fmt.Errorf("deploy.user is required")
	}

	switch c.Deploy.Mode {
	case ModeCopy, ModeSymlink:
		// valid
	default:
		return fmt.Errorf("invalid deploy.mode: %s (must be copy or symlink)", c.Deploy.Mode)
	}

	if err := tree.ValidatePatterns(c.Deploy.Ignore); err != nil {
		return fmt.Errorf("deploy.ignore: %w", err)
	}

	if c.Source.URL == "" {
		if c.Source.Root == "" {
			return fmt.Errorf("source.root is required when source.url is not set")
		}
	} else {
		if c.Source.StateDir == "" {
			return fmt.Errorf("source.state_dir is required when source.url is set")
		}
		if !filepath.IsAbs(c.Source.StateDir) {
			return fmt.Errorf("source.state_dir must be an absolute path: %s", c.Source.StateDir)
		}
	}
	if c.Source.Subdir != "" && !filepath.IsLocal(c.Source.Subdir) {
		return fmt.Errorf("source.subdir must be a relative path inside the source: %s", c.Source.Subdir)
	}

	for name, pc := range c.Platforms {
		if pc.HomeBase != "" && !filepath.IsAbs(pc.HomeBase) {
			return fmt.Errorf("platforms.%s.home_base must be an absolute path: %s", name, pc.HomeBase)
		}
	}

	return nil
}

// RepoDir returns the path where a remote source is checked out
func (c *Config) RepoDir() string {
	return filepath.Join(c.Source.StateDir, "repo")
}

// SourceRoot returns the directory whose tree is deployed
func (c *Config) SourceRoot() string {
	root := c.Source.Root
	if c.Source.URL != "" {
		root = c.RepoDir()
	}
	if c.Source.Subdir == "" {
		return root
	}
	return filepath.Join(root, c.Source.Subdir)
}

// IsRemote reports whether the source tree must be fetched with git first
func (c *Config) IsRemote() bool {
	return c.Source.URL != ""
}

// ResolvePlatform returns the target platform with any configured overrides
func (c *Config) ResolvePlatform() platform.Platform {
	p := platform.Lookup(c.Platform)
	if override, ok := c.Platforms[c.Platform]; ok {
		if override.HomeBase != "" {
			p.HomeBase = override.HomeBase
		}
		if override.SharedRoots != nil {
			p.SharedRoots = override.SharedRoots
		}
	}
	return p
}
