// Package config loads and validates the strata configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/strata/internal/backend"
	"github.com/felixgeelhaar/strata/internal/lock"
	"github.com/felixgeelhaar/strata/internal/pathres"
	"github.com/felixgeelhaar/strata/internal/retention"
	"github.com/felixgeelhaar/strata/internal/version"
)

// EnvConfig overrides the default config file location.
const EnvConfig = "STRATA_CONFIG"

// LockConfig bounds the catalog mutation lock.
type LockConfig struct {
	Timeout    string `json:"timeout" yaml:"timeout"`
	StaleAfter string `json:"stale_after" yaml:"stale_after"`
	Strict     bool   `json:"strict" yaml:"strict"`
}

// Config is the on-disk configuration.
type Config struct {
	DefaultAlias  string            `json:"default_alias" yaml:"default_alias"`
	Aliases       map[string]string `json:"aliases" yaml:"aliases"`
	StateDir      string            `json:"state_dir" yaml:"state_dir"`
	Format        string            `json:"format" yaml:"format"`
	Versioning    string            `json:"versioning" yaml:"versioning"`
	SidecarFormat string            `json:"sidecar_format" yaml:"sidecar_format"`
	FileHash      bool              `json:"file_hash" yaml:"file_hash"`
	Lock          LockConfig        `json:"lock" yaml:"lock"`
	// Retention is the default prune policy in any accepted form.
	Retention any `json:"retention,omitempty" yaml:"retention,omitempty"`

	path string
}

// ValidationResult represents the outcome of a validation pass.
type ValidationResult struct {
	Valid    bool
	Warnings []string
	Errors   []string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Aliases:       map[string]string{},
		StateDir:      pathres.DefaultStateDir,
		Versioning:    string(version.PolicyContent),
		SidecarFormat: version.SidecarJSON,
		Lock: LockConfig{
			Timeout:    "10s",
			StaleAfter: "5m",
		},
	}
}

// DefaultPath is $STRATA_CONFIG or ~/.strata/config.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(pathres.DefaultStateDir, "config.yaml")
	}
	return filepath.Join(home, pathres.DefaultStateDir, "config.yaml")
}

// Load reads a configuration file (JSON or YAML) over the defaults. Relative
// alias roots are taken relative to the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal YAML config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s (use .json or .yaml)", ext)
	}

	if cfg.Aliases == nil {
		cfg.Aliases = map[string]string{}
	}
	base := filepath.Dir(path)
	for name, root := range cfg.Aliases {
		root = expandHome(root)
		if root != "" && !filepath.IsAbs(root) {
			root = filepath.Join(base, root)
		}
		cfg.Aliases[name] = root
	}
	cfg.path = path
	return cfg, nil
}

// LoadOrDefault loads path when it exists. A missing file is only an error
// when the caller named it explicitly.
func LoadOrDefault(path string, explicit bool) (*Config, error) {
	if _, err := os.Stat(path); err != nil && os.IsNotExist(err) && !explicit {
		return Default(), nil
	}
	return Load(path)
}

// Path is the file the config was loaded from, empty for defaults.
func (c *Config) Path() string { return c.path }

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// AliasNames returns the configured alias names in order.
func (c *Config) AliasNames() []string {
	names := make([]string, 0, len(c.Aliases))
	for n := range c.Aliases {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks the configuration for errors and suspicious values.
func (c *Config) Validate() ValidationResult {
	res := ValidationResult{
		Valid:    true,
		Warnings: []string{},
		Errors:   []string{},
	}
	fail := func(format string, args ...any) {
		res.Valid = false
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
	}

	if len(c.Aliases) == 0 {
		res.Warnings = append(res.Warnings, "No aliases configured; the working directory will be used as the only root")
	}
	for _, name := range c.AliasNames() {
		root := c.Aliases[name]
		if root == "" {
			fail("Alias %q has an empty root", name)
			continue
		}
		if info, err := os.Stat(root); err != nil || !info.IsDir() {
			res.Warnings = append(res.Warnings, fmt.Sprintf("Alias %q root %s does not exist yet", name, root))
		}
	}
	if c.DefaultAlias != "" {
		if _, ok := c.Aliases[c.DefaultAlias]; !ok {
			fail("Default alias %q is not configured", c.DefaultAlias)
		}
	}

	if c.StateDir == "" || strings.ContainsAny(c.StateDir, `/\`) {
		fail("State dir must be a plain directory name, got %q", c.StateDir)
	}
	if _, err := version.ParsePolicy(c.Versioning); err != nil {
		fail("Versioning: %v", err)
	}
	switch c.SidecarFormat {
	case "", version.SidecarJSON, version.SidecarYAML:
	default:
		fail("Sidecar format must be json or yaml, got %q", c.SidecarFormat)
	}
	if c.Format != "" {
		if _, err := backend.Default().Get(c.Format); err != nil {
			fail("Format: %v", err)
		}
	}
	if _, err := c.LockOptions(); err != nil {
		fail("Lock: %v", err)
	}
	if c.Retention != nil {
		if _, err := retention.FromAny(c.Retention); err != nil {
			fail("Retention: %v", err)
		}
	} else {
		res.Warnings = append(res.Warnings, "No default retention policy; prune needs --keep")
	}

	return res
}

// LockOptions converts the lock section.
func (c *Config) LockOptions() (lock.Options, error) {
	opts := lock.DefaultOptions()
	opts.Strict = c.Lock.Strict
	if c.Lock.Timeout != "" {
		d, err := time.ParseDuration(c.Lock.Timeout)
		if err != nil || d <= 0 {
			return lock.Options{}, fmt.Errorf("invalid timeout %q", c.Lock.Timeout)
		}
		opts.Timeout = d
	}
	if c.Lock.StaleAfter != "" {
		d, err := time.ParseDuration(c.Lock.StaleAfter)
		if err != nil || d <= 0 {
			return lock.Options{}, fmt.Errorf("invalid stale_after %q", c.Lock.StaleAfter)
		}
		opts.StaleAfter = d
	}
	return opts, nil
}

// VersioningPolicy returns the configured save policy.
func (c *Config) VersioningPolicy() version.Policy {
	p, err := version.ParsePolicy(c.Versioning)
	if err != nil {
		return version.PolicyContent
	}
	return p
}

// RetentionPolicy returns the default prune policy, if one is configured.
func (c *Config) RetentionPolicy() (retention.Policy, bool, error) {
	if c.Retention == nil {
		return retention.Policy{}, false, nil
	}
	p, err := retention.FromAny(c.Retention)
	if err != nil {
		return retention.Policy{}, false, err
	}
	return p, true, nil
}
