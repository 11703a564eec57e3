// Package config loads clpp settings from a YAML file, CLPP_* environment
// variables and built-in defaults, in increasing order of precedence:
// defaults, then file, then environment.
package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/shanyungyang/clpp/pkg/driver"
	"github.com/shanyungyang/clpp/pkg/driver/hostsim"
)

// EnvPrefix prefixes every environment override, e.g. CLPP_QUEUE_PROFILING.
const EnvPrefix = "CLPP"

// Config is the full clpp configuration.
type Config struct {
	// Runtime names the preferred backend ("opencl", "hostsim"). Empty
	// selects the first that opens.
	Runtime  string `yaml:"runtime" mapstructure:"runtime"`
	Fallback bool   `yaml:"fallback" mapstructure:"fallback"`

	// Platform selects a platform by index.
	Platform   int    `yaml:"platform" mapstructure:"platform"`
	DeviceType string `yaml:"device_type" mapstructure:"device_type"`

	Queue   QueueConfig    `yaml:"queue" mapstructure:"queue"`
	Build   BuildConfig    `yaml:"build" mapstructure:"build"`
	Logging LoggingConfig  `yaml:"logging" mapstructure:"logging"`
	HostSim hostsim.Config `yaml:"hostsim" mapstructure:"hostsim"`
}

type QueueConfig struct {
	Profiling  bool `yaml:"profiling" mapstructure:"profiling"`
	OutOfOrder bool `yaml:"out_of_order" mapstructure:"out_of_order"`
}

type BuildConfig struct {
	Options string      `yaml:"options" mapstructure:"options"`
	Cache   CacheConfig `yaml:"cache" mapstructure:"cache"`
}

type CacheConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

type LoggingConfig struct {
	Level   string `yaml:"level" mapstructure:"level"`
	File    string `yaml:"file" mapstructure:"file"`
	Console bool   `yaml:"console" mapstructure:"console"`
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Runtime:    "",
		Fallback:   true,
		Platform:   0,
		DeviceType: "all",
		Build: BuildConfig{
			Cache: CacheConfig{
				Enabled: false,
				Path:    filepath.Join(home, ".cache", "clpp", "programs"),
			},
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
		HostSim: hostsim.DefaultConfig(),
	}
}

// Load reads cfgFile, or config.yaml from ~/.clpp and the working directory
// when cfgFile is empty. A missing default file is not an error.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	cfg := DefaultConfig()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "finding home directory")
		}
		v.AddConfigPath(filepath.Join(home, ".clpp"))
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config")
		}
	}

	// A configured device list replaces the built-in one rather than merging
	// into it element by element.
	if v.IsSet("hostsim.platforms") {
		cfg.HostSim = hostsim.Config{}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}
	cfg.ExpandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	return cfg, nil
}

// Validate checks every field that has a closed set of values.
func (c *Config) Validate() error {
	if c.Runtime != "" && !slices.Contains(driver.DefaultOrder, c.Runtime) {
		return errors.Errorf("runtime must be empty or one of %v, got %q", driver.DefaultOrder, c.Runtime)
	}
	if c.Platform < 0 {
		return errors.New("platform index must not be negative")
	}
	if _, err := driver.ParseDeviceType(c.DeviceType); err != nil {
		return errors.Wrap(err, "device_type")
	}
	if c.Build.Cache.Enabled && c.Build.Cache.Path == "" {
		return errors.New("build.cache.path is required when the cache is enabled")
	}
	levels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(levels, c.Logging.Level) {
		return errors.Errorf("logging.level must be one of %v", levels)
	}
	return errors.Wrap(c.HostSim.Validate(), "hostsim")
}

// DeviceTypeValue parses DeviceType. Call Validate first.
func (c *Config) DeviceTypeValue() driver.DeviceType {
	t, _ := driver.ParseDeviceType(c.DeviceType)
	return t
}

// QueueProperties turns the queue section into native queue flags.
func (c *Config) QueueProperties() driver.QueueProperties {
	var p driver.QueueProperties
	if c.Queue.Profiling {
		p |= driver.QueueProfilingEnable
	}
	if c.Queue.OutOfOrder {
		p |= driver.QueueOutOfOrderExecModeEnable
	}
	return p
}

// ExpandPaths expands ~ and environment variables in paths.
func (c *Config) ExpandPaths() {
	c.Build.Cache.Path = expandPath(c.Build.Cache.Path)
	c.Logging.File = expandPath(c.Logging.File)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

// Save writes c as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating config directory")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshaling config")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "writing config")
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("runtime", cfg.Runtime)
	v.SetDefault("fallback", cfg.Fallback)
	v.SetDefault("platform", cfg.Platform)
	v.SetDefault("device_type", cfg.DeviceType)

	v.SetDefault("queue.profiling", cfg.Queue.Profiling)
	v.SetDefault("queue.out_of_order", cfg.Queue.OutOfOrder)

	v.SetDefault("build.options", cfg.Build.Options)
	v.SetDefault("build.cache.enabled", cfg.Build.Cache.Enabled)
	v.SetDefault("build.cache.path", cfg.Build.Cache.Path)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
}
