// Package config loads the CLI settings from defaults, an optional YAML
// file, SCOPELAB_ environment variables and command-line flags, in rising
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "SCOPELAB"

type Config struct {
	Log         Log           `mapstructure:"log" yaml:"log"`
	TimeScale   float64       `mapstructure:"time_scale" yaml:"time_scale"`
	Settle      time.Duration `mapstructure:"settle" yaml:"settle"`
	Dispatchers Dispatchers   `mapstructure:"dispatchers" yaml:"dispatchers"`
	Metrics     Metrics       `mapstructure:"metrics" yaml:"metrics"`
}

type Log struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Dispatchers sizes the lesson pools. Zero keeps the built-in size.
type Dispatchers struct {
	Default int `mapstructure:"default" yaml:"default"`
	IO      int `mapstructure:"io" yaml:"io"`
}

type Metrics struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Log:       Log{Level: "info", Format: "console"},
		TimeScale: 1,
		Settle:    10 * time.Second,
	}
}

// flag names and the keys they bind to.
var flagKeys = map[string]string{
	"log-level":  "log.level",
	"log-format": "log.format",
	"time-scale": "time_scale",
	"settle":     "settle",
	"metrics":    "metrics.enabled",
}

// RegisterFlags adds the persistent flags that override configuration keys.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "path to a YAML configuration file")
	fs.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	fs.String("log-format", d.Log.Format, "log format (console, json)")
	fs.Float64("time-scale", d.TimeScale, "multiplier applied to every lesson delay")
	fs.Duration("settle", d.Settle, "longest a lesson may run before its owner is destroyed")
	fs.Bool("metrics", d.Metrics.Enabled, "print scope and task metrics after the run")
}

// Load reads the configuration. fs may be nil; only flags the user set
// override file and environment values.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	d := Default()
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("time_scale", d.TimeScale)
	v.SetDefault("settle", d.Settle)
	v.SetDefault("dispatchers.default", d.Dispatchers.Default)
	v.SetDefault("dispatchers.io", d.Dispatchers.IO)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if path, _ := fs.GetString("config"); path != "" {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("config: bind --%s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.TimeScale <= 0 {
		errs = append(errs, fmt.Errorf("time_scale must be positive, got %v", c.TimeScale))
	}
	if c.Settle <= 0 {
		errs = append(errs, fmt.Errorf("settle must be positive, got %v", c.Settle))
	}
	if c.Dispatchers.Default < 0 || c.Dispatchers.IO < 0 {
		errs = append(errs, errors.New("dispatcher sizes must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Scale applies the time scale to d.
func (c Config) Scale(d time.Duration) time.Duration {
	if c.TimeScale <= 0 {
		return d
	}
	return time.Duration(float64(d) * c.TimeScale)
}
