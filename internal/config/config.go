// Package config loads runtime settings for the sourcenet CLI.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/signalsfoundry/sourcenet-core/internal/logging"
	"github.com/signalsfoundry/sourcenet-core/internal/observability"
	"github.com/signalsfoundry/sourcenet-core/internal/scheduler"
)

// EnvPrefix is prepended to every environment override, e.g.
// SOURCENET_SPEED_MULTIPLIER or SOURCENET_TRACING_ENABLED.
const EnvPrefix = "SOURCENET"

// Config holds all application configuration.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Tick is the real-time interval between clock advances.
	Tick            time.Duration `mapstructure:"tick"`
	SpeedMultiplier float64       `mapstructure:"speed_multiplier"`
	// SchedulerPolicy is fixed-at-schedule or virtual-deadline.
	SchedulerPolicy string `mapstructure:"scheduler_policy"`

	MetricsAddr   string `mapstructure:"metrics_addr"`
	SaveDB        string `mapstructure:"save_db"`
	ScenarioPath  string `mapstructure:"scenario_path"`
	WatchScenario bool   `mapstructure:"watch_scenario"`

	Tracing observability.TracingConfig `mapstructure:"tracing"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		LogLevel:        "info",
		LogFormat:       "text",
		Tick:            100 * time.Millisecond,
		SpeedMultiplier: 1,
		SchedulerPolicy: scheduler.FixedAtSchedule.String(),
		MetricsAddr:     ":9090",
		SaveDB:          "sourcenet.db",
		Tracing: observability.TracingConfig{
			ServiceName: "sourcenet",
			Exporter:    "stdout",
			SampleRatio: 1,
		},
	}
}

// SetDefaults registers the defaults on v so that environment variables
// and bound flags can override every key.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("tick", d.Tick)
	v.SetDefault("speed_multiplier", d.SpeedMultiplier)
	v.SetDefault("scheduler_policy", d.SchedulerPolicy)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("save_db", d.SaveDB)
	v.SetDefault("scenario_path", d.ScenarioPath)
	v.SetDefault("watch_scenario", d.WatchScenario)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)
}

// Load reads configuration into a Config. path names an optional YAML
// file; when empty, sourcenet.yaml is looked up in the working directory
// and its absence is not an error. A nil v gets a fresh viper instance.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sourcenet")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the clock loop cannot run with.
func (c Config) Validate() error {
	if c.Tick <= 0 {
		return fmt.Errorf("tick must be positive, got %s", c.Tick)
	}
	if c.SpeedMultiplier < 0 {
		return fmt.Errorf("speed_multiplier must not be negative, got %v", c.SpeedMultiplier)
	}
	if _, err := scheduler.ParsePolicy(c.SchedulerPolicy); err != nil {
		return err
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1], got %v", c.Tracing.SampleRatio)
	}
	return nil
}

// Policy returns the parsed scheduler policy. Validate has already
// rejected unknown names for a loaded Config.
func (c Config) Policy() scheduler.Policy {
	p, _ := scheduler.ParsePolicy(c.SchedulerPolicy)
	return p
}

// Logging returns the logger settings.
func (c Config) Logging() logging.Config {
	return logging.Config{Level: c.LogLevel, Format: c.LogFormat}
}
