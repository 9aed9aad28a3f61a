package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"host":            "server.host",
	"port":            "server.port",
	"db-url":          "database.url",
	"rules-source":    "rules.source",
	"rules-dir":       "rules.dir",
	"validate":        "rules.validate",
	"reload-schedule": "rules.reload_schedule",
	"watch":           "rules.watch",
	"metrics-port":    "metrics.port",
}

// LoadConfig loads configuration using viper.
// CLI flags > environment > config file > defaults precedence.
// flags may be nil; only flags named in flagKeys are bound.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Bind environment variables with SR_ prefix
	v.SetEnvPrefix("SR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets are environment-only.
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           v.GetString("server.host"),
			Port:           v.GetInt("server.port"),
			MaxConnections: v.GetInt("server.max_connections"),
			RequestTimeout: v.GetDuration("server.request_timeout"),
		},
		Database: DatabaseConfig{
			URL:          v.GetString("database.url"),
			MaxOpenConns: v.GetInt("database.max_open_conns"),
			MaxIdleConns: v.GetInt("database.max_idle_conns"),
		},
		Rules: RulesConfig{
			Source:         v.GetString("rules.source"),
			Dir:            v.GetString("rules.dir"),
			Validate:       v.GetBool("rules.validate"),
			Include:        v.GetStringSlice("rules.include"),
			Omit:           v.GetStringSlice("rules.omit"),
			ApplyTimes:     v.GetStringSlice("rules.apply_times"),
			ReloadSchedule: v.GetString("rules.reload_schedule"),
			Watch:          v.GetBool("rules.watch"),
			WatchDebounce:  v.GetDuration("rules.watch_debounce"),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("metrics.enabled"),
			Host:    v.GetString("metrics.host"),
			Port:    v.GetInt("metrics.port"),
			Path:    v.GetString("metrics.path"),
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults mirrors Default().
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.max_connections", d.Server.MaxConnections)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("rules.source", d.Rules.Source)
	v.SetDefault("rules.dir", d.Rules.Dir)
	v.SetDefault("rules.validate", d.Rules.Validate)
	v.SetDefault("rules.include", []string{})
	v.SetDefault("rules.omit", []string{})
	v.SetDefault("rules.apply_times", []string{})
	v.SetDefault("rules.reload_schedule", d.Rules.ReloadSchedule)
	v.SetDefault("rules.watch", d.Rules.Watch)
	v.SetDefault("rules.watch_debounce", d.Rules.WatchDebounce)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.host", d.Metrics.Host)
	v.SetDefault("metrics.port", d.Metrics.Port)
	v.SetDefault("metrics.path", d.Metrics.Path)
}

// validateConfig checks port ranges, positive limits, the rule source and
// the reload schedule.
func validateConfig(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", cfg.Server.MaxConnections)
	}
	if cfg.Server.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", cfg.Server.RequestTimeout)
	}

	if cfg.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive, got %d", cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns < 0 || cfg.Database.MaxIdleConns > cfg.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns must be between 0 and max_open_conns, got %d", cfg.Database.MaxIdleConns)
	}

	switch cfg.Rules.Source {
	case SourceDatabase:
		if cfg.Rules.Watch {
			return fmt.Errorf("rules.watch requires rules.source=%s", SourceFiles)
		}
	case SourceFiles:
		if cfg.Rules.Dir == "" {
			return fmt.Errorf("rules.dir required for rules.source=%s", SourceFiles)
		}
	default:
		return fmt.Errorf("rules.source must be %q or %q, got %q", SourceDatabase, SourceFiles, cfg.Rules.Source)
	}
	if cfg.Rules.WatchDebounce < 0 {
		return fmt.Errorf("watch_debounce must not be negative, got %v", cfg.Rules.WatchDebounce)
	}
	if cfg.Rules.ReloadSchedule != "" {
		if _, err := cron.ParseStandard(cfg.Rules.ReloadSchedule); err != nil {
			return fmt.Errorf("invalid reload_schedule %q: %w", cfg.Rules.ReloadSchedule, err)
		}
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535 {
			return fmt.Errorf("metrics port must be between 1 and 65535, got %d", cfg.Metrics.Port)
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			return fmt.Errorf("metrics path must start with '/', got %q", cfg.Metrics.Path)
		}
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only secrets (12-factor principle).
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.InConfig("hmac_secret") || v.InConfig("server.hmac_secret") {
		return fmt.Errorf("HMAC secrets not allowed in config files (use SR_HMAC_SECRET environment variable)")
	}
	return nil
}
