package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/solatis/serverrules/internal/core/config"
	"github.com/solatis/serverrules/internal/core/db"
	"github.com/solatis/serverrules/internal/core/rulefiles"
	"github.com/solatis/serverrules/internal/rules"
	"github.com/solatis/serverrules/internal/types"
)

const Version = "0.1.0"

var (
	configFile string
	dbURL      string
	logLevel   string
	logFormat  string

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "serverrules",
	Short:         "serverrules XML rule engine",
	Long:          `serverrules loads XML rules and executes their actions against imaging events at each apply time.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(cmd.ErrOrStderr(), logLevel, logFormat)
		if err != nil {
			return err
		}
		logger = l
		slog.SetDefault(l)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "database connection URL (sqlite://path or postgres://...)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json, text)")
}

func Execute() error {
	return rootCmd.Execute()
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (expected json or text)", format)
	}
}

// loadConfig merges defaults, the config file, SR_ variables and the
// command's flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile, cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func openDatabase(cfg *config.Config) (*sqlx.DB, *db.Queries, error) {
	if cfg.Database.URL == "" {
		return nil, nil, fmt.Errorf("--db-url required")
	}
	database, err := db.OpenWithPool(cfg.Database.URL, db.Pool{
		MaxOpen: cfg.Database.MaxOpenConns,
		MaxIdle: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	queries, err := db.LoadQueries(database)
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to load queries: %w", err)
	}
	return database, queries, nil
}

// requireMigrated fails when any migration is still pending.
func requireMigrated(database *sqlx.DB) error {
	statuses, err := db.MigrateStatus(database)
	if err != nil {
		return fmt.Errorf("failed to check migrations: %w", err)
	}
	for _, s := range statuses {
		if !s.Applied {
			return fmt.Errorf("migration %s not applied - run 'serverrules migrate' first", s.ID)
		}
	}
	return nil
}

// ruleSource returns the configured rule source. queries is only used by
// the database source.
func ruleSource(cfg *config.Config, queries *db.Queries) (rules.Source, error) {
	switch cfg.Rules.Source {
	case config.SourceFiles:
		return rulefiles.NewSource(cfg.Rules.Dir, logger), nil
	case config.SourceDatabase:
		if queries == nil {
			return nil, fmt.Errorf("database rule source requires --db-url")
		}
		return db.NewRuleStore(queries), nil
	default:
		return nil, fmt.Errorf("unknown rule source %q", cfg.Rules.Source)
	}
}

func engineConfig(cfg *config.Config) rules.Config {
	return rules.Config{
		Include:  ruleTypes(cfg.Rules.Include),
		Omit:     ruleTypes(cfg.Rules.Omit),
		Validate: cfg.Rules.Validate,
	}
}

func ruleTypes(names []string) []types.RuleType {
	out := make([]types.RuleType, 0, len(names))
	for _, n := range names {
		out = append(out, types.RuleType(n))
	}
	return out
}

func applyTimes(names []string) []types.ApplyTime {
	out := make([]types.ApplyTime, 0, len(names))
	for _, n := range names {
		out = append(out, types.ApplyTime(n))
	}
	return out
}
