package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/solatis/serverrules/internal/core/config"
	"github.com/solatis/serverrules/internal/core/db"
	"github.com/solatis/serverrules/internal/operators"
	"github.com/solatis/serverrules/internal/rules"
	"github.com/solatis/serverrules/internal/types"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Compile every enabled rule and report the ones that fail",
	Args:  cobra.NoArgs,
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().String("rules-source", config.SourceDatabase, "rule source (database, files)")
	validateCmd.Flags().String("rules-dir", "", "rule file directory for the files source")
	validateCmd.Flags().Bool("validate", true, "validate rule bodies against their schemas")
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var queries *db.Queries
	if cfg.Rules.Source == config.SourceDatabase {
		database, q, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()
		queries = q
	}
	source, err := ruleSource(cfg, queries)
	if err != nil {
		return err
	}

	report, err := compileAll(cmd.Context(), engineConfig(cfg), source)
	if err != nil {
		return err
	}
	return printReport(cmd.OutOrStdout(), report)
}

// compileAll loads every apply time and partition of source into one
// throwaway engine.
func compileAll(ctx context.Context, cfg rules.Config, source rules.Source) (rules.LoadReport, error) {
	registry, err := operators.NewRegistry(logger)
	if err != nil {
		return rules.LoadReport{}, fmt.Errorf("failed to register operators: %w", err)
	}
	engine, err := rules.NewEngine(cfg, source, registry, logger)
	if err != nil {
		return rules.LoadReport{}, err
	}
	return engine.Load(ctx)
}

// printReport writes report to w and fails when any rule was skipped.
func printReport(w io.Writer, report rules.LoadReport) error {
	fmt.Fprintf(w, "loaded: %d, filtered: %d, skipped: %d\n", report.Loaded, report.Filtered, len(report.Skipped))
	for _, s := range report.Skipped {
		fmt.Fprintf(w, "  %s (%s, %s): %v\n", s.Name, s.Type, s.RuleID, s.Err)
	}
	if len(report.Skipped) > 0 {
		return fmt.Errorf("%d rules failed to compile", len(report.Skipped))
	}
	return nil
}

// staticSource serves a fixed set of definitions.
type staticSource []types.RuleDefinition

func (s staticSource) ListRules(_ context.Context, q types.RuleQuery) ([]types.RuleDefinition, error) {
	var out []types.RuleDefinition
	for _, def := range s {
		if q.Matches(def) {
			out = append(out, def)
		}
	}
	return out, nil
}
