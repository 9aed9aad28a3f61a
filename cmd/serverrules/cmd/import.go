package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/solatis/serverrules/internal/core/db"
	"github.com/solatis/serverrules/internal/core/rulefiles"
)

var importCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Import rule files into the database",
	Long: `Import reads every rule file below dir and upserts the rules into the
database in one transaction. Rules are compiled first and nothing is written
when any of them fails, unless --force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().Bool("validate", true, "validate rule bodies against their schemas")
	importCmd.Flags().Bool("force", false, "import rules that fail to compile")
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")

	defs, err := rulefiles.ReadDir(ctx, args[0])
	if err != nil {
		return err
	}

	report, err := compileAll(ctx, engineConfig(cfg), staticSource(defs))
	if err != nil {
		return err
	}
	if err := printReport(cmd.OutOrStdout(), report); err != nil && !force {
		return fmt.Errorf("%w, nothing imported", err)
	}

	database, queries, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := requireMigrated(database); err != nil {
		return err
	}

	saved, err := db.NewRuleStore(queries).SaveRules(ctx, defs)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d rules from %s\n", len(saved), args[0])
	return nil
}
