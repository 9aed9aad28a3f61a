package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/solatis/serverrules/internal/core/auth"
	"github.com/solatis/serverrules/internal/core/config"
	"github.com/solatis/serverrules/internal/types"
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API key for a partition",
	Long: `Create prints a new API key. The key is shown once; only its HMAC is
stored.`,
	Args: cobra.NoArgs,
	RunE: runAPIKeyCreate,
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke <api-key-id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runAPIKeyRevoke,
}

func init() {
	rootCmd.AddCommand(apikeyCmd)
	apikeyCmd.AddCommand(apikeyCreateCmd, apikeyRevokeCmd)

	apikeyCreateCmd.Flags().String("partition", "", "partition the key grants access to")
	apikeyCreateCmd.Flags().String("name", "", "human readable key name")
	apikeyCreateCmd.Flags().String("secret-id", "", "HMAC secret to sign with (default: lowest configured id)")
	_ = apikeyCreateCmd.MarkFlagRequired("partition")
}

func authenticator(cmd *cobra.Command) (*auth.Authenticator, map[string][]byte, func() error, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	secrets, err := config.HMACSecrets()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	if len(secrets) == 0 {
		return nil, nil, nil, fmt.Errorf("no HMAC secrets configured (set SR_HMAC_SECRET environment variable)")
	}
	database, queries, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := requireMigrated(database); err != nil {
		database.Close()
		return nil, nil, nil, err
	}
	return auth.NewAuthenticator(secrets, queries), secrets, database.Close, nil
}

func runAPIKeyCreate(cmd *cobra.Command, args []string) error {
	a, secrets, closeDB, err := authenticator(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	partition, _ := cmd.Flags().GetString("partition")
	name, _ := cmd.Flags().GetString("name")
	secretID, _ := cmd.Flags().GetString("secret-id")
	if secretID == "" {
		ids := make([]string, 0, len(secrets))
		for id := range secrets {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		secretID = ids[0]
	}

	key, err := a.Issue(cmd.Context(), secretID, types.PartitionKey(partition), name)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id:        %s\n", key.ID)
	fmt.Fprintf(out, "partition: %s\n", key.Partition)
	fmt.Fprintf(out, "key:       %s\n", key.Key)
	return nil
}

func runAPIKeyRevoke(cmd *cobra.Command, args []string) error {
	a, _, closeDB, err := authenticator(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := a.Revoke(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("revoke api key %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
	return nil
}
