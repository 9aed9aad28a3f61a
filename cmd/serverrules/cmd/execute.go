package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/solatis/serverrules/internal/core/api"
)

var executeCmd = &cobra.Command{
	Use:   "execute <apply-time>",
	Short: "Execute rules on a running server",
	Long: `Execute sends a subject document to a running server and prints the
execution summary as JSON. The subject is read from --subject, or from stdin
when --subject is "-".`,
	Args: cobra.ExactArgs(1),
	RunE: runExecute,
}

func init() {
	rootCmd.AddCommand(executeCmd)
	executeCmd.Flags().String("addr", "localhost:50051", "server address")
	executeCmd.Flags().String("api-key", "", "API key (default: SR_API_KEY)")
	executeCmd.Flags().String("subject", "", "JSON file holding the subject document, - for stdin")
	executeCmd.Flags().Bool("dry-run", false, "evaluate without performing actions or auditing")
	executeCmd.Flags().Duration("timeout", 30*time.Second, "request timeout")
}

func runExecute(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	apiKey, _ := cmd.Flags().GetString("api-key")
	subjectPath, _ := cmd.Flags().GetString("subject")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if apiKey == "" {
		apiKey = os.Getenv("SR_API_KEY")
	}

	req := map[string]any{"apply_time": args[0], "dry_run": dryRun}
	if subjectPath != "" {
		subject, err := readSubject(cmd.InOrStdin(), subjectPath)
		if err != nil {
			return err
		}
		req["subject"] = subject
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	resp, err := api.NewClient(conn, apiKey).Execute(ctx, req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func readSubject(stdin io.Reader, path string) (map[string]any, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read subject: %w", err)
	}
	var subject map[string]any
	if err := json.Unmarshal(data, &subject); err != nil {
		return nil, fmt.Errorf("parse subject: %w", err)
	}
	return subject, nil
}
