// Command saathictl is the operator CLI: offline scoring and lexicon checks,
// plus data operations against the configured stores.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wolfman30/saathi-ai-platform/cmd/mainconfig"
	"github.com/wolfman30/saathi-ai-platform/internal/app/bootstrap"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "saathictl",
		Short:         "Operate the Saathi companion backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newScoreCmd(),
		newLexiconCmd(),
		newAssessCmd(),
		newIngestCmd(),
		newPurgeCmd(),
		newCrisisCmd(),
	)
	return root
}

// buildApp wires the stores from the environment. Commands that never run the
// chat pipeline skip the model clients.
func buildApp(ctx context.Context, conversations bool) (*bootstrap.App, error) {
	cfg := mainconfig.LoadEnv()
	logger := logging.New(cfg.LogLevel)
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return bootstrap.Build(ctx, cfg, awsCfg, logger, bootstrap.Options{SkipConversations: !conversations})
}
