package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wolfman30/saathi-ai-platform/internal/ingest"
)

func newIngestCmd() *cobra.Command {
	var filename string
	cmd := &cobra.Command{
		Use:   "ingest <owner-id> <s3-uri-or-text>",
		Short: "Ingest a document into an owner's memory synchronously",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			n, err := app.Ingest.IngestDocument(cmd.Context(), ingest.Document{
				OwnerID:         args[0],
				SourceURIOrText: args[1],
				Filename:        filename,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingested %d chunk(s) for %s\n", n, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&filename, "filename", "", "filename hint used to detect the document kind")
	return cmd
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <owner-id>",
		Short: "Delete every stored record for an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			report, purgeErr := app.Purger.Purge(cmd.Context(), args[0])
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			return purgeErr
		},
	}
}

func newCrisisCmd() *cobra.Command {
	crisisCmd := &cobra.Command{
		Use:   "crisis",
		Short: "Review and resolve crisis events",
	}

	var limit int
	openCmd := &cobra.Command{
		Use:   "open",
		Short: "List unresolved crisis events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			events, err := app.Events.ListOpen(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No open crisis events.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tOWNER\tLEVEL\tTRIGGERED")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.SessionID, e.OwnerID, e.RiskLevel, e.TriggeredAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	openCmd.Flags().IntVar(&limit, "limit", 50, "maximum events to list")

	var resolvedBy string
	resolveCmd := &cobra.Command{
		Use:   "resolve <session-id>",
		Short: "Resolve every open crisis event on a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer app.Close()

			n, err := app.Conversations.ResolveCrisis(cmd.Context(), args[0], resolvedBy)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %d event(s) on %s\n", n, args[0])
			return nil
		},
	}
	resolveCmd.Flags().StringVar(&resolvedBy, "by", "counselor", "name recorded as the resolver")

	crisisCmd.AddCommand(openCmd, resolveCmd)
	return crisisCmd
}
