package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wolfman30/saathi-ai-platform/internal/crisis"
)

func newLexiconCmd() *cobra.Command {
	lexiconCmd := &cobra.Command{
		Use:   "lexicon",
		Short: "Inspect crisis lexicon files",
	}
	lexiconCmd.AddCommand(&cobra.Command{
		Use:   "check <path>",
		Short: "Validate a lexicon file and summarize its tiers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lex, err := crisis.LoadLexicon(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "lexicon %s: %d tiers\n", lex.Version, len(lex.Tiers))
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TAG\tLEVEL\tPHRASES\tEXEMPLARS")
			for _, tier := range lex.Tiers {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", tier.Tag, tier.Level, len(tier.Phrases), len(tier.Exemplars))
			}
			return w.Flush()
		},
	})
	return lexiconCmd
}

func newAssessCmd() *cobra.Command {
	var (
		lexiconPath string
		history     []string
	)
	cmd := &cobra.Command{
		Use:   "assess <message>",
		Short: "Run the lexical crisis check on a message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lex := crisis.DefaultLexicon()
			if lexiconPath != "" {
				loaded, err := crisis.LoadLexicon(lexiconPath)
				if err != nil {
					return err
				}
				lex = loaded
			}
			detector := crisis.NewDetector(lex)
			a := detector.Assess(cmd.Context(), crisis.Input{
				Message: strings.Join(args, " "),
				History: history,
			})
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "level: %s\n", a.Level)
			if len(a.Reasons) > 0 {
				tags := make([]string, 0, len(a.Reasons))
				for _, t := range a.Tags() {
					tags = append(tags, string(t))
				}
				fmt.Fprintf(out, "reasons: %s\n", strings.Join(tags, ", "))
			}
			if len(a.Matched) > 0 {
				fmt.Fprintf(out, "matched: %s\n", strings.Join(a.Matched, ", "))
			}
			if a.Level.Escalates() {
				fmt.Fprintln(out, "escalates: yes")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&lexiconPath, "lexicon", "", "lexicon file to use instead of the built-in set")
	cmd.Flags().StringArrayVar(&history, "history", nil, "prior user message, oldest first (repeatable)")
	return cmd
}
