package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/wolfman30/saathi-ai-platform/internal/screening"
)

func newScoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "score <PHQ9|GAD7|GHQ12> <response>...",
		Short:   "Score a screening questionnaire without storing it",
		Example: "  saathictl score GAD7 1 2 0 1 3 0 1",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			instrument, err := screening.ParseInstrument(args[0])
			if err != nil {
				return err
			}
			responses := make([]int, 0, len(args)-1)
			for _, raw := range args[1:] {
				v, err := strconv.Atoi(raw)
				if err != nil {
					return fmt.Errorf("response %q is not a number", raw)
				}
				responses = append(responses, v)
			}
			result, err := screening.Score(instrument, responses)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
}
