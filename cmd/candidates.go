package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/cascade-cli/internal/curing"
	"github.com/sells-group/cascade-cli/internal/model"
	"github.com/sells-group/cascade-cli/internal/store"
)

var candidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "List incoherent envelopes eligible for curing, worst first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter, err := candidateFilterFromFlags(cmd)
		if err != nil {
			return err
		}
		svc := curing.New(st, nil, cfg.Curing)
		cands, err := svc.GetCureCandidates(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "candidates")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd.OutOrStdout(), cands)
		}
		if len(cands) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No cure candidates.")
			return nil
		}
		formatCandidates(cmd.OutOrStdout(), cands, svc.MaxAttempts())
		return nil
	},
}

func init() {
	addCandidateFlags(candidatesCmd)
	candidatesCmd.Flags().Bool("json", false, "print JSON instead of a table")
	rootCmd.AddCommand(candidatesCmd)
}

// addCandidateFlags registers the candidate selection flags.
func addCandidateFlags(cmd *cobra.Command) {
	cmd.Flags().Int("limit", 100, "max number of candidates")
	cmd.Flags().Float64("min-score", -1, "lowest coherence score to include (-1 for no bound)")
	cmd.Flags().Float64("max-score", -1, "highest coherence score to include (-1 for no bound)")
}

// candidateFilterFromFlags reads the selection flags. Negative bounds are open.
func candidateFilterFromFlags(cmd *cobra.Command) (store.CandidateFilter, error) {
	limit, _ := cmd.Flags().GetInt("limit")
	minScore, _ := cmd.Flags().GetFloat64("min-score")
	maxScore, _ := cmd.Flags().GetFloat64("max-score")

	f := store.CandidateFilter{Limit: limit}
	if minScore >= 0 {
		f.MinScore = &minScore
	}
	if maxScore >= 0 {
		f.MaxScore = &maxScore
	}
	if f.MinScore != nil && f.MaxScore != nil && *f.MinScore > *f.MaxScore {
		return f, eris.Errorf("--min-score %.2f is above --max-score %.2f", minScore, maxScore)
	}
	return f, nil
}

// formatCandidates writes a tabular candidate list to out.
func formatCandidates(out io.Writer, cands []model.CureCandidate, maxAttempts int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ENVELOPE\tSCORE\tISSUES\tATTEMPTS")
	_, _ = fmt.Fprintln(w, "--------\t-----\t------\t--------")
	for _, c := range cands {
		_, _ = fmt.Fprintf(w, "%s\t%.4f\t%d\t%d/%d\n",
			c.EnvelopeID, c.CoherenceScore, c.IssueCount, c.CureAttemptCount, maxAttempts)
	}
	_ = w.Flush()
}
