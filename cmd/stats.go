package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/cascade-cli/internal/model"
)

// statsReport is the combined coherence and curing summary.
type statsReport struct {
	Coherence model.CoherenceStats `json:"coherence"`
	Curing    model.CuringStats    `json:"curing"`
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show coherence and curing statistics",
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

		coh, err := st.CoherenceStats(ctx)
		if err != nil {
			return eris.Wrap(err, "stats")
		}
		cur, err := st.CuringStats(ctx)
		if err != nil {
			return eris.Wrap(err, "stats")
		}
		report := statsReport{Coherence: *coh, Curing: *cur}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd.OutOrStdout(), report)
		}
		formatStats(cmd.OutOrStdout(), report)
		return nil
	},
}

func init() {
	statsCmd.Flags().Bool("json", false, "print JSON instead of a summary")
	rootCmd.AddCommand(statsCmd)
}

// formatStats writes the stats report to out.
func formatStats(out io.Writer, r statsReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Validations:\t%d\n", r.Coherence.Total)
	_, _ = fmt.Fprintf(w, "  Coherent:\t%d (%.1f%%)\n", r.Coherence.Coherent, r.Coherence.CoherentRate()*100)
	_, _ = fmt.Fprintf(w, "  Incoherent:\t%d\n", r.Coherence.Incoherent)
	_, _ = fmt.Fprintf(w, "  Avg score:\t%.4f\n", r.Coherence.AvgScore)
	_, _ = fmt.Fprintf(w, "Cure attempted:\t%d\n", r.Curing.TotalAttempted)
	_, _ = fmt.Fprintf(w, "  Cured:\t%d\n", r.Curing.Cured)
	_, _ = fmt.Fprintf(w, "  Exhausted:\t%d (%.1f%%)\n", r.Curing.Exhausted, r.Curing.ExhaustedRate()*100)
	_ = w.Flush()
}
