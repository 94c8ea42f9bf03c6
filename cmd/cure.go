package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/cascade-cli/internal/curing"
)

var cureCmd = &cobra.Command{
	Use:   "cure <envelope-id>",
	Short: "Re-run the L9 summary for one incoherent envelope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("cure"); err != nil {
			return err
		}
		env, err := initCuring(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Service.CureSingle(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "cure")
		}
		return writeJSON(cmd.OutOrStdout(), res)
	},
}

var cureBatchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Cure the worst incoherent envelopes on a bounded worker pool",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("cure"); err != nil {
			return err
		}
		filter, err := candidateFilterFromFlags(cmd)
		if err != nil {
			return err
		}
		workers, _ := cmd.Flags().GetInt("workers")

		env, err := initCuring(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Service.CureBatch(ctx, curing.BatchOptions{
			Limit:      filter.Limit,
			MaxWorkers: workers,
			MinScore:   filter.MinScore,
			MaxScore:   filter.MaxScore,
		})
		if err != nil {
			return eris.Wrap(err, "cure batch")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd.OutOrStdout(), res)
		}
		formatBatchResult(cmd.OutOrStdout(), res)
		return nil
	},
}

func init() {
	addCandidateFlags(cureBatchCmd)
	cureBatchCmd.Flags().Int("workers", 0, "worker count, capped by curing.max_workers (default from config)")
	cureBatchCmd.Flags().Bool("json", false, "print JSON instead of a summary")

	cureCmd.AddCommand(cureBatchCmd)
	rootCmd.AddCommand(cureCmd)
}

// formatBatchResult writes a batch summary to out.
func formatBatchResult(out io.Writer, r *curing.BatchResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", r.Status)
	if r.RunID != "" {
		_, _ = fmt.Fprintf(w, "Run:\t%s\n", r.RunID)
	}
	_, _ = fmt.Fprintf(w, "Processed:\t%d\n", r.Processed)
	_, _ = fmt.Fprintf(w, "  Cured:\t%d\n", r.Cured)
	_, _ = fmt.Fprintf(w, "  Improved:\t%d\n", r.Improved)
	_, _ = fmt.Fprintf(w, "  No improvement:\t%d\n", r.NoImprovement)
	_, _ = fmt.Fprintf(w, "  Errors:\t%d\n", r.Errors)
	_, _ = fmt.Fprintf(w, "  Exhausted:\t%d\n", r.Exhausted)
	_, _ = fmt.Fprintf(w, "Tokens:\t%d in / %d out\n", r.TokensIn, r.TokensOut)
	_, _ = fmt.Fprintf(w, "Est. cost:\t$%.4f\n", r.CostUSD)
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", r.Duration.Round(time.Millisecond))
	_ = w.Flush()
}
