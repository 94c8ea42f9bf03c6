package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/cascade-cli/internal/coherence"
	"github.com/sells-group/cascade-cli/internal/model"
)

var (
	validateEnvelopeID string
	validatePersist    bool
	validateStrict     bool
)

var validateCmd = &cobra.Command{
	Use:   "validate [cascade.json]",
	Short: "Score a cascade snapshot for cross-layer coherence",
	Long:  "Reads a flat L2-L9 cascade JSON object from the given file or stdin and prints the coherence result. With --persist the result is stored as the envelope's validation record.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return eris.Wrap(err, "open cascade file")
			}
			defer f.Close() //nolint:errcheck
			in = f
		}

		data, err := io.ReadAll(in)
		if err != nil {
			return eris.Wrap(err, "read cascade")
		}
		cascade, err := coherence.ParseCascade(data)
		if err != nil {
			return eris.Wrap(err, "parse cascade")
		}

		if validateStrict {
			cfg.Coherence.Rules.StrictMode = true
		}
		v, err := initValidator(cfg)
		if err != nil {
			return err
		}
		res := v.Validate(cascade)

		if validatePersist {
			if validateEnvelopeID == "" {
				return eris.New("--envelope-id is required with --persist")
			}
			if err := cfg.Validate("store"); err != nil {
				return err
			}
			st, err := initStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			if err := st.SaveValidation(cmd.Context(), model.NewValidationRecord(validateEnvelopeID, cascade, res)); err != nil {
				return eris.Wrap(err, "save validation")
			}
			zap.L().Info("validation stored",
				zap.String("envelope_id", validateEnvelopeID),
				zap.Float64("score", res.Score),
				zap.Bool("is_coherent", res.IsCoherent),
			)
		}

		return writeJSON(cmd.OutOrStdout(), res.Summary())
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateEnvelopeID, "envelope-id", "", "envelope the cascade belongs to")
	validateCmd.Flags().BoolVar(&validatePersist, "persist", false, "store the result as the envelope's validation record")
	validateCmd.Flags().BoolVar(&validateStrict, "strict", false, "mark the result as strict mode")
	rootCmd.AddCommand(validateCmd)
}

// writeJSON writes v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
