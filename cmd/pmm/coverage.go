package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Noofbiz/matchindex/diagnostics"
)

// defaultCoverageDraws is used when neither the config nor the flags ask for
// more than one draw; a single draw has no spread to check.
const defaultCoverageDraws = 1000

var coverageFlags runFlags

var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "Check how often known outcomes fall inside the IQR of their imputations",
	Long: `Impute every target many times and count how many known target outcomes lie
inside the interquartile range of their imputed values. The targets table must
carry the known outcomes (--target-true).

Example:
  pmm coverage --donors train.csv --targets test.csv --target-true y --draws 1000`,
	RunE: runCoverage,
}

func init() {
	coverageFlags.register(coverageCmd.Flags())
}

func runCoverage(cmd *cobra.Command, _ []string) error {
	cfg, err := coverageFlags.resolve(cmd.Flags())
	if err != nil {
		return err
	}
	if cfg.Targets.True == "" {
		return fmt.Errorf("coverage needs the targets' known outcomes: set --target-true")
	}
	if cfg.Draws < 2 {
		cfg.Draws = defaultCoverageDraws
	}

	r, err := execute(cmd.Context(), cfg, true)
	if err != nil {
		return err
	}
	imputed := r.imputed()
	c, err := diagnostics.IQRCoverage(imputed, r.targets.True)
	if err != nil {
		return err
	}
	slog.Info("coverage computed",
		slog.Int("covered", c.Covered),
		slog.Int("total", c.Total),
		slog.Float64("rate", c.Rate))
	fmt.Fprintf(cmd.OutOrStdout(), "%d of %d known outcomes inside the IQR of %d draws (%.1f%%)\n",
		c.Covered, c.Total, cfg.Draws, 100*c.Rate)

	return writeExtras(cfg, r.donors.True, imputed)
}
