package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/Noofbiz/matchindex/datasets"
	"github.com/Noofbiz/matchindex/matcher"
)

var matchFlags runFlags

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Match every target to a donor and write the borrowed values",
	Long: `Match every target to one of its k nearest donors by predicted value and
write one CSV row per draw and target: draw, target, donor (1-based donor row)
and the donor's observed value.

Examples:
  pmm match --donors data/donors.csv --targets data/targets.csv -k 5
  pmm match -c pmm.yaml --draws 20 --seed 42 --plot output/hist.png
  pmm match --donors train.csv --donor-tensor train_pred.npy --targets test.csv \
    --target-tensor test_pred.npy --draws 50 --tensor-out output/imputed.npy
  pmm match --print-default-config > pmm.yaml`,
	RunE: runMatch,
}

func init() {
	matchFlags.register(matchCmd.Flags())
}

// run holds the inputs and outputs of one matching run.
type run struct {
	donors  *datasets.Donors
	targets *datasets.Targets
	draws   [][]int
}

// imputed returns the donor values borrowed in every draw.
func (r *run) imputed() [][]float64 {
	out := make([][]float64, len(r.draws))
	for d, idx := range r.draws {
		out[d] = matcher.Gather(r.donors.True, idx)
	}
	return out
}

// predictionSetter is a table whose predictions can come from a tensor file.
type predictionSetter interface {
	SetPredictions(pred []float64) error
}

// predColumn returns the column to read predictions from, or "" when a
// tensor file supplies them.
func predColumn(tc TableConfig) string {
	if tc.Tensor != "" {
		return ""
	}
	return tc.Pred
}

func applyTensor(dst predictionSetter, path string) error {
	if path == "" {
		return nil
	}
	pred, err := datasets.LoadPredictions(path)
	if err != nil {
		return err
	}
	if err := dst.SetPredictions(pred); err != nil {
		return err
	}
	slog.Info("predictions loaded from tensor",
		slog.String("path", path),
		slog.Int("rows", len(pred)))
	return nil
}

// execute loads the tables named by cfg and runs cfg.Draws matches.
func execute(ctx context.Context, cfg Config, needTruth bool) (*run, error) {
	donors, err := datasets.LoadDonors(datasets.ResolvePattern(cfg.Donors.Pattern), predColumn(cfg.Donors), cfg.Donors.True)
	if err != nil {
		return nil, fmt.Errorf("load donors: %w", err)
	}
	if err := applyTensor(donors, cfg.Donors.Tensor); err != nil {
		return nil, fmt.Errorf("load donors: %w", err)
	}
	trueCol := ""
	if needTruth {
		trueCol = cfg.Targets.True
	}
	targets, err := datasets.LoadTargets(datasets.ResolvePattern(cfg.Targets.Pattern), predColumn(cfg.Targets), cfg.Targets.Exclude, trueCol)
	if err != nil {
		return nil, fmt.Errorf("load targets: %w", err)
	}
	if err := applyTensor(targets, cfg.Targets.Tensor); err != nil {
		return nil, fmt.Errorf("load targets: %w", err)
	}
	slog.Info("tables loaded",
		slog.Int("donors", donors.Len()),
		slog.Int("targets", targets.Len()))

	policy, err := matcher.ParseEmptyPoolPolicy(cfg.EmptyPool)
	if err != nil {
		return nil, err
	}
	m, err := matcher.NewMatcher(matcher.NewRandSampler(cfg.Seed))
	if err != nil {
		return nil, err
	}
	m.Workers = cfg.Workers
	m.EmptyPool = policy
	m.Logger = slog.Default()

	start := time.Now()
	draws, err := m.MatchMany(ctx, donors.Pred, targets.Pred, cfg.K, targets.Exclude, donors.True, cfg.Draws)
	if err != nil {
		return nil, err
	}
	slog.Info("matching complete",
		slog.Int("k", matcher.ClampK(cfg.K, donors.Len())),
		slog.Int("draws", len(draws)),
		slog.Duration("elapsed", time.Since(start)))

	return &run{donors: donors, targets: targets, draws: draws}, nil
}

func runMatch(cmd *cobra.Command, _ []string) error {
	if matchFlags.printDefault {
		fmt.Fprint(cmd.OutOrStdout(), defaultConfigYAML)
		return nil
	}
	cfg, err := matchFlags.resolve(cmd.Flags())
	if err != nil {
		return err
	}
	if matchFlags.printEffective {
		out, err := cfg.dump()
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	}

	r, err := execute(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	if err := datasets.WriteMatches(cfg.Output, r.draws, r.donors.True); err != nil {
		return fmt.Errorf("write matches: %w", err)
	}
	slog.Info("wrote matches", slog.String("path", cfg.Output))

	if cfg.Plot == "" && cfg.TensorOut == "" {
		return nil
	}
	return writeExtras(cfg, r.donors.True, r.imputed())
}

// writeExtras writes the optional histogram and imputed-values tensor.
func writeExtras(cfg Config, observed []float64, imputed [][]float64) error {
	if cfg.Plot != "" {
		if err := writeHistogram(cfg.Plot, observed, imputed); err != nil {
			return fmt.Errorf("write plot: %w", err)
		}
		slog.Info("wrote plot", slog.String("path", cfg.Plot))
	}
	if cfg.TensorOut != "" {
		if err := datasets.SaveImputed(cfg.TensorOut, imputed); err != nil {
			return fmt.Errorf("write tensor: %w", err)
		}
		slog.Info("wrote imputed tensor", slog.String("path", cfg.TensorOut))
	}
	return nil
}
