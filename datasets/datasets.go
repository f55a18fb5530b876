package datasets

import (
	"fmt"
	"math"
)

// This file provides the donor and target tables consumed by the matcher.
// Both are loaded from CSV files through Table, which accepts a glob pattern
// so a large table can be split across several shard files that share one
// header layout.
//
// Layout and intended usage:
//
// Donors
//   - one row per observed case
//   - a predicted-value column (e.g. "yhat") and the observed outcome
//     column (e.g. "y")
//
// Targets
//   - one row per case needing an imputed value
//   - a predicted-value column, an optional exclusion column and an
//     optional known-outcome column used only for coverage diagnostics
//
// Missing cells written as "NA" or "NaN" load as NaN. An NaN exclusion value
// excludes nothing. Predicted values must not be missing, and neither may a
// donor's observed value since it is what a matched target borrows.
//
// Predictions may instead come from a tensor written by a gomlx model (see
// LoadPredictions). The loaders are then called with an empty prediction
// column and the values are attached with SetPredictions, in table row order.

// Donors holds the predicted and observed values of the donor cases, in
// file order.
type Donors struct {
	Pred []float64
	True []float64
}

// Len returns the number of donors.
func (d *Donors) Len() int { return len(d.True) }

// SetPredictions replaces the donors' predicted values.
func (d *Donors) SetPredictions(pred []float64) error {
	if err := checkPredictions(pred, d.Len()); err != nil {
		return fmt.Errorf("donor predictions: %w", err)
	}
	d.Pred = pred
	return nil
}

// Targets holds the predicted values of the cases to impute and, per case,
// the value to exclude from its donor pool.
type Targets struct {
	Pred    []float64
	Exclude []float64

	// True is nil unless a known-outcome column was requested.
	True []float64
}

// Len returns the number of targets.
func (t *Targets) Len() int { return len(t.Exclude) }

// SetPredictions replaces the targets' predicted values.
func (t *Targets) SetPredictions(pred []float64) error {
	if err := checkPredictions(pred, t.Len()); err != nil {
		return fmt.Errorf("target predictions: %w", err)
	}
	t.Pred = pred
	return nil
}

func checkPredictions(pred []float64, rows int) error {
	if len(pred) != rows {
		return fmt.Errorf("got %d values for %d rows", len(pred), rows)
	}
	for i, v := range pred {
		if math.IsNaN(v) {
			return fmt.Errorf("value %d is missing", i)
		}
	}
	return nil
}

// LoadDonors reads the donor table from the CSV files matching pattern. An
// empty predCol leaves Pred nil.
func LoadDonors(pattern, predCol, trueCol string) (*Donors, error) {
	cols := []string{trueCol}
	if predCol != "" {
		cols = append(cols, predCol)
	}
	tbl, err := NewTable(pattern, cols...)
	if err != nil {
		return nil, err
	}
	var pred []float64
	if predCol != "" {
		pred, _ = tbl.Column(predCol)
		if err := tbl.requireObserved(predCol, pred); err != nil {
			return nil, err
		}
	}
	obs, _ := tbl.Column(trueCol)
	if err := tbl.requireObserved(trueCol, obs); err != nil {
		return nil, err
	}
	return &Donors{Pred: pred, True: obs}, nil
}

// LoadTargets reads the target table from the CSV files matching pattern.
// excludeCol and trueCol may be empty. Without an exclusion column every
// donor is eligible for every target. An empty predCol leaves Pred nil.
func LoadTargets(pattern, predCol, excludeCol, trueCol string) (*Targets, error) {
	var cols []string
	if predCol != "" {
		cols = append(cols, predCol)
	}
	if excludeCol != "" {
		cols = append(cols, excludeCol)
	}
	if trueCol != "" {
		cols = append(cols, trueCol)
	}
	tbl, err := NewTable(pattern, cols...)
	if err != nil {
		return nil, err
	}

	t := &Targets{}
	if predCol != "" {
		t.Pred, _ = tbl.Column(predCol)
		if err := tbl.requireObserved(predCol, t.Pred); err != nil {
			return nil, err
		}
	}
	if excludeCol != "" {
		t.Exclude, _ = tbl.Column(excludeCol)
	} else {
		t.Exclude = make([]float64, tbl.Len())
		for i := range t.Exclude {
			t.Exclude[i] = math.NaN()
		}
	}
	if trueCol != "" {
		t.True, _ = tbl.Column(trueCol)
	}
	return t, nil
}

// requireObserved fails on the first missing value of a column.
func (tb *Table) requireObserved(name string, vals []float64) error {
	for i, v := range vals {
		if math.IsNaN(v) {
			path, row := tb.Locate(i)
			return fmt.Errorf("column %q is missing at row %d of %s", name, row, path)
		}
	}
	return nil
}
