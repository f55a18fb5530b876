// Package diagnostics checks how well repeated imputations reflect the
// uncertainty of the values they replace.
package diagnostics

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

var ErrNoDraws = errors.New("no imputation draws")

// Coverage summarizes an interquartile coverage check. With well calibrated
// imputations about half of the known outcomes fall inside the interquartile
// range of their imputed values.
type Coverage struct {
	Covered int
	Total   int
	Rate    float64

	// Lower and Upper hold the per-target 25th and 75th percentiles.
	Lower []float64
	Upper []float64
}

// IQRCoverage counts the targets whose known outcome lies inside the
// interquartile range of its imputed values. draws[d][i] is the value imputed
// for target i in draw d. Targets with a NaN outcome are skipped.
func IQRCoverage(draws [][]float64, truth []float64) (Coverage, error) {
	if len(draws) == 0 {
		return Coverage{}, ErrNoDraws
	}
	for d, row := range draws {
		if len(row) != len(truth) {
			return Coverage{}, fmt.Errorf("draw %d has %d values, want %d", d, len(row), len(truth))
		}
	}

	byTarget := Transpose(draws)
	c := Coverage{
		Lower: make([]float64, len(truth)),
		Upper: make([]float64, len(truth)),
	}
	for i, vals := range byTarget {
		sort.Float64s(vals)
		c.Lower[i] = stat.Quantile(0.25, stat.Empirical, vals, nil)
		c.Upper[i] = stat.Quantile(0.75, stat.Empirical, vals, nil)
		if math.IsNaN(truth[i]) {
			continue
		}
		c.Total++
		if truth[i] >= c.Lower[i] && truth[i] <= c.Upper[i] {
			c.Covered++
		}
	}
	if c.Total > 0 {
		c.Rate = float64(c.Covered) / float64(c.Total)
	}
	return c, nil
}

// Transpose turns draw-major values into target-major values. All rows must
// have the length of the first.
func Transpose(draws [][]float64) [][]float64 {
	if len(draws) == 0 {
		return nil
	}
	out := make([][]float64, len(draws[0]))
	for i := range out {
		out[i] = make([]float64, len(draws))
		for d := range draws {
			out[i][d] = draws[d][i]
		}
	}
	return out
}
