package main

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

const histogramBins = 30

// writeHistogram plots the distribution of the observed donor values (grey)
// against the values imputed across all draws (blue). Both histograms are
// normalized so their areas match.
func writeHistogram(outPath string, observed []float64, imputed [][]float64) error {
	obs := finiteValues(observed)
	var imp plotter.Values
	for _, draw := range imputed {
		imp = append(imp, finiteValues(draw)...)
	}
	if len(obs) == 0 || len(imp) == 0 {
		return fmt.Errorf("nothing to plot: %d observed and %d imputed finite values", len(obs), len(imp))
	}

	p := plot.New()
	p.Title.Text = "Observed donors (grey) vs imputed targets (blue)"
	p.X.Label.Text = "value"
	p.Y.Label.Text = "density"

	oh, err := plotter.NewHist(obs, histogramBins)
	if err != nil {
		return err
	}
	oh.Normalize(1)
	oh.FillColor = color.RGBA{R: 120, G: 120, B: 120, A: 140}
	oh.LineStyle.Color = color.RGBA{R: 90, G: 90, B: 90, A: 255}
	p.Add(oh)
	p.Legend.Add("observed", oh)

	ih, err := plotter.NewHist(imp, histogramBins)
	if err != nil {
		return err
	}
	ih.Normalize(1)
	ih.FillColor = color.RGBA{R: 20, G: 80, B: 200, A: 110}
	ih.LineStyle.Color = color.RGBA{R: 20, G: 80, B: 200, A: 255}
	p.Add(ih)
	p.Legend.Add("imputed", ih)

	p.Add(plotter.NewGrid())

	if dir := filepath.Dir(outPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return p.Save(8*vg.Inch, 5*vg.Inch, outPath)
}

func finiteValues(vals []float64) plotter.Values {
	out := make(plotter.Values, 0, len(vals))
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, v)
	}
	return out
}
