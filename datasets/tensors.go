package datasets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
)

// PredictionsFromTensor converts the output of a gomlx model into the
// predicted values Match expects. Rank-1 tensors and [n, 1] column tensors of
// float32 or float64 are accepted.
func PredictionsFromTensor(t *tensors.Tensor) ([]float64, error) {
	if t == nil {
		return nil, fmt.Errorf("tensor is nil")
	}
	switch v := t.Value().(type) {
	case []float64:
		return append([]float64(nil), v...), nil
	case []float32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case [][]float64:
		out := make([]float64, len(v))
		for i, row := range v {
			if len(row) != 1 {
				return nil, fmt.Errorf("row %d has %d columns, want 1", i, len(row))
			}
			out[i] = row[0]
		}
		return out, nil
	case [][]float32:
		out := make([]float64, len(v))
		for i, row := range v {
			if len(row) != 1 {
				return nil, fmt.Errorf("row %d has %d columns, want 1", i, len(row))
			}
			out[i] = float64(row[0])
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported tensor value %T: want a rank-1 or [n, 1] float tensor", v)
	}
}

func isNpy(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".npy")
}

// LoadPredictions reads predicted values saved by a gomlx model. Files ending
// in .npy are read as numpy arrays; anything else must have been written with
// (*tensors.Tensor).Save.
func LoadPredictions(path string) ([]float64, error) {
	var (
		t   *tensors.Tensor
		err error
	)
	if isNpy(path) {
		t, err = numpy.FromNpyFile(path)
	} else {
		if _, statErr := os.Stat(path); statErr != nil {
			return nil, fmt.Errorf("tensor file: %w", statErr)
		}
		t, err = tensors.Load(path)
	}
	if err != nil {
		return nil, fmt.Errorf("load tensor %s: %w", path, err)
	}
	pred, err := PredictionsFromTensor(t)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", path, err)
	}
	return pred, nil
}

// SaveImputed writes the imputed values of every draw as a [draws, targets]
// float64 tensor, in numpy format for .npy paths and gomlx format otherwise.
func SaveImputed(path string, imputed [][]float64) error {
	if len(imputed) == 0 || len(imputed[0]) == 0 {
		return fmt.Errorf("no imputed values to save")
	}
	for d, row := range imputed {
		if len(row) != len(imputed[0]) {
			return fmt.Errorf("draw %d has %d targets, want %d", d, len(row), len(imputed[0]))
		}
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	t := tensors.FromAnyValue(imputed)
	if isNpy(path) {
		return numpy.ToNpyFile(t, path)
	}
	return t.Save(path)
}
