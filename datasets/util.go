package datasets

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func parseFloat64(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty string")
	}
	if strings.EqualFold(s, "NA") {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

// countCSVRows counts the number of data rows in a CSV file (excluding header)
func countCSVRows(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Skip header
	if _, err := reader.Read(); err != nil {
		return 0, err
	}

	count := 0
	for {
		_, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		count++
	}

	return count, nil
}

func readHeader(path string) (map[string]int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV %s: %w", path, err)
	}
	defer file.Close()

	header, err := csv.NewReader(file).Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	return headerIndex(header), nil
}

func headerIndex(header []string) map[string]int {
	index := make(map[string]int, len(header))
	for i, col := range header {
		index[normalizeColumn(col)] = i
	}
	return index
}

// ResolvePattern turns a directory into a pattern matching the CSV files it
// contains. Any other value is returned unchanged.
func ResolvePattern(p string) string {
	if info, err := os.Stat(p); err == nil && info.IsDir() {
		return filepath.Join(p, "*.csv")
	}
	return p
}

// WriteMatches writes one row per draw and target with the matched donor and
// the donor value borrowed by the target. Donor numbers are written 1-based,
// matching the row numbers of the donor file.
func WriteMatches(path string, draws [][]int, donorTrue []float64) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"draw", "target", "donor", "value"}); err != nil {
		return err
	}
	for d, idx := range draws {
		for i, j := range idx {
			if j < 0 || j >= len(donorTrue) {
				return fmt.Errorf("draw %d target %d: donor index %d out of range [0, %d)", d, i, j, len(donorTrue))
			}
			rec := []string{
				strconv.Itoa(d + 1),
				strconv.Itoa(i + 1),
				strconv.Itoa(j + 1),
				strconv.FormatFloat(donorTrue[j], 'g', -1, 64),
			}
			if err := w.Write(rec); err != nil {
				return err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}
