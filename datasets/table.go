package datasets

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Table eagerly loads a set of numeric columns from the CSV files matching a
// glob pattern. Rows keep the order of the files (as returned by
// filepath.Glob) and of the rows within each file.
type Table struct {
	// Pattern used to find CSV files (e.g., "data/donors-*.csv")
	Pattern string

	// List of CSV file paths matching the pattern
	csvPaths []string

	// Column indices of the first file, by lower-cased name
	colIndex map[string]int

	// Row count per file
	rowCounts map[int]int

	// Cumulative counts for fast index mapping
	cumCounts []int

	totalRows int

	columns map[string][]float64
}

// NewTable reads the requested columns from every CSV file matching pattern.
// Column names are matched case-insensitively and must be present in every
// file. With no columns the table only counts rows.
func NewTable(pattern string, columns ...string) (*Table, error) {
	csvPaths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
	}
	if len(csvPaths) == 0 {
		return nil, fmt.Errorf("no CSV files found matching pattern: %s", pattern)
	}

	tb := &Table{
		Pattern:   pattern,
		csvPaths:  csvPaths,
		rowCounts: make(map[int]int),
		columns:   make(map[string][]float64, len(columns)),
	}

	// Read the first file to determine column structure
	if err := tb.initializeColumns(columns); err != nil {
		return nil, err
	}

	// Count rows in all files to build the index
	if err := tb.buildIndex(); err != nil {
		return nil, err
	}

	for _, col := range columns {
		tb.columns[normalizeColumn(col)] = make([]float64, tb.totalRows)
	}
	for i := range tb.csvPaths {
		if err := tb.loadFile(i); err != nil {
			return nil, err
		}
	}
	return tb, nil
}

func normalizeColumn(name string) string {
	return strings.TrimSpace(strings.ToLower(name))
}

// initializeColumns reads the first CSV to determine column indices
func (tb *Table) initializeColumns(required []string) error {
	header, err := readHeader(tb.csvPaths[0])
	if err != nil {
		return err
	}
	tb.colIndex = header

	for _, col := range required {
		if _, ok := tb.colIndex[normalizeColumn(col)]; !ok {
			return fmt.Errorf("required column %q not found in CSV %s", col, tb.csvPaths[0])
		}
	}
	return nil
}

// buildIndex counts rows in all files and builds cumulative counts
func (tb *Table) buildIndex() error {
	tb.cumCounts = make([]int, len(tb.csvPaths)+1)

	for i, path := range tb.csvPaths {
		count, err := countCSVRows(path)
		if err != nil {
			return fmt.Errorf("failed to count rows in %s: %w", path, err)
		}
		tb.rowCounts[i] = count
		tb.cumCounts[i+1] = tb.cumCounts[i] + count
	}

	tb.totalRows = tb.cumCounts[len(tb.csvPaths)]
	return nil
}

// loadFile parses the requested columns of one shard into its slot of the
// column buffers.
func (tb *Table) loadFile(fileIdx int) error {
	path := tb.csvPaths[fileIdx]
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open CSV: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	index := headerIndex(header)
	positions := make(map[string]int, len(tb.columns))
	for name := range tb.columns {
		pos, ok := index[name]
		if !ok {
			return fmt.Errorf("required column %q not found in CSV %s", name, path)
		}
		positions[name] = pos
	}

	offset := tb.cumCounts[fileIdx]
	for row := 0; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read row %d of %s: %w", row, path, err)
		}
		if row >= tb.rowCounts[fileIdx] {
			return fmt.Errorf("%s changed while loading", path)
		}
		for name, pos := range positions {
			v, err := parseFloat64(record[pos])
			if err != nil {
				return fmt.Errorf("failed to parse %s at row %d of %s: %w", name, row, path, err)
			}
			tb.columns[name][offset+row] = v
		}
	}
	return nil
}

// Len returns the total number of rows across all CSV files
func (tb *Table) Len() int {
	return tb.totalRows
}

// Files returns the CSV files backing the table.
func (tb *Table) Files() []string {
	return append([]string(nil), tb.csvPaths...)
}

// Column returns the loaded values of a requested column.
func (tb *Table) Column(name string) ([]float64, error) {
	vals, ok := tb.columns[normalizeColumn(name)]
	if !ok {
		return nil, fmt.Errorf("column %q was not loaded", name)
	}
	return vals, nil
}

// Locate maps a global row index to the file holding it and the row index
// within that file.
func (tb *Table) Locate(globalIdx int) (path string, localIdx int) {
	for i := range len(tb.csvPaths) {
		if globalIdx < tb.cumCounts[i+1] {
			return tb.csvPaths[i], globalIdx - tb.cumCounts[i]
		}
	}
	last := len(tb.csvPaths) - 1
	return tb.csvPaths[last], tb.rowCounts[last] - 1
}
