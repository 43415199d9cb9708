package sim

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cast"
)

// Recording is a CSV file loaded column-wise: header name to samples.
type Recording map[string][]float64

// LoadCSV reads a CSV file with a header row and at least one data row. Every
// cell must be numeric.
func LoadCSV(path string) (Recording, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, errors.New("csv must contain header and at least one data row")
	}

	header := records[0]
	rec := make(Recording, len(header))
	for line, record := range records[1:] {
		if len(record) != len(header) {
			return nil, fmt.Errorf("row %d: record length mismatch", line+2)
		}
		for i, key := range header {
			key = strings.TrimSpace(key)
			cell := strings.TrimSpace(record[i])
			if cell == "" {
				return nil, fmt.Errorf("row %d: empty value for column %s", line+2, key)
			}
			val, err := cast.ToFloat64E(cell)
			if err != nil {
				return nil, fmt.Errorf("row %d: invalid value for column %s: %w", line+2, key, err)
			}
			rec[key] = append(rec[key], val)
		}
	}
	return rec, nil
}

// Column returns the samples of one column.
func (r Recording) Column(name string) ([]float64, error) {
	samples, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("column %s not found", name)
	}
	return samples, nil
}
