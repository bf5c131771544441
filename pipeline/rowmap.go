package pipeline

import (
	"fmt"

	"github.com/DendraScience/dendra-worker-tasks-dpe/errors"
)

// MapRows assigns column names and times to decoded rows. Each row
// becomes a record of N named values plus a time field. Decoders deliver
// rows in strictly descending time order, so the first row gets baseTime
// and each subsequent row steps back by intervalSec seconds.
func MapRows(columns []string, rows [][]float64, baseTime, intervalSec int64) ([]map[string]any, error) {
	if len(columns) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: no decode columns", errors.ErrMissingColumn),
			"pipeline", "MapRows", "check columns")
	}

	records := make([]map[string]any, 0, len(rows))
	t := baseTime
	for _, row := range rows {
		record := make(map[string]any, len(row)+1)
		record["time"] = t
		for i, v := range row {
			if i >= len(columns) || columns[i] == "" {
				return nil, errors.WrapInvalid(
					fmt.Errorf("%w: index %d", errors.ErrMissingColumn, i),
					"pipeline", "MapRows", "assign column name")
			}
			record[columns[i]] = v
		}
		records = append(records, record)
		t -= intervalSec * 1000
	}
	return records, nil
}
