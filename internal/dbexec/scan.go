package dbexec

import (
	"context"
	"fmt"
)

// FlatRow maps result column names to raw driver values.
type FlatRow = map[string]interface{}

// QueryFlatRows runs a query and scans every row.
func QueryFlatRows(ctx context.Context, exec QueryExecutor, query string, args ...any) ([]FlatRow, error) {
	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return ScanFlatRows(rows)
}

// ScanFlatRows reads all rows keyed by result column name. Byte slices are
// copied since drivers may reuse their buffers between rows.
func ScanFlatRows(rows Rows) ([]FlatRow, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var results []FlatRow
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(FlatRow, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				values[i] = append([]byte(nil), b...)
			}
			row[col] = values[i]
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
