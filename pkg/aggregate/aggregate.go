// Package aggregate combines the per-scan descriptor records into one table
// and exports it as CSV, SQLite or Arrow.
package aggregate

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"shapedesc/internal/models"
	"shapedesc/pkg/descriptors"
)

// TableBaseName is the file name, without extension, of the exported table.
const TableBaseName = "combined_shape_descriptors"

// IDColumn names the scan id column in every export.
const IDColumn = "filename"

// Row holds the descriptor values of one scan in Table.Columns order.
type Row struct {
	ScanID string
	Values []float64
}

// Table is the combined descriptor table, one row per scan sorted by scan id.
type Table struct {
	Columns []string
	Rows    []Row
}

// ColumnIndex returns the position of a column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Lookup returns the value of a column for a scan.
func (t *Table) Lookup(scanID, column string) (float64, bool) {
	col := t.ColumnIndex(column)
	if col < 0 {
		return 0, false
	}
	i := sort.Search(len(t.Rows), func(i int) bool { return t.Rows[i].ScanID >= scanID })
	if i == len(t.Rows) || t.Rows[i].ScanID != scanID {
		return 0, false
	}
	return t.Rows[i].Values[col], true
}

// SchemaMismatchError reports a record that lacks columns of the table schema.
type SchemaMismatchError struct {
	ScanID  string
	Missing []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("record for scan %s is missing columns: %s", e.ScanID, strings.Join(e.Missing, ", "))
}

// Aggregate reads every descriptor record in dir and builds the table.
// Records are taken in scan id order and the first one fixes the schema:
// the standard descriptor keys in their usual order, then any further keys
// of that record alphabetically. Keys a later record adds beyond the schema
// are ignored; a record missing a schema column fails the whole table with
// *SchemaMismatchError. A missing or empty directory gives an empty table
// with the standard columns.
func Aggregate(dir string) (*Table, error) {
	ids, err := recordIDs(dir)
	if err != nil {
		return nil, err
	}

	table := &Table{Columns: append([]string(nil), models.DescriptorKeys...)}
	for i, id := range ids {
		values, err := descriptors.ReadRecord(descriptors.RecordPath(dir, id))
		if err != nil {
			return nil, fmt.Errorf("error reading record for scan %s: %w", id, err)
		}

		if i == 0 {
			table.Columns = schemaFor(values)
		}

		row := Row{ScanID: id, Values: make([]float64, len(table.Columns))}
		var missing []string
		for c, col := range table.Columns {
			v, ok := values[col]
			if !ok {
				missing = append(missing, col)
				continue
			}
			row.Values[c] = v
		}
		if len(missing) > 0 {
			return nil, &SchemaMismatchError{ScanID: id, Missing: missing}
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

func schemaFor(first map[string]float64) []string {
	cols := append([]string(nil), models.DescriptorKeys...)
	known := make(map[string]bool, len(cols))
	for _, c := range cols {
		known[c] = true
	}
	var extra []string
	for k := range first {
		if !known[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return append(cols, extra...)
}

// recordIDs lists the scan ids with a record in dir, sorted.
func recordIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error listing descriptors directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := descriptors.ScanIDFromRecord(e.Name()); ok && !strings.HasPrefix(e.Name(), ".") {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
