package aggregate

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SQLiteTable is the table name used in SQLite exports.
const SQLiteTable = "shape_descriptors"

// writeAtomic creates path through a temporary file in the same directory
// that is renamed into place once fill succeeds.
func writeAtomic(path string, fill func(tmpPath string) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	tmp.Close()

	if err := fill(tmpPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// WriteCSV writes the table with a leading filename column holding scan ids.
func (t *Table) WriteCSV(path string) error {
	return writeAtomic(path, func(tmpPath string) error {
		f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		defer f.Close()

		w := csv.NewWriter(f)
		if err := w.Write(append([]string{IDColumn}, t.Columns...)); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		record := make([]string, len(t.Columns)+1)
		for _, row := range t.Rows {
			record[0] = row.ScanID
			for i, v := range row.Values {
				record[i+1] = strconv.FormatFloat(v, 'g', -1, 64)
			}
			if err := w.Write(record); err != nil {
				return fmt.Errorf("write csv row: %w", err)
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
		return f.Close()
	})
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// WriteSQLite writes the table into a fresh SQLite database at path.
func (t *Table) WriteSQLite(path string) error {
	return writeAtomic(path, func(tmpPath string) error {
		db, err := sql.Open("sqlite", tmpPath)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		defer db.Close()

		cols := []string{quoteIdent(IDColumn) + " TEXT PRIMARY KEY"}
		for _, c := range t.Columns {
			cols = append(cols, quoteIdent(c)+" REAL NOT NULL")
		}
		create := fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", quoteIdent(SQLiteTable), strings.Join(cols, ",\n\t"))
		if _, err := db.Exec(create); err != nil {
			return fmt.Errorf("create table: %w", err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(t.Columns)+1), ", ")
		stmt, err := tx.Prepare(fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(SQLiteTable), placeholders))
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		args := make([]any, len(t.Columns)+1)
		for _, row := range t.Rows {
			args[0] = row.ScanID
			for i, v := range row.Values {
				args[i+1] = v
			}
			if _, err := stmt.Exec(args...); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("insert %s: %w", row.ScanID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return db.Close()
	})
}

// ArrowSchema returns the Arrow schema of the table: a utf8 filename column
// followed by one float64 column per descriptor.
func (t *Table) ArrowSchema() *arrow.Schema {
	fields := []arrow.Field{{Name: IDColumn, Type: arrow.BinaryTypes.String}}
	for _, c := range t.Columns {
		fields = append(fields, arrow.Field{Name: c, Type: arrow.PrimitiveTypes.Float64})
	}
	return arrow.NewSchema(fields, nil)
}

// WriteArrow writes the table as a single record batch in the Arrow IPC
// stream format.
func (t *Table) WriteArrow(path string) error {
	return writeAtomic(path, func(tmpPath string) error {
		f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		defer f.Close()

		pool := memory.NewGoAllocator()
		schema := t.ArrowSchema()
		writer := ipc.NewWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(pool))

		idBuilder := array.NewStringBuilder(pool)
		defer idBuilder.Release()
		valueBuilders := make([]*array.Float64Builder, len(t.Columns))
		for i := range valueBuilders {
			valueBuilders[i] = array.NewFloat64Builder(pool)
			defer valueBuilders[i].Release()
		}

		for _, row := range t.Rows {
			idBuilder.Append(row.ScanID)
			for i, v := range row.Values {
				valueBuilders[i].Append(v)
			}
		}

		columns := []arrow.Array{idBuilder.NewArray()}
		for _, b := range valueBuilders {
			columns = append(columns, b.NewArray())
		}
		defer func() {
			for _, c := range columns {
				c.Release()
			}
		}()

		record := array.NewRecord(schema, columns, int64(len(t.Rows)))
		defer record.Release()

		if err := writer.Write(record); err != nil {
			writer.Close()
			return fmt.Errorf("write arrow record: %w", err)
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("close arrow writer: %w", err)
		}
		return f.Close()
	})
}
