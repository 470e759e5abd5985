// Package dataset loads delimited network flow-record files into memory.
package dataset

import (
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// Table is an in-memory tabular dataset of raw string cells. It lives for a
// single run; nothing is persisted.
type Table struct {
	schema Schema
	cells  [][]string
}

// Rows returns the number of records.
func (t *Table) Rows() int { return len(t.cells) }

// Cols returns the number of columns, label included.
func (t *Table) Cols() int { return t.schema.Columns }

// Schema returns the schema the table was loaded under.
func (t *Table) Schema() Schema { return t.schema }

// Cell returns the raw value at row i, column j.
func (t *Table) Cell(i, j int) string { return t.cells[i][j] }

// Row returns the raw record at index i. The slice is shared, not copied.
func (t *Table) Row(i int) []string { return t.cells[i] }

// Labels returns the raw label column.
func (t *Table) Labels() []string {
	out := make([]string, len(t.cells))
	for i, row := range t.cells {
		out[i] = row[t.schema.LabelColumn]
	}
	return out
}

// GroundTruth derives the boolean attack label per record: true iff the raw
// label differs from the schema's normal sentinel (exact, case-sensitive).
func (t *Table) GroundTruth() []bool {
	out := make([]bool, len(t.cells))
	for i, row := range t.cells {
		out[i] = row[t.schema.LabelColumn] != t.schema.NormalLabel
	}
	return out
}

// Select returns a new table containing the given row indices, in order.
func (t *Table) Select(indices []int) *Table {
	cells := make([][]string, len(indices))
	for i, idx := range indices {
		cells[i] = t.cells[idx]
	}
	return &Table{schema: t.schema, cells: cells}
}

// NewTable builds a table from pre-parsed records, validating against the
// schema. Used by tests and synthetic pipelines.
func NewTable(schema Schema, records [][]string) (*Table, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	for i, row := range records {
		if len(row) != schema.Columns {
			return nil, &SchemaError{Row: i, Column: -1,
				Reason: countMismatch(len(row), schema.Columns)}
		}
	}
	return &Table{schema: schema, cells: records}, nil
}

// Load reads a headerless delimited file, transparently decompressing
// gzip input (by .gz suffix), and returns the full table. Any row whose
// field count differs from the schema aborts the load; there is no retry
// and no row skipping.
func Load(path string, schema Schema) (*Table, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &DataAccessError{Path: path, Err: err}
	}
	defer f.Close()

	var src io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, &DataAccessError{Path: path, Err: err}
		}
		defer gz.Close()
		src = gz
	}

	return read(src, schema)
}

func read(src io.Reader, schema Schema) (*Table, error) {
	r := csv.NewReader(src)
	r.Comma = delimiter(schema)
	// Column counts are checked against the schema, not the first row.
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var cells [][]string
	for row := 0; ; row++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &SchemaError{Row: row, Column: -1, Reason: err.Error()}
		}
		if len(record) != schema.Columns {
			return nil, &SchemaError{Row: row, Column: -1,
				Reason: countMismatch(len(record), schema.Columns)}
		}
		cells = append(cells, record)
	}

	return &Table{schema: schema, cells: cells}, nil
}

func delimiter(schema Schema) rune {
	if schema.Delimiter == "" {
		return ','
	}
	return []rune(schema.Delimiter)[0]
}

func countMismatch(got, want int) string {
	return fmt.Sprintf("column count %d, schema expects %d", got, want)
}
