package dataset

import "fmt"

// DataAccessError indicates the dataset could not be opened or read.
type DataAccessError struct {
	Path string
	Err  error
}

func (e *DataAccessError) Error() string {
	return fmt.Sprintf("dataset: cannot access %s: %v", e.Path, e.Err)
}

func (e *DataAccessError) Unwrap() error { return e.Err }

// SchemaError indicates a record that does not match the declared schema,
// such as a column-count mismatch or a non-numeric value in a numeric column.
type SchemaError struct {
	Row    int
	Column int
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Column >= 0 {
		return fmt.Sprintf("dataset: row %d column %d: %s", e.Row, e.Column, e.Reason)
	}
	return fmt.Sprintf("dataset: row %d: %s", e.Row, e.Reason)
}
