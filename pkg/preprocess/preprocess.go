// Package preprocess encodes categorical flow-record attributes and
// standardizes numeric ones into a dense feature matrix.
package preprocess

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math/rand"
	"strconv"

	"gonum.org/v1/gonum/stat"

	"github.com/hed1ad/flowguard/pkg/dataset"
)

// DegeneratePolicy selects how zero-variance numeric columns are handled.
type DegeneratePolicy int

const (
	// DegenerateError aborts the run when a numeric column has no variance.
	DegenerateError DegeneratePolicy = iota
	// DegenerateZero maps a zero-variance column to all zeros instead of
	// dividing by zero.
	DegenerateZero
)

// DegenerateColumnError indicates a numeric column with zero variance.
type DegenerateColumnError struct {
	Column int
}

func (e *DegenerateColumnError) Error() string {
	return fmt.Sprintf("preprocess: numeric column %d has zero variance", e.Column)
}

// Encoder maps a raw table to a numeric feature matrix: categorical columns
// become dense integer codes in order of first appearance, numeric columns
// are z-scored with statistics from the fitted table. The label column is
// excluded from the output.
type Encoder struct {
	schema dataset.Schema
	policy DegeneratePolicy

	fitted bool
	// Per source column; nil entries are numeric columns.
	codes []map[string]float64
	// next code per categorical source column
	nextCode   []float64
	mean       []float64
	std        []float64
	degenerate []bool
	// source column index per output feature position
	features []int
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithDegeneratePolicy sets the zero-variance column policy.
func WithDegeneratePolicy(p DegeneratePolicy) Option {
	return func(e *Encoder) {
		e.policy = p
	}
}

// NewEncoder creates an encoder for the given schema.
func NewEncoder(schema dataset.Schema, opts ...Option) *Encoder {
	e := &Encoder{
		schema: schema,
		policy: DegenerateError,
	}
	for _, opt := range opts {
		opt(e)
	}

	for j := 0; j < schema.Columns; j++ {
		if j == schema.LabelColumn {
			continue
		}
		e.features = append(e.features, j)
	}
	e.codes = make([]map[string]float64, schema.Columns)
	e.nextCode = make([]float64, schema.Columns)
	e.mean = make([]float64, schema.Columns)
	e.std = make([]float64, schema.Columns)
	e.degenerate = make([]bool, schema.Columns)

	return e
}

// Features returns the number of output feature columns.
func (e *Encoder) Features() int { return len(e.features) }

// Fit computes category code tables and per-column mean/std from the table.
// Statistics are computed once and reused for every Transform in the run.
func (e *Encoder) Fit(t *dataset.Table) error {
	for _, j := range e.features {
		if e.schema.IsCategorical(j) {
			codes := make(map[string]float64)
			var next float64
			for i := 0; i < t.Rows(); i++ {
				v := t.Cell(i, j)
				if _, ok := codes[v]; !ok {
					codes[v] = next
					next++
				}
			}
			e.codes[j] = codes
			e.nextCode[j] = next
			continue
		}

		col := make([]float64, t.Rows())
		for i := 0; i < t.Rows(); i++ {
			x, err := strconv.ParseFloat(t.Cell(i, j), 64)
			if err != nil {
				return &dataset.SchemaError{Row: i, Column: j,
					Reason: "non-numeric value " + strconv.Quote(t.Cell(i, j))}
			}
			col[i] = x
		}

		mean, std := stat.MeanStdDev(col, nil)
		e.mean[j] = mean
		if !(std > 0) {
			if e.policy == DegenerateError {
				return &DegenerateColumnError{Column: j}
			}
			e.degenerate[j] = true
			e.std[j] = 1
		} else {
			e.std[j] = std
		}
	}

	e.fitted = true
	return nil
}

// Transform maps a table to the feature matrix using fitted statistics.
// Output has the same row count as the input and one column per non-label
// schema column. Category values unseen during Fit receive fresh codes.
func (e *Encoder) Transform(t *dataset.Table) ([][]float64, error) {
	if !e.fitted {
		return nil, fmt.Errorf("preprocess: encoder not fitted")
	}

	out := make([][]float64, t.Rows())
	for i := 0; i < t.Rows(); i++ {
		row := make([]float64, len(e.features))
		for k, j := range e.features {
			v := t.Cell(i, j)
			if e.schema.IsCategorical(j) {
				code, ok := e.codes[j][v]
				if !ok {
					code = e.nextCode[j]
					e.codes[j][v] = code
					e.nextCode[j]++
				}
				row[k] = code
				continue
			}

			x, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, &dataset.SchemaError{Row: i, Column: j,
					Reason: "non-numeric value " + strconv.Quote(v)}
			}
			if e.degenerate[j] {
				row[k] = 0
				continue
			}
			row[k] = (x - e.mean[j]) / e.std[j]
		}
		out[i] = row
	}

	return out, nil
}

// TransformVector applies the fitted statistics to an already numeric
// feature vector laid out like Transform output: one value per non-label
// schema column. Categorical positions are taken as codes and pass through
// unchanged; numeric positions are z-scored. Used when scoring feature
// vectors that never existed as raw table rows, such as packet captures.
func (e *Encoder) TransformVector(v []float64) ([]float64, error) {
	if !e.fitted {
		return nil, fmt.Errorf("preprocess: encoder not fitted")
	}
	if len(v) != len(e.features) {
		return nil, fmt.Errorf("preprocess: vector has %d features, encoder fitted for %d",
			len(v), len(e.features))
	}

	out := make([]float64, len(v))
	for k, j := range e.features {
		switch {
		case e.schema.IsCategorical(j):
			out[k] = v[k]
		case e.degenerate[j]:
			out[k] = 0
		default:
			out[k] = (v[k] - e.mean[j]) / e.std[j]
		}
	}
	return out, nil
}

// encoderState is the gob image of a fitted encoder.
type encoderState struct {
	Schema     dataset.Schema
	Policy     DegeneratePolicy
	Codes      []map[string]float64
	NextCode   []float64
	Mean       []float64
	Std        []float64
	Degenerate []bool
}

// Save serializes the fitted statistics so another process can apply the
// same transform.
func (e *Encoder) Save() ([]byte, error) {
	if !e.fitted {
		return nil, fmt.Errorf("preprocess: encoder not fitted")
	}

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(encoderState{
		Schema:     e.schema,
		Policy:     e.policy,
		Codes:      e.codes,
		NextCode:   e.nextCode,
		Mean:       e.mean,
		Std:        e.std,
		Degenerate: e.degenerate,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load restores a fitted encoder from Save output.
func (e *Encoder) Load(data []byte) error {
	var state encoderState
	if err := gob.NewDecoder(bytes.NewBuffer(data)).Decode(&state); err != nil {
		return err
	}

	restored := NewEncoder(state.Schema, WithDegeneratePolicy(state.Policy))
	restored.codes = state.Codes
	restored.nextCode = state.NextCode
	restored.mean = state.Mean
	restored.std = state.Std
	restored.degenerate = state.Degenerate
	restored.fitted = true

	*e = *restored
	return nil
}

// FitTransform fits on the table and transforms it in one step. This is the
// single-dataset mode: statistics come from the same records being scored.
func (e *Encoder) FitTransform(t *dataset.Table) ([][]float64, error) {
	if err := e.Fit(t); err != nil {
		return nil, err
	}
	return e.Transform(t)
}

// Split partitions a table into train and eval tables by a seeded shuffle.
// evalFraction of the rows (rounded down, at least one row when the fraction
// is positive) land in the eval table.
func Split(t *dataset.Table, evalFraction float64, seed int64) (train, eval *dataset.Table, err error) {
	if evalFraction < 0 || evalFraction >= 1 {
		return nil, nil, fmt.Errorf("preprocess: eval fraction %v outside [0,1)", evalFraction)
	}

	n := t.Rows()
	nEval := int(evalFraction * float64(n))
	if evalFraction > 0 && nEval == 0 {
		nEval = 1
	}

	perm := rand.New(rand.NewSource(seed)).Perm(n)
	return t.Select(perm[nEval:]), t.Select(perm[:nEval]), nil
}
