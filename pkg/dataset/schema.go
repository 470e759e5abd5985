package dataset

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Schema describes the column layout of a tabular flow-record dataset.
type Schema struct {
	// Columns is the total column count, label column included.
	Columns int `yaml:"columns"`
	// LabelColumn is the index of the label column.
	LabelColumn int `yaml:"label_column"`
	// Categorical lists the indices of categorical feature columns.
	Categorical []int `yaml:"categorical"`
	// NormalLabel is the label value marking a non-attack record.
	NormalLabel string `yaml:"normal_label"`
	// Delimiter separates fields; defaults to a comma.
	Delimiter string `yaml:"delimiter"`
}

// KDDCup99 returns the schema of the KDD Cup 1999 connection records:
// 41 features plus a trailing label, categorical protocol/service/flag
// columns, and the "normal." sentinel.
func KDDCup99() Schema {
	return Schema{
		Columns:     42,
		LabelColumn: 41,
		Categorical: []int{1, 2, 3},
		NormalLabel: "normal.",
		Delimiter:   ",",
	}
}

// LoadSchema reads a schema from a YAML file.
func LoadSchema(path string) (Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, &DataAccessError{Path: path, Err: err}
	}

	s := Schema{Delimiter: ","}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Schema{}, fmt.Errorf("parse schema %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Schema{}, err
	}
	return s, nil
}

// Validate checks the schema for internal consistency.
func (s Schema) Validate() error {
	if s.Columns < 2 {
		return fmt.Errorf("schema: need at least 2 columns, got %d", s.Columns)
	}
	if s.LabelColumn < 0 || s.LabelColumn >= s.Columns {
		return fmt.Errorf("schema: label column %d out of range [0,%d)", s.LabelColumn, s.Columns)
	}
	for _, c := range s.Categorical {
		if c < 0 || c >= s.Columns {
			return fmt.Errorf("schema: categorical column %d out of range [0,%d)", c, s.Columns)
		}
		if c == s.LabelColumn {
			return fmt.Errorf("schema: label column %d listed as categorical feature", c)
		}
	}
	if s.NormalLabel == "" {
		return fmt.Errorf("schema: normal label must not be empty")
	}
	return nil
}

// IsCategorical reports whether column j holds categorical values.
func (s Schema) IsCategorical(j int) bool {
	for _, c := range s.Categorical {
		if c == j {
			return true
		}
	}
	return false
}
