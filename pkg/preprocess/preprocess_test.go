package preprocess

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/hed1ad/flowguard/pkg/dataset"
)

func testSchema() dataset.Schema {
	return dataset.Schema{
		Columns:     4,
		LabelColumn: 3,
		Categorical: []int{0},
		NormalLabel: "normal.",
		Delimiter:   ",",
	}
}

func syntheticTable(t *testing.T, n int, seed int64) *dataset.Table {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	protocols := []string{"tcp", "udp", "icmp"}

	records := make([][]string, n)
	for i := range records {
		records[i] = []string{
			protocols[rng.Intn(len(protocols))],
			strconv.FormatFloat(10+rng.NormFloat64()*3, 'f', -1, 64),
			strconv.FormatFloat(rng.NormFloat64(), 'f', -1, 64),
			"normal.",
		}
	}
	table, err := dataset.NewTable(testSchema(), records)
	require.NoError(t, err)
	return table
}

func TestFitTransformShape(t *testing.T) {
	table := syntheticTable(t, 200, 1)
	enc := NewEncoder(testSchema())

	matrix, err := enc.FitTransform(table)
	require.NoError(t, err)

	assert.Len(t, matrix, table.Rows())
	for _, row := range matrix {
		assert.Len(t, row, table.Cols()-1)
	}
	assert.Equal(t, 3, enc.Features())
}

func TestNormalizedColumns(t *testing.T) {
	table := syntheticTable(t, 500, 2)
	enc := NewEncoder(testSchema())

	matrix, err := enc.FitTransform(table)
	require.NoError(t, err)

	// Numeric columns land at output positions 1 and 2.
	for _, j := range []int{1, 2} {
		col := make([]float64, len(matrix))
		for i, row := range matrix {
			col[i] = row[j]
		}
		mean, std := stat.MeanStdDev(col, nil)
		assert.InDelta(t, 0, mean, 1e-9, "column %d mean", j)
		assert.InDelta(t, 1, std, 1e-9, "column %d std", j)
	}
}

func TestCategoricalEncoding(t *testing.T) {
	records := [][]string{
		{"tcp", "1", "0.5", "normal."},
		{"udp", "2", "1.5", "normal."},
		{"tcp", "3", "2.5", "smurf."},
		{"icmp", "4", "3.5", "normal."},
	}
	table, err := dataset.NewTable(testSchema(), records)
	require.NoError(t, err)

	enc := NewEncoder(testSchema())
	matrix, err := enc.FitTransform(table)
	require.NoError(t, err)

	// Codes follow first appearance: tcp=0, udp=1, icmp=2.
	assert.Equal(t, 0.0, matrix[0][0])
	assert.Equal(t, 1.0, matrix[1][0])
	assert.Equal(t, 0.0, matrix[2][0])
	assert.Equal(t, 2.0, matrix[3][0])
}

func TestDegenerateColumn(t *testing.T) {
	records := [][]string{
		{"tcp", "7", "0.5", "normal."},
		{"udp", "7", "1.5", "normal."},
		{"tcp", "7", "2.5", "normal."},
	}
	table, err := dataset.NewTable(testSchema(), records)
	require.NoError(t, err)

	t.Run("error policy", func(t *testing.T) {
		enc := NewEncoder(testSchema())
		_, err := enc.FitTransform(table)

		var degErr *DegenerateColumnError
		require.ErrorAs(t, err, &degErr)
		assert.Equal(t, 1, degErr.Column)
	})

	t.Run("zero policy", func(t *testing.T) {
		enc := NewEncoder(testSchema(), WithDegeneratePolicy(DegenerateZero))
		matrix, err := enc.FitTransform(table)
		require.NoError(t, err)

		for _, row := range matrix {
			assert.Equal(t, 0.0, row[1])
		}
	})
}

func TestNonNumericValue(t *testing.T) {
	records := [][]string{
		{"tcp", "1", "0.5", "normal."},
		{"udp", "oops", "1.5", "normal."},
	}
	table, err := dataset.NewTable(testSchema(), records)
	require.NoError(t, err)

	enc := NewEncoder(testSchema())
	_, err = enc.FitTransform(table)

	var schemaErr *dataset.SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, 1, schemaErr.Row)
	assert.Equal(t, 1, schemaErr.Column)
}

func TestTransformUsesFittedStatistics(t *testing.T) {
	fitRecords := [][]string{
		{"tcp", "0", "10", "normal."},
		{"tcp", "10", "20", "normal."},
	}
	fitTable, err := dataset.NewTable(testSchema(), fitRecords)
	require.NoError(t, err)

	enc := NewEncoder(testSchema())
	require.NoError(t, enc.Fit(fitTable))

	otherRecords := [][]string{
		{"tcp", "5", "15", "normal."},
	}
	otherTable, err := dataset.NewTable(testSchema(), otherRecords)
	require.NoError(t, err)

	matrix, err := enc.Transform(otherTable)
	require.NoError(t, err)

	// 5 is exactly the fitted mean of column 1, 15 of column 2.
	assert.InDelta(t, 0, matrix[0][1], 1e-12)
	assert.InDelta(t, 0, matrix[0][2], 1e-12)
}

func TestTransformUnseenCategory(t *testing.T) {
	fitTable, err := dataset.NewTable(testSchema(), [][]string{
		{"tcp", "0", "1", "normal."},
		{"udp", "1", "2", "normal."},
	})
	require.NoError(t, err)

	enc := NewEncoder(testSchema())
	require.NoError(t, enc.Fit(fitTable))

	otherTable, err := dataset.NewTable(testSchema(), [][]string{
		{"icmp", "0.5", "1.5", "normal."},
	})
	require.NoError(t, err)

	matrix, err := enc.Transform(otherTable)
	require.NoError(t, err)
	assert.Equal(t, 2.0, matrix[0][0], "unseen category gets the next code")
}

func TestTransformVector(t *testing.T) {
	fitTable, err := dataset.NewTable(testSchema(), [][]string{
		{"tcp", "0", "10", "normal."},
		{"tcp", "10", "20", "normal."},
	})
	require.NoError(t, err)

	enc := NewEncoder(testSchema())
	require.NoError(t, enc.Fit(fitTable))

	t.Run("applies fitted statistics", func(t *testing.T) {
		// Feature layout: [protocol code, col1, col2]; 5 and 15 are the
		// fitted means, so both numeric positions map to zero.
		out, err := enc.TransformVector([]float64{1, 5, 15})
		require.NoError(t, err)

		assert.Equal(t, 1.0, out[0], "categorical code passes through")
		assert.InDelta(t, 0, out[1], 1e-12)
		assert.InDelta(t, 0, out[2], 1e-12)
	})

	t.Run("matches table transform", func(t *testing.T) {
		table, err := dataset.NewTable(testSchema(), [][]string{
			{"tcp", "7", "12", "normal."},
		})
		require.NoError(t, err)

		want, err := enc.Transform(table)
		require.NoError(t, err)

		got, err := enc.TransformVector([]float64{0, 7, 12})
		require.NoError(t, err)
		assert.Equal(t, want[0], got)
	})

	t.Run("width mismatch", func(t *testing.T) {
		_, err := enc.TransformVector([]float64{1, 2})
		assert.Error(t, err)
	})

	t.Run("before fit", func(t *testing.T) {
		_, err := NewEncoder(testSchema()).TransformVector([]float64{0, 0, 0})
		assert.Error(t, err)
	})
}

func TestEncoderSaveLoad(t *testing.T) {
	fitTable := syntheticTable(t, 100, 11)
	enc := NewEncoder(testSchema())
	require.NoError(t, enc.Fit(fitTable))

	blob, err := enc.Save()
	require.NoError(t, err)
	assert.NotEmpty(t, blob)

	loaded := &Encoder{}
	require.NoError(t, loaded.Load(blob))

	other := syntheticTable(t, 20, 12)
	want, err := enc.Transform(other)
	require.NoError(t, err)
	got, err := loaded.Transform(other)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	wantVec, err := enc.TransformVector([]float64{1, 9.5, -0.25})
	require.NoError(t, err)
	gotVec, err := loaded.TransformVector([]float64{1, 9.5, -0.25})
	require.NoError(t, err)
	assert.Equal(t, wantVec, gotVec)
}

func TestEncoderSaveBeforeFit(t *testing.T) {
	_, err := NewEncoder(testSchema()).Save()
	assert.Error(t, err)
}

func TestTransformBeforeFit(t *testing.T) {
	enc := NewEncoder(testSchema())
	_, err := enc.Transform(syntheticTable(t, 5, 3))
	assert.Error(t, err)
}

func TestSplit(t *testing.T) {
	table := syntheticTable(t, 100, 4)

	t.Run("partition sizes", func(t *testing.T) {
		train, eval, err := Split(table, 0.25, 42)
		require.NoError(t, err)
		assert.Equal(t, 75, train.Rows())
		assert.Equal(t, 25, eval.Rows())
	})

	t.Run("deterministic for a seed", func(t *testing.T) {
		train1, eval1, err := Split(table, 0.2, 7)
		require.NoError(t, err)
		train2, eval2, err := Split(table, 0.2, 7)
		require.NoError(t, err)

		for i := 0; i < eval1.Rows(); i++ {
			assert.Equal(t, eval1.Row(i), eval2.Row(i))
		}
		for i := 0; i < train1.Rows(); i++ {
			assert.Equal(t, train1.Row(i), train2.Row(i))
		}
	})

	t.Run("tiny positive fraction keeps one row", func(t *testing.T) {
		_, eval, err := Split(table, 0.001, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, eval.Rows())
	})

	t.Run("invalid fraction", func(t *testing.T) {
		_, _, err := Split(table, 1.0, 1)
		assert.Error(t, err)
	})
}
