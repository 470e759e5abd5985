package iforest

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/flowguard/pkg/detectors"
)

func TestNewIsolationForest(t *testing.T) {
	tests := []struct {
		name       string
		opts       []Option
		wantNTrees int
	}{
		{
			name:       "default configuration",
			opts:       nil,
			wantNTrees: 100,
		},
		{
			name:       "custom trees",
			opts:       []Option{WithTrees(50)},
			wantNTrees: 50,
		},
		{
			name:       "multiple options",
			opts:       []Option{WithTrees(200), WithContamination(0.05), WithSeed(123)},
			wantNTrees: 200,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.opts...)
			assert.Equal(t, tt.wantNTrees, f.nTrees)
		})
	}
}

func TestFit(t *testing.T) {
	tests := []struct {
		name    string
		data    [][]float64
		wantErr bool
	}{
		{
			name:    "empty data",
			data:    [][]float64{},
			wantErr: true,
		},
		{
			name:    "single sample",
			data:    [][]float64{{1.0, 2.0, 3.0}},
			wantErr: false,
		},
		{
			name:    "normal data",
			data:    generateTestData(100, 5, 1),
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(WithTrees(10), WithSeed(42))
			err := f.Fit(tt.data)

			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.True(t, f.trained)
				assert.Len(t, f.trees, f.nTrees)
			}
		})
	}
}

func TestPredict(t *testing.T) {
	trainData := generateTestData(500, 5, 2)
	f := New(WithTrees(50), WithSampleSize(100), WithSeed(42))
	require.NoError(t, f.Fit(trainData))

	t.Run("predict on normal data", func(t *testing.T) {
		testData := generateTestData(100, 5, 3)
		scores, err := f.Predict(testData)

		require.NoError(t, err)
		assert.Len(t, scores, len(testData))

		for _, score := range scores {
			assert.GreaterOrEqual(t, score, 0.0)
			assert.LessOrEqual(t, score, 1.0)
		}
	})

	t.Run("predict on anomalies", func(t *testing.T) {
		anomalies := [][]float64{
			{1000, 1000, 1000, 1000, 1000},
			{-500, -500, -500, -500, -500},
		}
		scores, err := f.Predict(anomalies)

		require.NoError(t, err)
		for _, score := range scores {
			assert.Greater(t, score, 0.4, "anomalies should have high scores")
		}
	})

	t.Run("predict before fit", func(t *testing.T) {
		untrained := New()
		_, err := untrained.Predict(trainData)
		assert.Error(t, err)
	})
}

func TestPredictOne(t *testing.T) {
	trainData := generateTestData(200, 3, 4)
	f := New(WithTrees(20), WithSeed(42))
	require.NoError(t, f.Fit(trainData))

	score, err := f.PredictOne([]float64{0.5, 0.5, 0.5})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
}

func TestPredictLabels(t *testing.T) {
	t.Run("fraction tracks contamination", func(t *testing.T) {
		data := generateTestData(2000, 4, 5)
		f := New(WithTrees(100), WithContamination(0.05), WithSeed(42))
		require.NoError(t, f.Fit(data))

		labels, err := f.PredictLabels(data)
		require.NoError(t, err)
		require.Len(t, labels, len(data))

		anomalous := 0
		for _, l := range labels {
			require.Contains(t, []int{LabelAnomaly, LabelNormal}, l)
			if l == LabelAnomaly {
				anomalous++
			}
		}

		// 5% of 2000 is 100; allow slack for score ties.
		assert.InDelta(t, 100, anomalous, 50)
	})

	t.Run("outlier is flagged", func(t *testing.T) {
		data := generateTestData(199, 3, 6)
		outlier := []float64{500, 500, 500}
		data = append(data, outlier)

		f := New(WithTrees(100), WithContamination(0.05), WithSeed(42))
		require.NoError(t, f.Fit(data))

		labels, err := f.PredictLabels(data)
		require.NoError(t, err)
		assert.Equal(t, LabelAnomaly, labels[len(labels)-1])
	})

	t.Run("before fit", func(t *testing.T) {
		_, err := New().PredictLabels(generateTestData(10, 3, 7))
		assert.Error(t, err)
	})
}

func TestPredictDimensionMismatch(t *testing.T) {
	trainData := generateTestData(100, 5, 20)
	f := New(WithTrees(10), WithSeed(42))
	require.NoError(t, f.Fit(trainData))

	t.Run("predict one", func(t *testing.T) {
		_, err := f.PredictOne([]float64{1, 2})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "features")
	})

	t.Run("batch with short row", func(t *testing.T) {
		data := generateTestData(10, 5, 21)
		data[4] = []float64{1, 2, 3}

		_, err := f.Predict(data)
		assert.Error(t, err)

		_, err = f.PredictLabels(data)
		assert.Error(t, err)
	})

	t.Run("survives save and load", func(t *testing.T) {
		blob, err := f.Save()
		require.NoError(t, err)

		loaded := New()
		require.NoError(t, loaded.Load(blob))

		_, err = loaded.PredictOne(make([]float64, 10))
		assert.Error(t, err, "loaded model must still reject mismatched widths")

		_, err = loaded.PredictOne(make([]float64, 5))
		assert.NoError(t, err)
	})

	t.Run("stream surfaces the error", func(t *testing.T) {
		input := make(chan []float64, 1)
		output := make(chan detectors.Score, 1)
		input <- []float64{1, 2}
		close(input)

		err := f.PredictStream(context.Background(), input, output)
		assert.Error(t, err)
	})
}

func TestDeterminism(t *testing.T) {
	data := generateTestData(500, 4, 8)

	run := func() []int {
		f := New(WithTrees(50), WithContamination(0.05), WithSeed(99))
		require.NoError(t, f.Fit(data))
		labels, err := f.PredictLabels(data)
		require.NoError(t, err)
		return labels
	}

	assert.Equal(t, run(), run(), "same seed and data must yield identical labels")
}

func TestPredictStream(t *testing.T) {
	trainData := generateTestData(200, 3, 9)
	f := New(WithTrees(20), WithSeed(42))
	require.NoError(t, f.Fit(trainData))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	input := make(chan []float64, 10)
	output := make(chan detectors.Score, 10)

	go func() {
		err := f.PredictStream(ctx, input, output)
		assert.NoError(t, err)
	}()

	testSamples := [][]float64{
		{0.5, 0.5, 0.5},
		{100, 100, 100}, // anomaly
		{0.3, 0.3, 0.3},
	}

	go func() {
		for _, sample := range testSamples {
			input <- sample
		}
		close(input)
	}()

	results := make([]detectors.Score, 0, len(testSamples))
	for score := range output {
		results = append(results, score)
	}

	assert.Len(t, results, len(testSamples))
}

func TestSaveLoad(t *testing.T) {
	trainData := generateTestData(200, 4, 10)
	original := New(WithTrees(30), WithContamination(0.15), WithSeed(42))
	require.NoError(t, original.Fit(trainData))

	testData := generateTestData(50, 4, 11)
	originalScores, err := original.Predict(testData)
	require.NoError(t, err)

	data, err := original.Save()
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	loaded := New()
	require.NoError(t, loaded.Load(data))

	loadedScores, err := loaded.Predict(testData)
	require.NoError(t, err)
	assert.Equal(t, originalScores, loadedScores)

	originalLabels, err := original.PredictLabels(testData)
	require.NoError(t, err)
	loadedLabels, err := loaded.PredictLabels(testData)
	require.NoError(t, err)
	assert.Equal(t, originalLabels, loadedLabels)
}

func TestThreshold(t *testing.T) {
	f := New()
	f.trained = true

	assert.Equal(t, 0.5, f.Threshold())

	f.SetThreshold(0.7)
	assert.Equal(t, 0.7, f.Threshold())
}

func BenchmarkFit(b *testing.B) {
	data := generateTestData(10000, 10, 12)
	f := New(WithTrees(100), WithSampleSize(256))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Fit(data)
	}
}

func BenchmarkPredict(b *testing.B) {
	trainData := generateTestData(5000, 10, 13)
	testData := generateTestData(1000, 10, 14)

	f := New(WithTrees(100), WithSampleSize(256))
	f.Fit(trainData)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Predict(testData)
	}
}

func generateTestData(n, features int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	data := make([][]float64, n)
	for i := 0; i < n; i++ {
		data[i] = make([]float64, features)
		for j := 0; j < features; j++ {
			data[i][j] = rng.NormFloat64()
		}
	}
	return data
}
