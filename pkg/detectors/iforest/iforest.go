// Package iforest implements the Isolation Forest algorithm for anomaly detection.
package iforest

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/hed1ad/flowguard/pkg/detectors"
)

// Sentinel labels emitted by PredictLabels.
const (
	LabelAnomaly = -1
	LabelNormal  = 1
)

// IsolationForest implements unsupervised anomaly detection using isolation trees.
type IsolationForest struct {
	mu sync.RWMutex

	// Configuration
	nTrees        int
	sampleSize    int
	contamination float64
	threshold     float64
	maxDepth      int
	rng           *rand.Rand

	// Trained model
	trees     []*iTree
	trained   bool
	nFeatures int

	// Statistics from training
	avgPathLength float64
}

// iTree represents a single isolation tree.
type iTree struct {
	Root *node
}

// node is a node in the isolation tree. Fields are exported for gob.
type node struct {
	// Split parameters (for internal nodes)
	SplitFeature int
	SplitValue   float64

	// Children
	Left  *node
	Right *node

	// Leaf information
	Size int // number of samples that reached this leaf
}

// Option configures an IsolationForest.
type Option func(*IsolationForest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *IsolationForest) {
		f.nTrees = n
	}
}

// WithSampleSize sets the subsample size for each tree.
func WithSampleSize(n int) Option {
	return func(f *IsolationForest) {
		f.sampleSize = n
	}
}

// WithContamination sets the expected proportion of anomalies.
func WithContamination(c float64) Option {
	return func(f *IsolationForest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(f *IsolationForest) {
		f.rng = rand.New(rand.NewSource(seed))
	}
}

// New creates a new IsolationForest with the given options.
func New(opts ...Option) *IsolationForest {
	f := &IsolationForest{
		nTrees:        100,
		sampleSize:    256,
		contamination: 0.05,
		threshold:     0.5,
		rng:           rand.New(rand.NewSource(42)),
	}

	for _, opt := range opts {
		opt(f)
	}

	// Max depth based on sample size
	f.maxDepth = int(math.Ceil(math.Log2(float64(f.sampleSize))))

	return f
}

// Fit trains the Isolation Forest on the provided data. The decision
// threshold is calibrated so that the contamination fraction of the training
// samples scores above it.
func (f *IsolationForest) Fit(data [][]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(data) == 0 {
		return errors.New("empty training data")
	}

	nSamples := len(data)
	nFeatures := len(data[0])
	f.nFeatures = nFeatures

	// Adjust sample size if needed
	sampleSize := f.sampleSize
	if sampleSize > nSamples {
		sampleSize = nSamples
	}

	// Build trees
	f.trees = make([]*iTree, f.nTrees)
	for i := 0; i < f.nTrees; i++ {
		// Sample without replacement
		indices := f.rng.Perm(nSamples)[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range indices {
			sample[j] = data[idx]
		}

		f.trees[i] = &iTree{Root: f.buildNode(sample, nFeatures, 0)}
	}

	// Calculate average path length for normalization
	f.avgPathLength = averagePathLength(float64(sampleSize))
	f.trained = true

	// Set threshold based on contamination
	if f.contamination > 0 {
		scores, err := f.predict(data)
		if err != nil {
			return err
		}
		f.threshold = percentile(scores, 100*(1-f.contamination))
	}

	return nil
}

func (f *IsolationForest) buildNode(data [][]float64, nFeatures, depth int) *node {
	n := len(data)

	// Terminal conditions
	if depth >= f.maxDepth || n <= 1 {
		return &node{Size: n}
	}

	// Random feature and split value
	feature := f.rng.Intn(nFeatures)

	// Find min/max for this feature
	minVal, maxVal := data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		if row[feature] < minVal {
			minVal = row[feature]
		}
		if row[feature] > maxVal {
			maxVal = row[feature]
		}
	}

	// If all values are the same, return leaf
	if minVal == maxVal {
		return &node{Size: n}
	}

	// Random split value
	splitValue := minVal + f.rng.Float64()*(maxVal-minVal)

	// Partition data
	var leftData, rightData [][]float64
	for _, row := range data {
		if row[feature] < splitValue {
			leftData = append(leftData, row)
		} else {
			rightData = append(rightData, row)
		}
	}

	return &node{
		SplitFeature: feature,
		SplitValue:   splitValue,
		Left:         f.buildNode(leftData, nFeatures, depth+1),
		Right:        f.buildNode(rightData, nFeatures, depth+1),
	}
}

// Predict returns anomaly scores for the given samples.
func (f *IsolationForest) Predict(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, errors.New("model not trained")
	}

	return f.predict(data)
}

func (f *IsolationForest) predict(data [][]float64) ([]float64, error) {
	scores := make([]float64, len(data))

	for i, sample := range data {
		score, err := f.score(sample)
		if err != nil {
			return nil, err
		}
		scores[i] = score
	}

	return scores, nil
}

// PredictOne returns the anomaly score for a single sample.
func (f *IsolationForest) PredictOne(sample []float64) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return 0, errors.New("model not trained")
	}

	return f.score(sample)
}

func (f *IsolationForest) score(sample []float64) (float64, error) {
	if len(sample) != f.nFeatures {
		return 0, fmt.Errorf("sample has %d features, model trained on %d", len(sample), f.nFeatures)
	}

	// Average path length across all trees
	var totalPath float64
	for _, tree := range f.trees {
		totalPath += pathLength(sample, tree.Root, 0)
	}
	avgPath := totalPath / float64(len(f.trees))

	// Anomaly score: 2^(-avgPath / c(n))
	// Higher score = more anomalous
	return math.Pow(2, -avgPath/f.avgPathLength), nil
}

// PredictLabels returns one sentinel per sample: LabelAnomaly (-1) for rows
// scoring above the contamination-calibrated threshold, LabelNormal (+1)
// otherwise. Deterministic given the seed used at construction.
func (f *IsolationForest) PredictLabels(data [][]float64) ([]int, error) {
	scores, err := f.Predict(data)
	if err != nil {
		return nil, err
	}

	f.mu.RLock()
	threshold := f.threshold
	f.mu.RUnlock()

	labels := make([]int, len(scores))
	for i, s := range scores {
		if s > threshold {
			labels[i] = LabelAnomaly
		} else {
			labels[i] = LabelNormal
		}
	}
	return labels, nil
}

// pathLength calculates the path length for a sample in a tree.
func pathLength(sample []float64, n *node, currentDepth int) float64 {
	if n.Left == nil && n.Right == nil {
		// Leaf node: add expected path length for remaining isolation
		return float64(currentDepth) + averagePathLength(float64(n.Size))
	}

	if sample[n.SplitFeature] < n.SplitValue {
		return pathLength(sample, n.Left, currentDepth+1)
	}
	return pathLength(sample, n.Right, currentDepth+1)
}

// averagePathLength returns the average path length of unsuccessful search in BST.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	// c(n) = 2*H(n-1) - 2*(n-1)/n, where H is harmonic number
	// Approximation: H(n) ~ ln(n) + 0.5772156649 (Euler-Mascheroni constant)
	return 2*(math.Log(n-1)+0.5772156649) - 2*(n-1)/n
}

// PredictStream processes samples from a channel. A scoring failure, such as
// a sample whose width does not match the trained model, stops the stream
// and is returned.
func (f *IsolationForest) PredictStream(ctx context.Context, input <-chan []float64, output chan<- detectors.Score) error {
	f.mu.RLock()
	if !f.trained {
		f.mu.RUnlock()
		return errors.New("model not trained")
	}
	f.mu.RUnlock()

	defer close(output)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sample, ok := <-input:
			if !ok {
				return nil
			}

			score, err := f.PredictOne(sample)
			if err != nil {
				return err
			}

			select {
			case output <- detectors.Score{
				Value:     score,
				IsAnomaly: score > f.Threshold(),
				Features:  sample,
			}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Save serializes the trained model.
func (f *IsolationForest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, errors.New("model not trained")
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	for _, v := range []any{f.nTrees, f.sampleSize, f.contamination, f.threshold, f.avgPathLength, f.nFeatures} {
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
	}
	if err := enc.Encode(f.trees); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (f *IsolationForest) Load(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	buf := bytes.NewBuffer(data)
	dec := gob.NewDecoder(buf)

	for _, v := range []any{&f.nTrees, &f.sampleSize, &f.contamination, &f.threshold, &f.avgPathLength, &f.nFeatures} {
		if err := dec.Decode(v); err != nil {
			return err
		}
	}
	if err := dec.Decode(&f.trees); err != nil {
		return err
	}

	f.maxDepth = int(math.Ceil(math.Log2(float64(f.sampleSize))))
	f.trained = true

	return nil
}

// Threshold returns the current anomaly threshold.
func (f *IsolationForest) Threshold() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.threshold
}

// SetThreshold updates the anomaly threshold.
func (f *IsolationForest) SetThreshold(t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threshold = t
}

// percentile calculates the p-th percentile of the data.
func percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}

	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	idx := int(float64(len(sorted)-1) * p / 100)
	return sorted[idx]
}
