// Package autoenc implements an autoencoder reconstruction-error anomaly detector.
//
// A bottlenecked feed-forward network is trained to reproduce its own input;
// samples the network reconstructs poorly are flagged as anomalies. The
// decision threshold is mean + 3*std of the training reconstruction errors.
package autoenc

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Sentinel labels emitted by PredictLabels.
const (
	LabelAnomaly = 1
	LabelNormal  = 0
)

// ThresholdSigma is the number of standard deviations above the mean
// reconstruction error at which a sample is considered anomalous.
const ThresholdSigma = 3.0

// TrainingFailure indicates the loss became non-finite during training.
// It is fatal; no recovery or restart is attempted.
type TrainingFailure struct {
	Epoch int
	Loss  float64
}

func (e *TrainingFailure) Error() string {
	return fmt.Sprintf("autoenc: non-finite loss %v at epoch %d", e.Loss, e.Epoch)
}

// AutoEncoder is a reconstruction-error anomaly detector.
type AutoEncoder struct {
	mu sync.RWMutex

	// Configuration
	hidden    []int
	epochs    int
	batchSize int
	learnRate float64
	rng       *rand.Rand

	// Trained model
	layers    []*layer
	inputDim  int
	threshold float64
	trained   bool

	// Training error range, used to map errors onto [0, 1] scores.
	errMin float64
	errMax float64
}

// layer holds the weights of one fully connected layer.
// Fields are exported for gob.
type layer struct {
	In, Out int
	// W is row-major: W[i*Out+j] connects input i to output j.
	W []float64
	B []float64
	// ReLU marks hidden layers; the output layer is linear.
	ReLU bool
}

// Option configures an AutoEncoder.
type Option func(*AutoEncoder)

// WithHidden sets the hidden layer widths.
func WithHidden(widths ...int) Option {
	return func(a *AutoEncoder) {
		a.hidden = widths
	}
}

// WithEpochs sets the number of training passes over the data.
func WithEpochs(n int) Option {
	return func(a *AutoEncoder) {
		a.epochs = n
	}
}

// WithBatchSize sets the minibatch size.
func WithBatchSize(n int) Option {
	return func(a *AutoEncoder) {
		a.batchSize = n
	}
}

// WithLearningRate sets the SGD learning rate.
func WithLearningRate(lr float64) Option {
	return func(a *AutoEncoder) {
		a.learnRate = lr
	}
}

// WithSeed sets the random seed for weight initialization and batch
// shuffling, making training reproducible.
func WithSeed(seed int64) Option {
	return func(a *AutoEncoder) {
		a.rng = rand.New(rand.NewSource(seed))
	}
}

// New creates a new AutoEncoder with the given options. Without WithSeed,
// initialization is entropy-seeded and labels vary across runs.
func New(opts ...Option) *AutoEncoder {
	a := &AutoEncoder{
		hidden:    []int{64, 32, 64},
		epochs:    5,
		batchSize: 256,
		learnRate: 0.01,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Fit trains the network to reconstruct the provided data and calibrates the
// anomaly threshold from the resulting reconstruction errors.
func (a *AutoEncoder) Fit(data [][]float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(data) == 0 {
		return errors.New("empty training data")
	}

	a.inputDim = len(data[0])
	a.initLayers()

	n := len(data)
	batch := a.batchSize
	if batch > n {
		batch = n
	}

	for epoch := 0; epoch < a.epochs; epoch++ {
		perm := a.rng.Perm(n)

		var epochLoss float64
		for start := 0; start < n; start += batch {
			end := start + batch
			if end > n {
				end = n
			}
			epochLoss += a.trainBatch(data, perm[start:end])
		}

		if math.IsNaN(epochLoss) || math.IsInf(epochLoss, 0) {
			return &TrainingFailure{Epoch: epoch, Loss: epochLoss}
		}
	}

	a.trained = true

	// Calibrate threshold and score range on the training errors.
	errs := a.reconstructionErrors(data)
	a.threshold = Threshold(errs)
	a.errMin, a.errMax = errs[0], errs[0]
	for _, e := range errs {
		if e < a.errMin {
			a.errMin = e
		}
		if e > a.errMax {
			a.errMax = e
		}
	}

	return nil
}

func (a *AutoEncoder) initLayers() {
	widths := make([]int, 0, len(a.hidden)+2)
	widths = append(widths, a.inputDim)
	widths = append(widths, a.hidden...)
	widths = append(widths, a.inputDim)

	a.layers = make([]*layer, len(widths)-1)
	for l := 0; l < len(widths)-1; l++ {
		in, out := widths[l], widths[l+1]
		lay := &layer{
			In:   in,
			Out:  out,
			W:    make([]float64, in*out),
			B:    make([]float64, out),
			ReLU: l < len(widths)-2,
		}
		// Uniform init scaled by fan-in.
		limit := 1.0 / math.Sqrt(float64(in))
		for i := range lay.W {
			lay.W[i] = (a.rng.Float64()*2 - 1) * limit
		}
		a.layers[l] = lay
	}
}

// trainBatch runs one minibatch of SGD and returns the summed sample loss.
func (a *AutoEncoder) trainBatch(data [][]float64, indices []int) float64 {
	gradW := make([][]float64, len(a.layers))
	gradB := make([][]float64, len(a.layers))
	for l, lay := range a.layers {
		gradW[l] = make([]float64, len(lay.W))
		gradB[l] = make([]float64, len(lay.B))
	}

	var loss float64
	for _, idx := range indices {
		x := data[idx]

		// Forward pass, keeping every activation for backprop.
		acts := make([][]float64, len(a.layers)+1)
		acts[0] = x
		for l, lay := range a.layers {
			acts[l+1] = lay.forward(acts[l])
		}

		out := acts[len(acts)-1]

		// MSE loss and output delta.
		delta := make([]float64, len(out))
		for j := range out {
			d := out[j] - x[j]
			loss += d * d / float64(len(out))
			delta[j] = 2 * d / float64(len(out))
		}

		// Backward pass.
		for l := len(a.layers) - 1; l >= 0; l-- {
			lay := a.layers[l]
			prev := acts[l]

			for i := 0; i < lay.In; i++ {
				for j := 0; j < lay.Out; j++ {
					gradW[l][i*lay.Out+j] += prev[i] * delta[j]
				}
			}
			for j := 0; j < lay.Out; j++ {
				gradB[l][j] += delta[j]
			}

			if l == 0 {
				break
			}

			next := make([]float64, lay.In)
			for i := 0; i < lay.In; i++ {
				var sum float64
				for j := 0; j < lay.Out; j++ {
					sum += lay.W[i*lay.Out+j] * delta[j]
				}
				// ReLU derivative of the previous layer's output.
				if prev[i] > 0 {
					next[i] = sum
				}
			}
			delta = next
		}
	}

	step := a.learnRate / float64(len(indices))
	for l, lay := range a.layers {
		for i := range lay.W {
			lay.W[i] -= step * gradW[l][i]
		}
		for j := range lay.B {
			lay.B[j] -= step * gradB[l][j]
		}
	}

	return loss
}

func (l *layer) forward(in []float64) []float64 {
	out := make([]float64, l.Out)
	for j := 0; j < l.Out; j++ {
		sum := l.B[j]
		for i := 0; i < l.In; i++ {
			sum += in[i] * l.W[i*l.Out+j]
		}
		if l.ReLU && sum < 0 {
			sum = 0
		}
		out[j] = sum
	}
	return out
}

// Reconstruct runs a sample through the network.
func (a *AutoEncoder) Reconstruct(sample []float64) ([]float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.trained {
		return nil, errors.New("model not trained")
	}
	return a.reconstruct(sample), nil
}

func (a *AutoEncoder) reconstruct(sample []float64) []float64 {
	act := sample
	for _, lay := range a.layers {
		act = lay.forward(act)
	}
	return act
}

// ReconstructionErrors returns the per-sample mean squared reconstruction error.
func (a *AutoEncoder) ReconstructionErrors(data [][]float64) ([]float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.trained {
		return nil, errors.New("model not trained")
	}
	return a.reconstructionErrors(data), nil
}

func (a *AutoEncoder) reconstructionErrors(data [][]float64) []float64 {
	errs := make([]float64, len(data))
	for i, x := range data {
		errs[i] = mse(x, a.reconstruct(x))
	}
	return errs
}

func mse(x, y []float64) float64 {
	var sum float64
	for i := range x {
		d := x[i] - y[i]
		sum += d * d
	}
	return sum / float64(len(x))
}

// Threshold returns mean(errs) + ThresholdSigma*std(errs). It is a pure
// function; recomputing it over the same errors yields the same value.
func Threshold(errs []float64) float64 {
	mean, std := stat.MeanStdDev(errs, nil)
	if math.IsNaN(std) {
		// Single sample has no deviation.
		std = 0
	}
	return mean + ThresholdSigma*std
}

// ThresholdValue returns the threshold calibrated during Fit.
func (a *AutoEncoder) ThresholdValue() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.threshold
}

// PredictLabels returns one sentinel per sample: LabelAnomaly (1) where the
// reconstruction error exceeds the calibrated threshold, LabelNormal (0)
// otherwise.
func (a *AutoEncoder) PredictLabels(data [][]float64) ([]int, error) {
	errs, err := a.ReconstructionErrors(data)
	if err != nil {
		return nil, err
	}

	a.mu.RLock()
	threshold := a.threshold
	a.mu.RUnlock()

	labels := make([]int, len(errs))
	for i, e := range errs {
		if e > threshold {
			labels[i] = LabelAnomaly
		} else {
			labels[i] = LabelNormal
		}
	}
	return labels, nil
}

// Predict returns anomaly scores in [0, 1], the reconstruction error mapped
// onto the error range observed during training.
func (a *AutoEncoder) Predict(data [][]float64) ([]float64, error) {
	errs, err := a.ReconstructionErrors(data)
	if err != nil {
		return nil, err
	}

	scores := make([]float64, len(errs))
	for i, e := range errs {
		scores[i] = a.normalize(e)
	}
	return scores, nil
}

// PredictOne returns the anomaly score for a single sample.
func (a *AutoEncoder) PredictOne(sample []float64) (float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.trained {
		return 0, errors.New("model not trained")
	}
	return a.normalize(mse(sample, a.reconstruct(sample))), nil
}

func (a *AutoEncoder) normalize(err float64) float64 {
	span := a.errMax - a.errMin
	if span <= 0 {
		return 0
	}
	s := (err - a.errMin) / span
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// Save serializes the trained model.
func (a *AutoEncoder) Save() ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.trained {
		return nil, errors.New("model not trained")
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	for _, v := range []any{a.hidden, a.epochs, a.batchSize, a.learnRate,
		a.inputDim, a.threshold, a.errMin, a.errMax} {
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
	}
	if err := enc.Encode(a.layers); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (a *AutoEncoder) Load(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf := bytes.NewBuffer(data)
	dec := gob.NewDecoder(buf)

	for _, v := range []any{&a.hidden, &a.epochs, &a.batchSize, &a.learnRate,
		&a.inputDim, &a.threshold, &a.errMin, &a.errMax} {
		if err := dec.Decode(v); err != nil {
			return err
		}
	}
	if err := dec.Decode(&a.layers); err != nil {
		return err
	}

	a.trained = true
	return nil
}
