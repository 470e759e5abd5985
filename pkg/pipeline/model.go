package pipeline

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/hed1ad/flowguard/pkg/dataset"
	"github.com/hed1ad/flowguard/pkg/detectors/iforest"
	"github.com/hed1ad/flowguard/pkg/preprocess"
)

// Model bundles a fitted encoder with a trained isolation forest so feature
// vectors from outside the pipeline, such as packet captures, can be scored
// in the same normalized feature space the forest was trained on.
type Model struct {
	Encoder *preprocess.Encoder
	Forest  *iforest.IsolationForest
}

// modelImage is the gob layout of a saved model.
type modelImage struct {
	Encoder []byte
	Forest  []byte
}

// TrainModel fits the encoder and isolation forest on the full table.
func TrainModel(cfg Config, table *dataset.Table) (*Model, error) {
	if cfg.Schema.Columns == 0 {
		cfg.Schema = table.Schema()
	}

	enc := preprocess.NewEncoder(cfg.Schema, preprocess.WithDegeneratePolicy(cfg.DegeneratePolicy))
	matrix, err := enc.FitTransform(table)
	if err != nil {
		return nil, err
	}

	forest := iforest.New(forestOptions(cfg)...)
	if err := forest.Fit(matrix); err != nil {
		return nil, fmt.Errorf("pipeline: isolation forest: %w", err)
	}

	return &Model{Encoder: enc, Forest: forest}, nil
}

// Score normalizes a raw feature vector with the fitted statistics and
// returns its anomaly score.
func (m *Model) Score(v []float64) (float64, error) {
	tv, err := m.Encoder.TransformVector(v)
	if err != nil {
		return 0, err
	}
	return m.Forest.PredictOne(tv)
}

// Transform normalizes a raw feature vector without scoring it.
func (m *Model) Transform(v []float64) ([]float64, error) {
	return m.Encoder.TransformVector(v)
}

// Save serializes the encoder statistics and the forest together.
func (m *Model) Save() ([]byte, error) {
	encBlob, err := m.Encoder.Save()
	if err != nil {
		return nil, err
	}
	forestBlob, err := m.Forest.Save()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(modelImage{Encoder: encBlob, Forest: forestBlob}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LoadModel restores a model written by Save.
func LoadModel(data []byte) (*Model, error) {
	var image modelImage
	if err := gob.NewDecoder(bytes.NewBuffer(data)).Decode(&image); err != nil {
		return nil, err
	}

	enc := &preprocess.Encoder{}
	if err := enc.Load(image.Encoder); err != nil {
		return nil, err
	}
	forest := iforest.New()
	if err := forest.Load(image.Forest); err != nil {
		return nil, err
	}

	return &Model{Encoder: enc, Forest: forest}, nil
}
