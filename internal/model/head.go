package model

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
)

// HeadWeights is the on-disk form of a HeadNetwork: a grid average-pooling
// feature extractor followed by one dense layer.
type HeadWeights struct {
	InputChannels int         `json:"input_channels"`
	Grid          int         `json:"grid"`
	Classes       int         `json:"classes"`
	Weights       [][]float32 `json:"weights"`
	Bias          []float32   `json:"bias"`
}

func (w HeadWeights) features() int {
	return w.Grid * w.Grid * w.InputChannels
}

func (w HeadWeights) validate() error {
	if w.InputChannels != 1 && w.InputChannels != 3 {
		return fmt.Errorf("input_channels must be 1 or 3, got %d", w.InputChannels)
	}
	if w.Grid <= 0 {
		return fmt.Errorf("grid must be positive, got %d", w.Grid)
	}
	if w.Classes <= 0 {
		return fmt.Errorf("classes must be positive, got %d", w.Classes)
	}
	if len(w.Weights) != w.Classes || len(w.Bias) != w.Classes {
		return fmt.Errorf("expected %d weight rows and biases, got %d and %d",
			w.Classes, len(w.Weights), len(w.Bias))
	}
	for i, row := range w.Weights {
		if len(row) != w.features() {
			return fmt.Errorf("weight row %d has %d values, want %d", i, len(row), w.features())
		}
	}
	return nil
}

// LoadHeadWeights reads a JSON weights file.
func LoadHeadWeights(path string) (HeadWeights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return HeadWeights{}, fmt.Errorf("failed to read weights: %w", err)
	}

	var w HeadWeights
	if err := json.Unmarshal(data, &w); err != nil {
		return HeadWeights{}, fmt.Errorf("failed to parse weights: %w", err)
	}
	return w, nil
}

// HeadNetwork is a pure Go classifier. It holds no mutable state and is
// safe for concurrent use.
type HeadNetwork struct {
	weights    HeadWeights
	inputShape Shape
}

func NewHeadNetwork(w HeadWeights, height, width int) (*HeadNetwork, error) {
	if err := w.validate(); err != nil {
		return nil, err
	}
	if height < w.Grid || width < w.Grid {
		return nil, fmt.Errorf("image %dx%d is smaller than pooling grid %d", width, height, w.Grid)
	}
	return &HeadNetwork{
		weights:    w,
		inputShape: NewShape(1, int64(height), int64(width), int64(w.InputChannels)),
	}, nil
}

// NewFallbackHead builds an untrained head with seeded random weights. Its
// scores are structurally valid and carry no information.
func NewFallbackHead(channels, classes, grid, height, width int, seed int64) (*HeadNetwork, error) {
	rng := rand.New(rand.NewSource(seed))
	w := HeadWeights{
		InputChannels: channels,
		Grid:          grid,
		Classes:       classes,
		Weights:       make([][]float32, classes),
		Bias:          make([]float32, classes),
	}
	for i := range w.Weights {
		row := make([]float32, w.features())
		for j := range row {
			row[j] = float32(rng.NormFloat64() * 0.01)
		}
		w.Weights[i] = row
	}
	return NewHeadNetwork(w, height, width)
}

func (h *HeadNetwork) InputShape() Shape { return h.inputShape }

func (h *HeadNetwork) OutputDim() int { return h.weights.Classes }

func (h *HeadNetwork) Infer(t *Tensor) ([]float32, error) {
	if !t.Shape.Equal(h.inputShape) {
		return nil, shapeMismatch(h.inputShape, t.Shape)
	}

	features := h.pool(t)
	logits := make([]float32, h.weights.Classes)
	for i, row := range h.weights.Weights {
		sum := h.weights.Bias[i]
		for j, v := range row {
			sum += v * features[j]
		}
		logits[i] = sum
	}
	return Softmax(logits), nil
}

// pool averages each channel over a grid x grid partition of the image.
func (h *HeadNetwork) pool(t *Tensor) []float32 {
	height, width, channels := int(t.Shape[1]), int(t.Shape[2]), int(t.Shape[3])
	grid := h.weights.Grid

	sums := make([]float64, h.weights.features())
	counts := make([]int, grid*grid)
	for y := 0; y < height; y++ {
		gy := y * grid / height
		for x := 0; x < width; x++ {
			cell := gy*grid + x*grid/width
			counts[cell]++
			base := (y*width + x) * channels
			for c := 0; c < channels; c++ {
				sums[cell*channels+c] += float64(t.Data[base+c])
			}
		}
	}

	features := make([]float32, len(sums))
	for i, s := range sums {
		features[i] = float32(s / float64(counts[i/channels]))
	}
	return features
}

func (h *HeadNetwork) Close() error { return nil }

// Softmax returns a numerically stable softmax of v.
func Softmax(v []float32) []float32 {
	out := make([]float32, len(v))
	if len(v) == 0 {
		return out
	}
	peak := v[0]
	for _, x := range v[1:] {
		if x > peak {
			peak = x
		}
	}
	var sum float64
	for i, x := range v {
		e := math.Exp(float64(x - peak))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}
