package classifier

import (
	"context"
	"math"
)

// Prediction is the outcome of classifying one image. Scores sum to 1 and
// Label is their argmax.
type Prediction struct {
	Label      string             `json:"label"`
	Department string             `json:"department"`
	Confidence float32            `json:"confidence"`
	Scores     map[string]float32 `json:"all_predictions"`
	// LoadedOK is false when the prediction came from a fallback network.
	LoadedOK bool `json:"model_loaded"`
}

// PathResult holds either a prediction or the error of one debug path.
type PathResult struct {
	Prediction *Prediction
	Err        error
}

// Comparison reports the grayscale and RGB paths of the same image.
type Comparison struct {
	Grayscale      PathResult
	RGB            PathResult
	GrayscaleShape string
	RGBShape       string
	SourceMode     string
	// SourceChannels is the channel depth of the decoded upload, 0 when
	// the mode is not recognized.
	SourceChannels   int
	ExpectedChannels int
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

type Health struct {
	Status          string `json:"status"`
	PredictionShape string `json:"prediction_shape,omitempty"`
	Error           string `json:"error,omitempty"`
	LoadedOK        bool   `json:"model_loaded"`
}

type ModelInfo struct {
	InputChannels   int               `json:"model_input_channels"`
	ClassNames      []string          `json:"class_names"`
	Departments     map[string]string `json:"departments"`
	ImageSize       [2]int            `json:"image_size"`
	InputShape      string            `json:"input_shape"`
	OutputDimension int               `json:"output_dimension"`
	Normalization   string            `json:"normalization"`
	LoadedOK        bool              `json:"model_loaded"`
	Source          string            `json:"model_source"`
	Path            string            `json:"model_path,omitempty"`
	LoadFailures    []string          `json:"load_failures,omitempty"`
}

// Cache stores predictions by content hash. A miss returns nil, nil.
type Cache interface {
	GetPrediction(ctx context.Context, key string) (*Prediction, error)
	SetPrediction(ctx context.Context, key string, p *Prediction) error
}

// Activation controls how raw network output becomes scores.
type Activation string

const (
	// ActivationAuto applies softmax only when output is not a distribution.
	ActivationAuto    Activation = "auto"
	ActivationSoftmax Activation = "softmax"
	// ActivationNone trusts the network to emit probabilities. Output that
	// is not a distribution fails as a configuration error.
	ActivationNone Activation = "none"
)

const distributionTolerance = 1e-3

func isDistribution(v []float32) bool {
	var sum float64
	for _, x := range v {
		if x < 0 || math.IsNaN(float64(x)) {
			return false
		}
		sum += float64(x)
	}
	return math.Abs(sum-1) <= distributionTolerance
}
