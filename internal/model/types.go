package model

// Network is a loaded classifier. Implementations are read-only after
// construction; Infer may be called from multiple goroutines.
type Network interface {
	// InputShape is the NHWC shape Infer accepts, batch included.
	InputShape() Shape
	// OutputDim is the length of the score vector, or 0 when the artifact
	// declares it dynamically.
	OutputDim() int
	Infer(t *Tensor) ([]float32, error)
	Close() error
}

// Metadata describes what the loader discovered about an ONNX artifact.
type Metadata struct {
	InputName   string `json:"input_name"`
	OutputName  string `json:"output_name"`
	InputShape  Shape  `json:"input_shape"`
	OutputShape Shape  `json:"output_shape"`
}

// PredictionRequest carries an already preprocessed NHWC tensor.
type PredictionRequest struct {
	Image []float32 `json:"image"`
}
