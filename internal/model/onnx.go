package model

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// InitRuntime loads the onnxruntime shared library once per process.
func InitRuntime(libraryPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

func ShutdownRuntime() {
	if ort.IsInitialized() {
		_ = ort.DestroyEnvironment()
	}
}

// InspectONNX queries the declared input and output shapes of the artifact.
// Empty names select the first input/output.
func InspectONNX(path, inputName, outputName string) (Metadata, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read model io info: %w", err)
	}

	in, err := pickInfo(inputs, inputName, "input")
	if err != nil {
		return Metadata{}, err
	}
	out, err := pickInfo(outputs, outputName, "output")
	if err != nil {
		return Metadata{}, err
	}

	return Metadata{
		InputName:   in.Name,
		OutputName:  out.Name,
		InputShape:  Shape(in.Dimensions),
		OutputShape: Shape(out.Dimensions),
	}, nil
}

func pickInfo(infos []ort.InputOutputInfo, name, kind string) (ort.InputOutputInfo, error) {
	if len(infos) == 0 {
		return ort.InputOutputInfo{}, fmt.Errorf("model declares no %s", kind)
	}
	if name == "" {
		return infos[0], nil
	}
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}
	return ort.InputOutputInfo{}, fmt.Errorf("model has no %s named %q", kind, name)
}

// ONNXNetwork runs an ONNX artifact through onnxruntime. The session owns a
// single pair of input/output tensors, so runs are serialized.
type ONNXNetwork struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	Metadata     Metadata
	inputShape   Shape
	outputDim    int
}

// NewONNXNetwork opens path with concrete input/output shapes. Dynamic
// dimensions must already be resolved by the caller.
func NewONNXNetwork(path string, meta Metadata, inputShape, outputShape Shape) (*ONNXNetwork, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(inputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(outputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(path,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.Value{inputTensor}, []ort.Value{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXNetwork{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		Metadata:     meta,
		inputShape:   inputShape,
		outputDim:    int(outputShape[len(outputShape)-1]),
	}, nil
}

func (n *ONNXNetwork) InputShape() Shape { return n.inputShape }

func (n *ONNXNetwork) OutputDim() int { return n.outputDim }

func (n *ONNXNetwork) Infer(t *Tensor) ([]float32, error) {
	if !t.Shape.Equal(n.inputShape) {
		return nil, shapeMismatch(n.inputShape, t.Shape)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	copy(n.inputTensor.GetData(), t.Data)
	if err := n.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	out := n.outputTensor.GetData()
	scores := make([]float32, len(out))
	copy(scores, out)
	return scores, nil
}

func (n *ONNXNetwork) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.inputTensor != nil {
		n.inputTensor.Destroy()
		n.inputTensor = nil
	}
	if n.outputTensor != nil {
		n.outputTensor.Destroy()
		n.outputTensor = nil
	}
	if n.session != nil {
		n.session.Destroy()
		n.session = nil
	}
	return nil
}
