package model

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// Source names where a loaded network came from.
type Source string

const (
	SourceONNX     Source = "onnx"
	SourceWeights  Source = "weights"
	SourceFallback Source = "fallback"
)

const defaultFallbackGrid = 4

type LoadOptions struct {
	ModelPath      string
	RuntimeLibrary string
	WeightsPath    string
	InputName      string
	OutputName     string

	Height          int
	Width           int
	DefaultChannels int
	// Classes sizes dynamic output dimensions and the fallback head.
	Classes int

	FallbackGrid int
	FallbackSeed int64

	Logger *zap.Logger
}

// Loaded is the long-lived result of Load. It is never mutated after Load
// returns.
type Loaded struct {
	Network  Network
	Channels int
	// LoadedOK is false when Network is an untrained fallback.
	LoadedOK bool
	Source   Source
	Path     string
	// Failures records why earlier load stages were skipped.
	Failures []string

	runtimeStarted bool
}

func (l *Loaded) Close() error {
	var err error
	if l.Network != nil {
		err = l.Network.Close()
	}
	if l.runtimeStarted {
		ShutdownRuntime()
	}
	return err
}

// Load opens the trained artifact, falling back to separately stored head
// weights and finally to an untrained head, so that a usable network always
// exists. Only a configuration error is returned.
func Load(opts LoadOptions) (*Loaded, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.DefaultChannels == 0 {
		opts.DefaultChannels = 3
	}
	if opts.FallbackGrid == 0 {
		opts.FallbackGrid = defaultFallbackGrid
	}

	var failures []string

	net, channelHint, started, err := loadONNX(opts)
	if err == nil {
		log.Info("model loaded",
			zap.String("path", opts.ModelPath),
			zap.String("input_shape", net.InputShape().String()),
			zap.Int("output_dim", net.OutputDim()))
		return &Loaded{
			Network:        net,
			Channels:       net.InputShape().Channels(),
			LoadedOK:       true,
			Source:         SourceONNX,
			Path:           opts.ModelPath,
			runtimeStarted: started,
		}, nil
	}
	log.Warn("failed to load model artifact, trying head weights",
		zap.String("path", opts.ModelPath), zap.Error(err))
	failures = append(failures, fmt.Sprintf("onnx: %v", err))

	head, weightsHint, err := loadWeights(opts)
	if err == nil {
		log.Info("model recovered from head weights",
			zap.String("path", opts.WeightsPath),
			zap.String("input_shape", head.InputShape().String()))
		return &Loaded{
			Network:        head,
			Channels:       head.InputShape().Channels(),
			LoadedOK:       true,
			Source:         SourceWeights,
			Path:           opts.WeightsPath,
			Failures:       failures,
			runtimeStarted: started,
		}, nil
	}
	log.Warn("failed to load head weights",
		zap.String("path", opts.WeightsPath), zap.Error(err))
	failures = append(failures, fmt.Sprintf("weights: %v", err))

	channels := opts.DefaultChannels
	switch {
	case channelHint == 1 || channelHint == 3:
		channels = channelHint
	case weightsHint == 1 || weightsHint == 3:
		channels = weightsHint
	}

	fallback, err := NewFallbackHead(channels, opts.Classes, opts.FallbackGrid,
		opts.Height, opts.Width, opts.FallbackSeed)
	if err != nil {
		if started {
			ShutdownRuntime()
		}
		return nil, ConfigError("cannot build fallback network: %v", err)
	}
	log.Error("serving untrained fallback network, predictions are not meaningful",
		zap.Int("channels", channels), zap.Strings("failures", failures))

	return &Loaded{
		Network:        fallback,
		Channels:       channels,
		LoadedOK:       false,
		Source:         SourceFallback,
		Failures:       failures,
		runtimeStarted: started,
	}, nil
}

// loadONNX returns the network, or the channel depth the artifact declares
// (0 when unknown) together with the failure.
func loadONNX(opts LoadOptions) (*ONNXNetwork, int, bool, error) {
	if opts.ModelPath == "" {
		return nil, 0, false, errors.New("no model path configured")
	}
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, 0, false, fmt.Errorf("model artifact unavailable: %w", err)
	}
	if err := InitRuntime(opts.RuntimeLibrary); err != nil {
		return nil, 0, false, err
	}

	meta, err := InspectONNX(opts.ModelPath, opts.InputName, opts.OutputName)
	if err != nil {
		return nil, 0, true, err
	}

	declared := meta.InputShape
	hint := declared.Channels()
	if err := checkDeclaredInput(declared, opts.Height, opts.Width); err != nil {
		return nil, hint, true, err
	}

	channels := hint
	if channels == 0 {
		channels = opts.DefaultChannels
	}

	inputShape := NewShape(1, int64(opts.Height), int64(opts.Width), int64(channels))
	outputShape, err := resolveOutputShape(meta.OutputShape, opts.Classes)
	if err != nil {
		return nil, hint, true, err
	}

	net, err := NewONNXNetwork(opts.ModelPath, meta, inputShape, outputShape)
	if err != nil {
		return nil, hint, true, err
	}
	return net, hint, true, nil
}

// checkDeclaredInput rejects artifacts whose input layout cannot take the
// configured image size. This is a load failure, so Load moves on to the
// next stage.
func checkDeclaredInput(declared Shape, height, width int) error {
	if len(declared) != 4 {
		return fmt.Errorf("unsupported input shape %s, want (batch, H, W, C)", declared)
	}
	if declared[1] > 0 && declared[1] != int64(height) ||
		declared[2] > 0 && declared[2] != int64(width) {
		return fmt.Errorf("model input %s does not match configured size %dx%d", declared, height, width)
	}
	return nil
}

func resolveOutputShape(declared Shape, classes int) (Shape, error) {
	if len(declared) == 0 {
		return nil, errors.New("model declares a scalar output")
	}
	out := make(Shape, len(declared))
	copy(out, declared)
	for i, d := range out {
		if d > 0 {
			continue
		}
		if i == len(out)-1 {
			out[i] = int64(classes)
		} else {
			out[i] = 1
		}
	}
	return out, nil
}

func loadWeights(opts LoadOptions) (*HeadNetwork, int, error) {
	if opts.WeightsPath == "" {
		return nil, 0, errors.New("no weights path configured")
	}
	w, err := LoadHeadWeights(opts.WeightsPath)
	if err != nil {
		return nil, 0, err
	}
	head, err := NewHeadNetwork(w, opts.Height, opts.Width)
	if err != nil {
		return nil, w.InputChannels, fmt.Errorf("invalid head weights: %w", err)
	}
	return head, w.InputChannels, nil
}
