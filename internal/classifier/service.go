package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/civiceye/civic-eye-api/internal/model"
	"github.com/civiceye/civic-eye-api/internal/preprocess"
)

// Service runs the classification pipeline against one loaded network. All
// of its state is fixed at construction, so it is safe for concurrent use.
type Service struct {
	loaded     *model.Loaded
	network    model.Network
	labels     LabelTable
	pre        *preprocess.Preprocessor
	activation Activation
	cache      Cache
	// fingerprint scopes cache keys to this network, label table and
	// preprocessing.
	fingerprint string
	log         *zap.Logger
	// gate serializes inference when the engine is not safe for
	// concurrent use. nil means no gate.
	gate *sync.Mutex
}

type Option func(*Service)

func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithActivation(a Activation) Option {
	return func(s *Service) { s.activation = a }
}

// WithSerializedInference puts every inference call behind one mutex.
func WithSerializedInference() Option {
	return func(s *Service) { s.gate = &sync.Mutex{} }
}

// New builds the service. A label table that disagrees with the network's
// output dimension, or a network whose input does not match the
// preprocessor, is a configuration error.
func New(loaded *model.Loaded, labels LabelTable, pre *preprocess.Preprocessor, opts ...Option) (*Service, error) {
	if loaded == nil || loaded.Network == nil {
		return nil, model.ConfigError("no network loaded")
	}
	if _, err := NewLabelTable(labels); err != nil {
		return nil, err
	}

	net := loaded.Network
	if dim := net.OutputDim(); dim > 0 && dim != len(labels) {
		return nil, model.ConfigError("network outputs %d scores but %d labels are configured", dim, len(labels))
	}
	in := net.InputShape()
	if len(in) != 4 || in[1] != int64(pre.Height) || in[2] != int64(pre.Width) {
		return nil, model.ConfigError("network input %s does not match preprocessing size %dx%d",
			in, pre.Width, pre.Height)
	}
	if c := in.Channels(); c != 1 && c != 3 {
		return nil, model.ConfigError("network input %s has unsupported channel depth", in)
	}

	s := &Service{
		loaded:     loaded,
		network:    net,
		labels:     labels,
		pre:        pre,
		activation: ActivationAuto,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	switch s.activation {
	case ActivationAuto, ActivationSoftmax, ActivationNone:
	default:
		return nil, model.ConfigError("unknown output activation %q", s.activation)
	}
	s.fingerprint = fingerprint(loaded, labels, pre, s.activation)
	return s, nil
}

// LoadedOK reports whether predictions come from a trained network.
func (s *Service) LoadedOK() bool { return s.loaded.LoadedOK }

// ExpectedChannels is the channel depth the loaded network consumes.
func (s *Service) ExpectedChannels() int { return s.network.InputShape().Channels() }

// Classify decodes data and classifies it with the network's own channel
// depth. Results from a trained network are cached by model fingerprint
// and content hash.
func (s *Service) Classify(ctx context.Context, data []byte) (*Prediction, error) {
	key := ""
	if s.cache != nil && s.loaded.LoadedOK {
		key = s.fingerprint + ":" + contentKey(data)
		cached, err := s.cache.GetPrediction(ctx, key)
		if err != nil {
			s.log.Warn("prediction cache lookup failed", zap.Error(err))
		} else if cached != nil {
			return cached, nil
		}
	}

	img, format, err := s.pre.Decode(data)
	if err != nil {
		s.logFailure("classify", err)
		return nil, err
	}
	s.log.Debug("image decoded",
		zap.String("format", format),
		zap.String("mode", string(preprocess.Mode(img))),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()))

	p, err := s.ClassifyImage(img)
	if err != nil {
		return nil, err
	}

	if key != "" {
		if err := s.cache.SetPrediction(ctx, key, p); err != nil {
			s.log.Warn("prediction cache store failed", zap.Error(err))
		}
	}
	return p, nil
}

// ClassifyImage runs preprocess, inference and label mapping on a decoded
// image.
func (s *Service) ClassifyImage(img image.Image) (*Prediction, error) {
	p, _, err := s.run(img, s.ExpectedChannels())
	if err != nil {
		s.logFailure("classify", err)
		return nil, err
	}
	return p, nil
}

// ClassifyTensor classifies an already preprocessed NHWC tensor.
func (s *Service) ClassifyTensor(data []float32) (p *Prediction, err error) {
	defer recoverInference(&err)

	shape := s.network.InputShape()
	if int64(len(data)) != shape.Size() {
		err = fmt.Errorf("%w: expected %d values for %s, got %d",
			model.ErrShapeMismatch, shape.Size(), shape, len(data))
		s.logFailure("classify_tensor", err)
		return nil, err
	}

	t := model.NewTensor(shape)
	copy(t.Data, data)
	scores, err := s.infer(t)
	if err != nil {
		s.logFailure("classify_tensor", err)
		return nil, err
	}
	p, err = s.predict(scores)
	if err != nil {
		s.logFailure("classify_tensor", err)
	}
	return p, err
}

// Compare runs the grayscale and RGB paths independently regardless of what
// the network expects. Only a decode failure fails the call as a whole.
func (s *Service) Compare(ctx context.Context, data []byte) (*Comparison, error) {
	_ = ctx
	img, _, err := s.pre.Decode(data)
	if err != nil {
		s.logFailure("compare", err)
		return nil, err
	}

	mode := preprocess.Mode(img)
	c := &Comparison{
		GrayscaleShape:   s.pre.OutputShape(1).String(),
		RGBShape:         s.pre.OutputShape(3).String(),
		SourceMode:       string(mode),
		SourceChannels:   mode.Channels(),
		ExpectedChannels: s.ExpectedChannels(),
	}

	c.Grayscale.Prediction, _, c.Grayscale.Err = s.run(img, 1)
	c.RGB.Prediction, _, c.RGB.Err = s.run(img, 3)

	s.log.Info("debug comparison",
		zap.String("source_mode", c.SourceMode),
		zap.Int("source_channels", c.SourceChannels),
		zap.Int("expected_channels", c.ExpectedChannels),
		zap.NamedError("grayscale_error", c.Grayscale.Err),
		zap.NamedError("rgb_error", c.RGB.Err))
	return c, nil
}

// Check classifies a random-noise image shaped for the network.
func (s *Service) Check(ctx context.Context) (h Health) {
	_ = ctx
	h.LoadedOK = s.loaded.LoadedOK
	defer func() {
		if r := recover(); r != nil {
			h.Status = StatusUnhealthy
			h.PredictionShape = ""
			h.Error = fmt.Sprintf("health check panicked: %v", r)
		}
	}()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	noise := preprocess.Noise(s.pre.Height, s.pre.Width, s.ExpectedChannels(), rng)

	_, scores, err := s.run(noise, s.ExpectedChannels())
	if err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		h.Status = StatusUnhealthy
		h.Error = err.Error()
		return h
	}
	h.Status = StatusHealthy
	h.PredictionShape = model.NewShape(1, int64(len(scores))).String()
	return h
}

func (s *Service) Metadata() ModelInfo {
	in := s.network.InputShape()
	info := ModelInfo{
		InputChannels:   in.Channels(),
		ClassNames:      s.labels.Names(),
		Departments:     s.labels.Departments(),
		ImageSize:       [2]int{s.pre.Height, s.pre.Width},
		InputShape:      in.String(),
		OutputDimension: len(s.labels),
		Normalization:   string(s.pre.Normalization.Scheme),
		LoadedOK:        s.loaded.LoadedOK,
		Source:          string(s.loaded.Source),
		Path:            s.loaded.Path,
		LoadFailures:    s.loaded.Failures,
	}
	if dim := s.network.OutputDim(); dim > 0 {
		info.OutputDimension = dim
	}
	return info
}

// run is the shared pipeline. It returns the raw score vector too so the
// health check can report its shape.
func (s *Service) run(img image.Image, channels int) (p *Prediction, raw []float32, err error) {
	defer recoverInference(&err)

	t, err := s.pre.Preprocess(img, channels)
	if err != nil {
		return nil, nil, err
	}
	raw, err = s.infer(t)
	if err != nil {
		return nil, nil, err
	}
	p, err = s.predict(raw)
	if err != nil {
		return nil, nil, err
	}
	return p, raw, nil
}

func (s *Service) infer(t *model.Tensor) ([]float32, error) {
	if s.gate != nil {
		s.gate.Lock()
		defer s.gate.Unlock()
	}
	scores, err := s.network.Infer(t)
	if err != nil {
		if errors.Is(err, model.ErrShapeMismatch) || errors.Is(err, model.ErrInference) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", model.ErrInference, err)
	}
	return scores, nil
}

func (s *Service) predict(raw []float32) (*Prediction, error) {
	if len(raw) != len(s.labels) {
		return nil, model.ConfigError("network returned %d scores for %d labels", len(raw), len(s.labels))
	}

	scores := raw
	switch s.activation {
	case ActivationSoftmax:
		scores = model.Softmax(raw)
	case ActivationAuto:
		if !isDistribution(raw) {
			scores = model.Softmax(raw)
		}
	}

	for i, v := range scores {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w: non-finite score %v for %q", model.ErrInference, v, s.labels[i].Name)
		}
	}
	if s.activation == ActivationNone && !isDistribution(scores) {
		return nil, model.ConfigError("output_activation is none but the network output is not a probability distribution")
	}

	best := 0
	all := make(map[string]float32, len(scores))
	for i, v := range scores {
		all[s.labels[i].Name] = v
		if v > scores[best] {
			best = i
		}
	}

	return &Prediction{
		Label:      s.labels[best].Name,
		Department: s.labels[best].Department,
		Confidence: scores[best],
		Scores:     all,
		LoadedOK:   s.loaded.LoadedOK,
	}, nil
}

func (s *Service) logFailure(op string, err error) {
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("kind", model.ErrorKind(err)),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, model.ErrDecode):
		s.log.Info("rejected undecodable image", fields...)
	case errors.Is(err, model.ErrShapeMismatch):
		s.log.Warn("tensor shape mismatch, check model and preprocessing configuration", fields...)
	case errors.Is(err, model.ErrConfiguration):
		s.log.Error("configuration defect", fields...)
	default:
		s.log.Error("inference failed", fields...)
	}
}

func recoverInference(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: panic: %v", model.ErrInference, r)
	}
}

func contentKey(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// fingerprint identifies everything a cached prediction depends on besides
// the image bytes.
func fingerprint(loaded *model.Loaded, labels LabelTable, pre *preprocess.Preprocessor, act Activation) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|", loaded.Source, loaded.Path, loaded.Network.InputShape(), act)
	for _, l := range labels {
		fmt.Fprintf(h, "%s=%s|", l.Name, l.Department)
	}
	n := pre.Normalization
	fmt.Fprintf(h, "%dx%d|%d|%s|%v|%v", pre.Width, pre.Height, pre.Interpolation, n.Scheme, n.Mean, n.Std)
	return hex.EncodeToString(h.Sum(nil))[:16]
}
