package model

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode marks input bytes that are not a decodable image.
	ErrDecode = errors.New("image decode failed")
	// ErrShapeMismatch marks a tensor whose shape differs from the network input.
	ErrShapeMismatch = errors.New("tensor shape mismatch")
	// ErrConfiguration marks label/department/output-dimension disagreement.
	ErrConfiguration = errors.New("configuration error")
	// ErrInference marks any other failure while running the network.
	ErrInference = errors.New("inference failed")
)

// ErrorKind returns a stable tag for err, used in responses and logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDecode):
		return "decode_error"
	case errors.Is(err, ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	default:
		return "inference_error"
	}
}

func shapeMismatch(want, got Shape) error {
	return fmt.Errorf("%w: network expects %s, got %s", ErrShapeMismatch, want, got)
}

// ConfigError wraps a formatted message with ErrConfiguration.
func ConfigError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
