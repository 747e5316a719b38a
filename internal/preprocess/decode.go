//go:build !gocv

package preprocess

import (
	"bytes"
	"fmt"
	"image"

	"github.com/civiceye/civic-eye-api/internal/model"
)

// Decode turns uploaded bytes into an image. Supported: JPEG, PNG, GIF,
// BMP, TIFF, WebP. Images declaring more than maxPixels pixels are
// rejected before any pixel data is decoded.
func Decode(data []byte, maxPixels int) (image.Image, string, error) {
	if err := checkDimensions(data, maxPixels); err != nil {
		return nil, "", err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", model.ErrDecode, err)
	}
	return img, format, nil
}
