package preprocess

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/civiceye/civic-eye-api/internal/model"
)

// DefaultMaxPixels bounds the canvas an upload may declare. Decoding
// allocates the whole declared canvas up front.
const DefaultMaxPixels = 40_000_000

// checkDimensions reads only the image header and rejects canvases larger
// than maxPixels. maxPixels <= 0 disables the limit.
func checkDimensions(data []byte, maxPixels int) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty body", model.ErrDecode)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("%w: image declares an empty %dx%d canvas", model.ErrDecode, cfg.Width, cfg.Height)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return fmt.Errorf("%w: %s image of %dx%d exceeds the %d pixel limit",
			model.ErrDecode, format, cfg.Width, cfg.Height, maxPixels)
	}
	return nil
}
