//go:build gocv

package preprocess

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/civiceye/civic-eye-api/internal/model"
)

// Decode turns uploaded bytes into an image through OpenCV, keeping the
// source channel mode. The header is checked against maxPixels first, so
// only formats Go can read a header for are accepted.
func Decode(data []byte, maxPixels int) (image.Image, string, error) {
	if err := checkDimensions(data, maxPixels); err != nil {
		return nil, "", err
	}

	mat, err := gocv.IMDecode(data, gocv.IMReadUnchanged)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", model.ErrDecode, err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, "", fmt.Errorf("%w: opencv could not decode image", model.ErrDecode)
	}

	// ToImage only handles 8-bit Mats; decode anything else as 8-bit color.
	if mat.Type() != gocv.MatTypeCV8UC1 && mat.Type() != gocv.MatTypeCV8UC3 && mat.Type() != gocv.MatTypeCV8UC4 {
		color, err := gocv.IMDecode(data, gocv.IMReadColor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", model.ErrDecode, err)
		}
		defer color.Close()
		img, err := color.ToImage()
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", model.ErrDecode, err)
		}
		return img, "opencv", nil
	}

	img, err := mat.ToImage()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", model.ErrDecode, err)
	}
	return img, "opencv", nil
}
