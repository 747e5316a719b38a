package preprocess

import (
	"image"
	"image/color"
)

// ColorMode is the color representation of a decoded image.
type ColorMode string

const (
	ModeGray  ColorMode = "grayscale"
	ModeRGB   ColorMode = "rgb"
	ModeRGBA  ColorMode = "rgba"
	ModeOther ColorMode = "other"
)

// Channels returns the channel depth of the mode, 0 for ModeOther.
func (m ColorMode) Channels() int {
	switch m {
	case ModeGray:
		return 1
	case ModeRGB:
		return 3
	case ModeRGBA:
		return 4
	default:
		return 0
	}
}

// Mode reports the source color mode of img.
func Mode(img image.Image) ColorMode {
	switch img.ColorModel() {
	case color.GrayModel, color.Gray16Model:
		return ModeGray
	case color.YCbCrModel:
		return ModeRGB
	case color.RGBAModel, color.RGBA64Model, color.NRGBAModel, color.NRGBA64Model:
		return ModeRGBA
	default:
		return ModeOther
	}
}
