package preprocess

import (
	"fmt"
	"image"
	"image/color"
	"math/rand"

	"github.com/nfnt/resize"

	"github.com/civiceye/civic-eye-api/internal/model"
)

// Scheme selects how pixel intensities are normalized. It must match the
// scheme the model was trained with; a mismatch produces wrong predictions
// without any error.
type Scheme string

const (
	// SchemeRescale divides intensities by 255 into [0, 1].
	SchemeRescale Scheme = "rescale"
	// SchemeMeanStd rescales to [0, 1], then applies (v - mean) / std per channel.
	SchemeMeanStd Scheme = "mean_std"
)

var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

type Normalization struct {
	Scheme Scheme
	Mean   [3]float32
	Std    [3]float32
}

func (n Normalization) Validate() error {
	switch n.Scheme {
	case SchemeRescale:
		return nil
	case SchemeMeanStd:
		for c, s := range n.Std {
			if s <= 0 {
				return fmt.Errorf("std[%d] must be positive, got %v", c, s)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown normalization scheme %q", n.Scheme)
	}
}

func (n Normalization) apply(v uint8, channel int) float32 {
	x := float32(v) / 255.0
	if n.Scheme == SchemeMeanStd {
		x = (x - n.Mean[channel]) / n.Std[channel]
	}
	return x
}

// Interpolation returns the resize kernel for name.
func Interpolation(name string) (resize.InterpolationFunction, error) {
	switch name {
	case "nearest":
		return resize.NearestNeighbor, nil
	case "bilinear":
		return resize.Bilinear, nil
	case "", "bicubic":
		return resize.Bicubic, nil
	case "lanczos3":
		return resize.Lanczos3, nil
	default:
		return 0, fmt.Errorf("unknown interpolation %q", name)
	}
}

// Preprocessor converts decoded images into model input tensors of shape
// (1, Height, Width, channels).
type Preprocessor struct {
	Height        int
	Width         int
	Normalization Normalization
	Interpolation resize.InterpolationFunction
	// MaxPixels caps the declared canvas of decoded uploads. <= 0 means
	// no limit.
	MaxPixels int
}

func New(height, width int, norm Normalization, interpolation string) (*Preprocessor, error) {
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %dx%d", width, height)
	}
	if err := norm.Validate(); err != nil {
		return nil, err
	}
	interp, err := Interpolation(interpolation)
	if err != nil {
		return nil, err
	}
	return &Preprocessor{
		Height:        height,
		Width:         width,
		Normalization: norm,
		Interpolation: interp,
		MaxPixels:     DefaultMaxPixels,
	}, nil
}

// Decode decodes an upload subject to p.MaxPixels.
func (p *Preprocessor) Decode(data []byte) (image.Image, string, error) {
	return Decode(data, p.MaxPixels)
}

// OutputShape is the tensor shape Preprocess produces for channels.
func (p *Preprocessor) OutputShape(channels int) model.Shape {
	return model.NewShape(1, int64(p.Height), int64(p.Width), int64(channels))
}

// Preprocess converts img to exactly channels color planes, resizes it and
// normalizes it. Any source mode is accepted.
func (p *Preprocessor) Preprocess(img image.Image, channels int) (*model.Tensor, error) {
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("%w: unsupported channel depth %d", model.ErrShapeMismatch, channels)
	}
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", model.ErrDecode)
	}

	t := model.NewTensor(p.OutputShape(channels))
	w, h := uint(p.Width), uint(p.Height)

	if channels == 1 {
		resized := resize.Resize(w, h, toGray(img), p.Interpolation)
		p.fillGray(t, resized)
		return t, nil
	}

	resized := resize.Resize(w, h, toRGB(img), p.Interpolation)
	p.fillRGB(t, resized)
	return t, nil
}

func (p *Preprocessor) fillGray(t *model.Tensor, img image.Image) {
	b := img.Bounds()
	gray, fast := img.(*image.Gray)
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			var v uint8
			if fast {
				v = gray.GrayAt(b.Min.X+x, b.Min.Y+y).Y
			} else {
				v = color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
			}
			t.Data[y*p.Width+x] = p.Normalization.apply(v, 0)
		}
	}
}

func (p *Preprocessor) fillRGB(t *model.Tensor, img image.Image) {
	b := img.Bounds()
	rgba, fast := img.(*image.RGBA)
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			var c color.RGBA
			if fast {
				c = rgba.RGBAAt(b.Min.X+x, b.Min.Y+y)
			} else {
				c = color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			}
			i := (y*p.Width + x) * 3
			t.Data[i] = p.Normalization.apply(c.R, 0)
			t.Data[i+1] = p.Normalization.apply(c.G, 1)
			t.Data[i+2] = p.Normalization.apply(c.B, 2)
		}
	}
}

// toRGB returns an opaque copy of img. Alpha is dropped, not composited.
func toRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			dst.SetRGBA(x-b.Min.X, y-b.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return dst
}

// toGray extracts ITU-R 601 luminance, ignoring alpha.
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	if src, ok := img.(*image.Gray); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			copy(dst.Pix[(y-b.Min.Y)*dst.Stride:], src.Pix[src.PixOffset(b.Min.X, y):src.PixOffset(b.Max.X, y)])
		}
		return dst
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			lum := (19595*uint32(c.R) + 38470*uint32(c.G) + 7471*uint32(c.B) + 1<<15) >> 16
			dst.SetGray(x-b.Min.X, y-b.Min.Y, color.Gray{Y: uint8(lum)})
		}
	}
	return dst
}

// Noise returns a random image of the given size and channel depth.
func Noise(height, width, channels int, rng *rand.Rand) image.Image {
	rect := image.Rect(0, 0, width, height)
	if channels == 1 {
		img := image.NewGray(rect)
		rng.Read(img.Pix)
		return img
	}
	img := image.NewRGBA(rect)
	rng.Read(img.Pix)
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return img
}
