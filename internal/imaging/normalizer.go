package imaging

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"regexp"
	"strings"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

const DefaultSize = 224

// DefaultMaxPixels bounds the decoded size of an upload.
const DefaultMaxPixels = 40_000_000

type Layout string

const (
	LayoutNCHW Layout = "nchw"
	LayoutNHWC Layout = "nhwc"
)

// Tensor is a single-image batch with values in [0,1].
type Tensor struct {
	Shape []int64
	Data  []float32
}

// DecodeError reports input that could not be turned into an image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type Options struct {
	Size    int
	Layout  Layout
	Enhance bool
	// MaxPixels rejects images whose header declares more pixels.
	MaxPixels int
}

// DefaultOptions matches the input of the bundled classifier.
func DefaultOptions() Options {
	return Options{Size: DefaultSize, Layout: LayoutNCHW, Enhance: true, MaxPixels: DefaultMaxPixels}
}

type Normalizer struct {
	opts Options
}

func NewNormalizer(opts Options) *Normalizer {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Layout != LayoutNHWC {
		opts.Layout = LayoutNCHW
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = DefaultMaxPixels
	}
	return &Normalizer{opts: opts}
}

func (n *Normalizer) Options() Options { return n.opts }

// Shape returns the tensor shape produced by Normalize.
func (n *Normalizer) Shape() []int64 {
	s := int64(n.opts.Size)
	if n.opts.Layout == LayoutNHWC {
		return []int64{1, s, s, 3}
	}
	return []int64{1, 3, s, s}
}

// Normalize decodes data and converts it to the model input tensor.
func (n *Normalizer) Normalize(data []byte) (Tensor, error) {
	if len(data) == 0 {
		return Tensor{}, &DecodeError{Err: fmt.Errorf("empty image payload")}
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Tensor{}, &DecodeError{Err: err}
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(n.opts.MaxPixels) {
		return Tensor{}, &DecodeError{Err: fmt.Errorf("image is %dx%d, limit is %d pixels", cfg.Width, cfg.Height, n.opts.MaxPixels)}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Tensor{}, &DecodeError{Err: err}
	}
	return n.FromImage(img), nil
}

// NormalizeBase64 accepts plain base64 or a data URI.
func (n *Normalizer) NormalizeBase64(s string) (Tensor, error) {
	data, err := DecodeBase64(s)
	if err != nil {
		return Tensor{}, err
	}
	return n.Normalize(data)
}

func (n *Normalizer) FromImage(img image.Image) Tensor {
	size := uint(n.opts.Size)
	rgb := toRGB(img)
	resized := toRGB(resize.Resize(size, size, rgb, resize.Lanczos3))
	if n.opts.Enhance {
		autocontrast(resized)
		equalize(resized)
	}
	return n.tensor(resized)
}

func (n *Normalizer) tensor(img *image.RGBA) Tensor {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height
	data := make([]float32, 3*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			off := img.PixOffset(bounds.Min.X+x, bounds.Min.Y+y)
			pixelIndex := y*width + x
			for c := 0; c < 3; c++ {
				v := float32(img.Pix[off+c]) / 255.0
				if n.opts.Layout == LayoutNHWC {
					data[pixelIndex*3+c] = v
				} else {
					data[c*plane+pixelIndex] = v
				}
			}
		}
	}
	return Tensor{Shape: n.Shape(), Data: data}
}

// toRGB copies img into an opaque RGBA surface. Alpha is dropped rather than
// composited, so transparent pixels keep their stored colour.
func toRGB(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			off := out.PixOffset(x-bounds.Min.X, y-bounds.Min.Y)
			out.Pix[off] = c.R
			out.Pix[off+1] = c.G
			out.Pix[off+2] = c.B
			out.Pix[off+3] = 0xff
		}
	}
	return out
}

var dataURIPrefix = regexp.MustCompile(`^data:image/[^;,]+;base64,`)

// DecodeBase64 strips an optional data:image/...;base64, header and decodes
// the payload.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = dataURIPrefix.ReplaceAllString(s, "")
	if s == "" {
		return nil, &DecodeError{Err: fmt.Errorf("empty base64 payload")}
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	_, err := base64.StdEncoding.DecodeString(s)
	return nil, &DecodeError{Err: fmt.Errorf("invalid base64: %w", err)}
}

// Sniff reports the container format of data, or "" if it is not an image
// this package can decode.
func Sniff(data []byte) string {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	return format
}
