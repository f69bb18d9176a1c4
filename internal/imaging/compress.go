// Package imaging validates captured images and produces downscaled,
// recompressed derivatives ready for upload. It performs no network I/O.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var (
	ErrTooManyImages = errors.New("image limit reached")
	ErrFileTooLarge  = errors.New("file too large")
	ErrDecode        = errors.New("cannot decode image")
	ErrEncode        = errors.New("cannot encode image")
	ErrTooManyPixels = errors.New("image has too many pixels")
)

// Format is the output encoding of compressed images.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
)

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	if f == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

// Extension returns the file extension for the format, without the dot.
func (f Format) Extension() string {
	if f == FormatPNG {
		return "png"
	}
	return "jpg"
}

// Options bounds captured images and controls compression.
type Options struct {
	MaxImages    int     `yaml:"max_images"`
	MaxSizeMB    float64 `yaml:"max_size_mb"`
	MaxDimension int     `yaml:"max_dimension"`
	Quality      float64 `yaml:"quality"` // 0..1, JPEG only
	Format       Format  `yaml:"format"`
	// MaxPixels caps the decoded width*height. A small file can declare a
	// huge canvas, so the header is checked before any pixel is decoded.
	MaxPixels int `yaml:"max_pixels"`
}

// DefaultOptions returns the receipt/fridge photo defaults: 5 images of at
// most 2 MB and 50 megapixels, downscaled to 1200 px and re-encoded as
// JPEG at 0.8.
func DefaultOptions() Options {
	return Options{
		MaxImages:    5,
		MaxSizeMB:    2,
		MaxDimension: 1200,
		Quality:      0.8,
		Format:       FormatJPEG,
		MaxPixels:    50_000_000,
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxImages <= 0 {
		o.MaxImages = d.MaxImages
	}
	if o.MaxSizeMB <= 0 {
		o.MaxSizeMB = d.MaxSizeMB
	}
	if o.MaxDimension <= 0 {
		o.MaxDimension = d.MaxDimension
	}
	if o.Quality <= 0 || o.Quality > 1 {
		o.Quality = d.Quality
	}
	if o.Format == "" {
		o.Format = d.Format
	}
	if o.MaxPixels <= 0 {
		o.MaxPixels = d.MaxPixels
	}
	return o
}

// MaxBytes is the per-file size cap in bytes.
func (o Options) MaxBytes() int64 {
	return int64(o.MaxSizeMB * 1024 * 1024)
}

// Result is a compressed derivative.
type Result struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
	// Source dimensions and decoder name ("jpeg", "png", ...).
	SourceWidth  int
	SourceHeight int
	SourceFormat string
}

// TargetSize scales (w, h) so that neither side exceeds max while keeping the
// aspect ratio. The width bound applies when w >= h, the height bound
// otherwise. Images already within bounds are returned unchanged.
func TargetSize(w, h, max int) (int, int) {
	if max <= 0 || w <= 0 || h <= 0 {
		return w, h
	}
	if w >= h {
		if w > max {
			h = h * max / w
			w = max
		}
	} else if h > max {
		w = w * max / h
		h = max
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

// Compress decodes data, downscales it to opts.MaxDimension and re-encodes
// it in opts.Format. Images declaring more than opts.MaxPixels are rejected
// from their header alone.
func Compress(data []byte, opts Options) (Result, error) {
	opts = opts.withDefaults()

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Result{}, fmt.Errorf("%w: empty %dx%d canvas", ErrDecode, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(opts.MaxPixels) {
		return Result{}, fmt.Errorf("%w: %dx%d exceeds %d", ErrTooManyPixels, cfg.Width, cfg.Height, opts.MaxPixels)
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	bounds := src.Bounds()
	w, h := TargetSize(bounds.Dx(), bounds.Dy(), opts.MaxDimension)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)

	var buf bytes.Buffer
	switch opts.Format {
	case FormatPNG:
		err = png.Encode(&buf, dst)
	default:
		err = jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality(opts.Quality)})
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	return Result{
		Data:         buf.Bytes(),
		ContentType:  opts.Format.ContentType(),
		Width:        w,
		Height:       h,
		SourceWidth:  bounds.Dx(),
		SourceHeight: bounds.Dy(),
		SourceFormat: format,
	}, nil
}

// Thumbnail produces a small JPEG preview no larger than size on either side.
func Thumbnail(data []byte, size int) (Result, error) {
	if size <= 0 {
		size = 150
	}
	return Compress(data, Options{MaxDimension: size, Quality: 0.7, Format: FormatJPEG})
}

func jpegQuality(q float64) int {
	n := int(q*100 + 0.5)
	if n < 1 {
		return 1
	}
	if n > 100 {
		return 100
	}
	return n
}
