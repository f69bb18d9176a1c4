package imaging

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Image is a captured photo: the original upload plus its compressed
// derivative. Both are kept until the image is removed so that previews can
// show full resolution.
type Image struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Original     []byte    `json:"-"`
	Compressed   []byte    `json:"-"`
	ContentType  string    `json:"content_type"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	OriginalSize int       `json:"original_size"`
	CapturedAt   time.Time `json:"captured_at"`
}

// Extension returns the file extension for the compressed artifact.
func (img Image) Extension() string {
	if img.ContentType == FormatPNG.ContentType() {
		return FormatPNG.Extension()
	}
	return FormatJPEG.Extension()
}

// File is one raw input, e.g. a multipart part or a file on disk.
type File struct {
	Name string
	Data []byte
}

// Capture holds the images selected for one entity (a receipt set, a fridge
// item) and enforces the count and size limits.
type Capture struct {
	mu     sync.Mutex
	opts   Options
	images []Image
	now    func() time.Time
}

// NewCapture creates an empty capture. Zero option fields use defaults.
func NewCapture(opts Options) *Capture {
	return &Capture{opts: opts.withDefaults(), now: time.Now}
}

// Options returns the effective limits.
func (c *Capture) Options() Options {
	return c.opts
}

// Add validates, compresses and stores one file. Nothing is stored on error.
func (c *Capture) Add(name string, data []byte) (Image, error) {
	c.mu.Lock()
	full := len(c.images) >= c.opts.MaxImages
	c.mu.Unlock()
	if full {
		return Image{}, fmt.Errorf("%w: at most %d images", ErrTooManyImages, c.opts.MaxImages)
	}
	if int64(len(data)) > c.opts.MaxBytes() {
		return Image{}, fmt.Errorf("%w: %s is %d bytes, limit %.1f MB", ErrFileTooLarge, name, len(data), c.opts.MaxSizeMB)
	}

	res, err := Compress(data, c.opts)
	if err != nil {
		return Image{}, fmt.Errorf("%s: %w", name, err)
	}

	img := Image{
		ID:           uuid.New().String(),
		Name:         name,
		Original:     data,
		Compressed:   res.Data,
		ContentType:  res.ContentType,
		Width:        res.Width,
		Height:       res.Height,
		OriginalSize: len(data),
		CapturedAt:   c.now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.images) >= c.opts.MaxImages {
		return Image{}, fmt.Errorf("%w: at most %d images", ErrTooManyImages, c.opts.MaxImages)
	}
	c.images = append(c.images, img)

	slog.Debug("[Capture] Image added",
		"name", name, "original_bytes", len(data), "compressed_bytes", len(res.Data),
		"width", res.Width, "height", res.Height)
	return img, nil
}

// AddAll processes a batch the way a file picker does: once the capture is
// full nothing is added, otherwise at most the remaining capacity is
// processed and every rejected file is reported in the joined error.
func (c *Capture) AddAll(files []File) ([]Image, error) {
	c.mu.Lock()
	remaining := c.opts.MaxImages - len(c.images)
	c.mu.Unlock()
	if remaining <= 0 {
		return nil, fmt.Errorf("%w: at most %d images", ErrTooManyImages, c.opts.MaxImages)
	}

	var added []Image
	var errs []error
	for i, f := range files {
		if i >= remaining {
			errs = append(errs, fmt.Errorf("%s: %w: at most %d images", f.Name, ErrTooManyImages, c.opts.MaxImages))
			continue
		}
		img, err := c.Add(f.Name, f.Data)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		added = append(added, img)
	}
	return added, errors.Join(errs...)
}

// Remove drops an image. It reports whether the id was present.
func (c *Capture) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, img := range c.images {
		if img.ID == id {
			c.images = append(c.images[:i], c.images[i+1:]...)
			return true
		}
	}
	return false
}

// Images returns the captured images in capture order.
func (c *Capture) Images() []Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Image(nil), c.images...)
}

// Len returns the number of captured images.
func (c *Capture) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.images)
}

// CanAddMore reports whether another image fits.
func (c *Capture) CanAddMore() bool {
	return c.Len() < c.opts.MaxImages
}
