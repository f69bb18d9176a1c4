// Package media stores captured images in the Blob Store under the
// per-entity path layout shared by receipts, fridge items and storage
// location photos.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/gunshikin/kanri/internal/clock"
	"github.com/gunshikin/kanri/internal/imaging"
	"github.com/gunshikin/kanri/internal/records"
)

// Prefix is the top-level folder for one kind of image.
type Prefix string

const (
	PrefixReceipts      Prefix = "receipts"
	PrefixFridgeItems   Prefix = "fridge-items"
	PrefixStoragePhotos Prefix = "storage-photos"
)

// maxParallel bounds concurrent blob requests per call.
const maxParallel = 4

// Path builds <prefix>/<ownerID>/<unixmillis>_<index>.<ext>.
func Path(prefix Prefix, ownerID string, unixMillis int64, index int, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = "jpg"
	}
	return fmt.Sprintf("%s/%s/%d_%d.%s", prefix, ownerID, unixMillis, index, ext)
}

// Uploader writes images to a BlobStore.
type Uploader struct {
	store  records.BlobStore
	clock  clock.Clock
	logger *slog.Logger
}

// NewUploader creates an uploader. nil clock and logger select defaults.
func NewUploader(store records.BlobStore, clk clock.Clock, logger *slog.Logger) *Uploader {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{store: store, clock: clk, logger: logger}
}

// UploadImages uploads every image for ownerID and returns the stored paths
// in input order. The compressed artifact is preferred; images without one
// are uploaded as captured. If any upload fails the ones that succeeded are
// removed again and the error is returned.
func (u *Uploader) UploadImages(ctx context.Context, prefix Prefix, ownerID string, images []imaging.Image) ([]string, error) {
	if ownerID == "" {
		return nil, errors.New("upload images: owner id is required")
	}
	stamp := u.clock.Now().UnixMilli()
	paths := make([]string, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for i, img := range images {
		g.Go(func() error {
			data, contentType, ext := payload(img)
			p := Path(prefix, ownerID, stamp, i, ext)
			stored, err := u.store.Put(gctx, p, data, contentType)
			if err != nil {
				return fmt.Errorf("upload %s: %w", img.Name, err)
			}
			paths[i] = stored
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var uploaded []string
		for _, p := range paths {
			if p != "" {
				uploaded = append(uploaded, p)
			}
		}
		u.DeleteAll(context.WithoutCancel(ctx), uploaded)
		return nil, err
	}

	u.logger.Info("[Media] Uploaded images", "prefix", prefix, "owner_id", ownerID, "count", len(paths))
	return paths, nil
}

// URLs resolves display URLs for paths in order. Paths that cannot be
// resolved are skipped and reported in the joined error.
func (u *Uploader) URLs(ctx context.Context, paths []string) ([]string, error) {
	urls := make([]string, len(paths))
	errs := make([]error, len(paths))

	var g errgroup.Group
	g.SetLimit(maxParallel)
	for i, p := range paths {
		g.Go(func() error {
			url, err := u.store.URL(ctx, p)
			if err != nil {
				errs[i] = fmt.Errorf("url %s: %w", p, err)
				return nil
			}
			urls[i] = url
			return nil
		})
	}
	_ = g.Wait()

	out := make([]string, 0, len(urls))
	for _, url := range urls {
		if url != "" {
			out = append(out, url)
		}
	}
	return out, errors.Join(errs...)
}

// DeleteAll removes every path. Failures are logged and counted but never
// stop the remaining deletions; the number of failed paths is returned.
func (u *Uploader) DeleteAll(ctx context.Context, paths []string) int {
	failed := make([]bool, len(paths))

	var g errgroup.Group
	g.SetLimit(maxParallel)
	for i, p := range paths {
		g.Go(func() error {
			if err := u.store.Delete(ctx, p); err != nil && !errors.Is(err, records.ErrNotFound) {
				u.logger.Warn("[Media] Failed to delete image", "path", p, "error", err)
				failed[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, f := range failed {
		if f {
			n++
		}
	}
	return n
}

// payload picks the bytes to upload with their content type and extension.
func payload(img imaging.Image) ([]byte, string, string) {
	if len(img.Compressed) > 0 {
		return img.Compressed, img.ContentType, img.Extension()
	}
	contentType := http.DetectContentType(img.Original)
	ext := strings.TrimPrefix(path.Ext(img.Name), ".")
	if ext == "" {
		ext = "jpg"
	}
	return img.Original, contentType, ext
}
