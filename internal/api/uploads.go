package api

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/gunshikin/kanri/internal/collection"
	"github.com/gunshikin/kanri/internal/expense"
	"github.com/gunshikin/kanri/internal/fridge"
	"github.com/gunshikin/kanri/internal/imaging"
	"github.com/gunshikin/kanri/internal/media"
	"github.com/gunshikin/kanri/internal/records"
)

// multipartMemory is how much of a multipart body is kept in memory before
// spilling to temp files.
const multipartMemory = 8 << 20

// attachTarget describes where uploaded images of one entity type go.
type attachTarget[T records.Entity] struct {
	coll     *collection.Collection[T]
	prefix   media.Prefix
	field    string
	existing func(T) []string
}

// uploadResponse acknowledges an image attach.
type uploadResponse struct {
	OperationID string   `json:"operation_id"`
	ID          string   `json:"id"`
	Paths       []string `json:"paths"`
	Rejected    []string `json:"rejected,omitempty"`
}

func (s *Server) handleFridgeImages(w http.ResponseWriter, r *http.Request) {
	attachImages(s, w, r, attachTarget[fridge.Item]{
		coll:     s.cfg.Fridge,
		prefix:   media.PrefixFridgeItems,
		field:    "image",
		existing: fridge.Item.ImagePaths,
	})
}

func (s *Server) handleExpenseReceipts(w http.ResponseWriter, r *http.Request) {
	attachImages(s, w, r, attachTarget[expense.Expense]{
		coll:     s.cfg.Expenses,
		prefix:   media.PrefixReceipts,
		field:    "receipt",
		existing: expense.Expense.ReceiptPaths,
	})
}

func (s *Server) handleFridgeImageURLs(w http.ResponseWriter, r *http.Request) {
	imageURLs(s, w, r, s.cfg.Fridge, fridge.Item.ImagePaths)
}

func (s *Server) handleExpenseReceiptURLs(w http.ResponseWriter, r *http.Request) {
	imageURLs(s, w, r, s.cfg.Expenses, expense.Expense.ReceiptPaths)
}

// attachImages captures the multipart "images" files, compresses and
// uploads them, then records the new paths on the entity with an optimistic
// update. Files rejected by the capture limits are reported but do not fail
// the request as long as at least one image was accepted.
func attachImages[T records.Entity](s *Server, w http.ResponseWriter, r *http.Request, target attachTarget[T]) {
	if s.cfg.Uploader == nil {
		writeError(w, http.StatusServiceUnavailable, "image storage is not configured")
		return
	}
	id := mux.Vars(r)["id"]
	entity, ok := target.coll.Get(id)
	if !ok {
		writeErr(w, fmt.Errorf("%s %s: %w", target.coll.Name(), id, records.ErrNotFound))
		return
	}

	existing := target.existing(entity)
	opts := s.cfg.Images()
	remaining := opts.MaxImages - len(existing)
	if opts.MaxImages <= 0 {
		remaining = imaging.DefaultOptions().MaxImages - len(existing)
	}
	if remaining <= 0 {
		writeErr(w, fmt.Errorf("%w: %s %s already has %d images", imaging.ErrTooManyImages, target.coll.Name(), id, len(existing)))
		return
	}
	opts.MaxImages = remaining

	files, err := readImages(w, r, s.cfg.MaxUploadBytes)
	if err != nil {
		writeErr(w, err)
		return
	}

	capture := imaging.NewCapture(opts)
	added, captureErr := capture.AddAll(files)
	if len(added) == 0 {
		writeErr(w, captureErr)
		return
	}
	var rejected []string
	if captureErr != nil {
		rejected = append(rejected, captureErr.Error())
	}

	paths, err := s.cfg.Uploader.UploadImages(r.Context(), target.prefix, id, added)
	if err != nil {
		s.logger.Warn("[API] Image upload failed", "collection", target.coll.Name(), "id", id, "error", err)
		writeErr(w, err)
		return
	}

	all := append(append([]string(nil), existing...), paths...)
	opID, _, err := target.coll.Update(id, map[string]any{target.field: fridge.EncodePaths(all)})
	if err != nil {
		// The entity vanished between lookup and update.
		s.deleteBlobs(context.WithoutCancel(r.Context()), paths)
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, uploadResponse{OperationID: opID, ID: id, Paths: paths, Rejected: rejected})
}

func imageURLs[T records.Entity](s *Server, w http.ResponseWriter, r *http.Request, coll *collection.Collection[T], paths func(T) []string) {
	if s.cfg.Uploader == nil {
		writeError(w, http.StatusServiceUnavailable, "image storage is not configured")
		return
	}
	id := mux.Vars(r)["id"]
	entity, ok := coll.Get(id)
	if !ok {
		writeErr(w, fmt.Errorf("%s %s: %w", coll.Name(), id, records.ErrNotFound))
		return
	}

	urls, err := s.cfg.Uploader.URLs(r.Context(), paths(entity))
	if err != nil {
		s.logger.Warn("[API] Some image URLs could not be resolved", "id", id, "error", err)
	}
	if urls == nil {
		urls = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "urls": urls})
}

// readImages parses the multipart body and returns the "images" files.
func readImages(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]imaging.File, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, fmt.Errorf("%w: parse multipart form: %w", errBadRequest, err)
	}
	headers := r.MultipartForm.File["images"]
	if len(headers) == 0 {
		return nil, fmt.Errorf("%w: no files in form field \"images\"", errBadRequest)
	}

	files := make([]imaging.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %w", errBadRequest, fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
		}
		files = append(files, imaging.File{Name: fh.Filename, Data: data})
	}
	return files, nil
}

// deleteBlobs removes images best effort.
func (s *Server) deleteBlobs(ctx context.Context, paths []string) {
	if s.cfg.Uploader == nil || len(paths) == 0 {
		return
	}
	if failed := s.cfg.Uploader.DeleteAll(ctx, paths); failed > 0 {
		s.logger.Warn("[API] Some images were not deleted", "failed", failed, "total", len(paths))
	}
}
