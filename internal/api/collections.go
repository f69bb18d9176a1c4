package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/gunshikin/kanri/internal/collection"
	"github.com/gunshikin/kanri/internal/records"
	"github.com/gunshikin/kanri/internal/todo"
)

// collectionHooks customise the generic routes for one entity type.
type collectionHooks[T records.Entity] struct {
	prepare func(T) (T, error)                        // defaults and validation on create
	filter  func(*http.Request) func(T) bool          // list filtering from query params
	blobs   func(T) []string                          // image paths owned by an entity
	delete  func(ctx context.Context, paths []string) // blob cleanup on delete
}

type collectionHandler[T records.Entity] struct {
	name   string
	coll   *collection.Collection[T]
	hooks  collectionHooks[T]
	logger *slog.Logger
}

// mount registers the CRUD and operation routes under /<name>.
func mount[T records.Entity](r *mux.Router, name string, coll *collection.Collection[T], hooks collectionHooks[T], logger *slog.Logger) {
	h := &collectionHandler[T]{name: name, coll: coll, hooks: hooks, logger: logger}
	base := "/" + name

	r.HandleFunc(base, h.list).Methods(http.MethodGet)
	r.HandleFunc(base, h.create).Methods(http.MethodPost)
	r.HandleFunc(base+"/operations", h.operations).Methods(http.MethodGet)
	r.HandleFunc(base+"/operations/{op}/retry", h.retry).Methods(http.MethodPost)
	r.HandleFunc(base+"/operations/{op}/rollback", h.rollback).Methods(http.MethodPost)
	r.HandleFunc(base+"/{id}", h.get).Methods(http.MethodGet)
	r.HandleFunc(base+"/{id}", h.update).Methods(http.MethodPut, http.MethodPatch)
	r.HandleFunc(base+"/{id}", h.remove).Methods(http.MethodDelete)
}

// listResponse is the merged view of a collection.
type listResponse[T records.Entity] struct {
	Items       []collection.Item[T] `json:"items"`
	Count       int                  `json:"count"`
	RefreshedAt time.Time            `json:"refreshed_at"`
}

// writeResponse acknowledges an optimistic write.
type writeResponse[T records.Entity] struct {
	OperationID string `json:"operation_id"`
	ID          string `json:"id"`
	Record      *T     `json:"record,omitempty"`
}

func (h *collectionHandler[T]) list(w http.ResponseWriter, r *http.Request) {
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		if err := h.coll.Refresh(r.Context()); err != nil {
			h.logger.Warn("[API] Refresh failed", "collection", h.name, "error", err)
			writeErr(w, err)
			return
		}
	}

	items := h.coll.View()
	if h.hooks.filter != nil {
		keep := h.hooks.filter(r)
		filtered := items[:0:0]
		for _, it := range items {
			if keep(it.Record) {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}

	writeJSON(w, http.StatusOK, listResponse[T]{
		Items:       items,
		Count:       len(items),
		RefreshedAt: h.coll.RefreshedAt(),
	})
}

func (h *collectionHandler[T]) get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	for _, it := range h.coll.View() {
		if it.Record.EntityID() == id {
			writeJSON(w, http.StatusOK, it)
			return
		}
	}
	writeErr(w, fmt.Errorf("%s %s: %w", h.name, id, records.ErrNotFound))
}

func (h *collectionHandler[T]) create(w http.ResponseWriter, r *http.Request) {
	var entity T
	if err := json.NewDecoder(r.Body).Decode(&entity); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if h.hooks.prepare != nil {
		var err error
		if entity, err = h.hooks.prepare(entity); err != nil {
			writeErr(w, err)
			return
		}
	}

	opID, created, err := h.coll.Create(entity)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, writeResponse[T]{OperationID: opID, ID: created.EntityID(), Record: &created})
}

func (h *collectionHandler[T]) update(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(fields) == 0 {
		writeError(w, http.StatusBadRequest, "no fields to update")
		return
	}

	opID, updated, err := h.coll.Update(id, fields)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, writeResponse[T]{OperationID: opID, ID: id, Record: &updated})
}

func (h *collectionHandler[T]) remove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	current, ok := h.coll.Get(id)
	if !ok {
		writeErr(w, fmt.Errorf("%s %s: %w", h.name, id, records.ErrNotFound))
		return
	}

	// Images go first, best effort, so a removed entity never leaves
	// orphaned blobs behind.
	if h.hooks.blobs != nil && h.hooks.delete != nil {
		if paths := h.hooks.blobs(current); len(paths) > 0 {
			h.hooks.delete(r.Context(), paths)
		}
	}

	opID, err := h.coll.Delete(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, writeResponse[T]{OperationID: opID, ID: id})
}

func (h *collectionHandler[T]) operations(w http.ResponseWriter, r *http.Request) {
	ops := h.coll.Operations()
	pending, failed := 0, 0
	for _, op := range ops {
		if op.Pending {
			pending++
		} else {
			failed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"operations": ops,
		"pending":    pending,
		"failed":     failed,
	})
}

func (h *collectionHandler[T]) retry(w http.ResponseWriter, r *http.Request) {
	opID := mux.Vars(r)["op"]
	if err := h.coll.Retry(opID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"operation_id": opID, "status": "retrying"})
}

func (h *collectionHandler[T]) rollback(w http.ResponseWriter, r *http.Request) {
	opID := mux.Vars(r)["op"]
	if err := h.coll.Discard(opID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"operation_id": opID, "status": "rolled_back"})
}

// todoFilter reads ?status=&priority=&assignee=&category=.
func todoFilter(r *http.Request) func(todo.Todo) bool {
	q := r.URL.Query()
	f := todo.Filter{
		Status:   q.Get("status"),
		Priority: q.Get("priority"),
		Assignee: q.Get("assignee"),
		Category: q.Get("category"),
	}
	return f.Matches
}
