// Package api exposes the household collections over HTTP for the PWA.
//
// Writes are optimistic: POST, PUT and DELETE register the change, start
// the Record Store request in the background and answer 202 with the
// operation id. Clients follow up through the operations endpoints or the
// websocket stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gunshikin/kanri/internal/circuitbreaker"
	"github.com/gunshikin/kanri/internal/clock"
	"github.com/gunshikin/kanri/internal/collection"
	"github.com/gunshikin/kanri/internal/expense"
	"github.com/gunshikin/kanri/internal/fridge"
	"github.com/gunshikin/kanri/internal/imaging"
	"github.com/gunshikin/kanri/internal/media"
	"github.com/gunshikin/kanri/internal/middleware"
	"github.com/gunshikin/kanri/internal/realtime"
	"github.com/gunshikin/kanri/internal/records"
	"github.com/gunshikin/kanri/internal/todo"
	"github.com/gunshikin/kanri/internal/webhooks"
)

// DefaultMaxUploadBytes bounds a multipart upload request.
const DefaultMaxUploadBytes = 16 << 20

// Config wires the server. Nil collections are not mounted. A nil Hub,
// Gatherer or Webhooks registry disables /ws, /metrics or /api/v1/webhooks.
type Config struct {
	Expenses *collection.Collection[expense.Expense]
	Todos    *collection.Collection[todo.Todo]
	Fridge   *collection.Collection[fridge.Item]

	Uploader   *media.Uploader
	Images     func() imaging.Options
	Classifier func() fridge.Classifier

	Hub      *realtime.Hub
	Gatherer prometheus.Gatherer
	Webhooks *webhooks.Registry
	Health   func(ctx context.Context) error

	CORSOrigins    []string
	UploadLimiter  *middleware.RateLimiter
	MaxUploadBytes int64

	Clock  clock.Clock
	Logger *slog.Logger
}

// Server routes HTTP requests to collections and domain views.
type Server struct {
	cfg    Config
	router *mux.Router
	logger *slog.Logger
}

// NewServer builds the router.
func NewServer(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.Images == nil {
		cfg.Images = imaging.DefaultOptions
	}
	if cfg.Classifier == nil {
		cfg.Classifier = func() fridge.Classifier { return fridge.NewClassifier(fridge.DefaultExpiringWithinDays) }
	}

	s := &Server{cfg: cfg, router: mux.NewRouter(), logger: cfg.Logger}
	s.routes()
	return s
}

// Handler returns the root handler with logging and CORS applied outside
// the router, so preflight requests never hit method matching.
func (s *Server) Handler() http.Handler {
	return middleware.Logging(s.logger)(middleware.CORS(s.cfg.CORSOrigins)(s.router))
}

func (s *Server) routes() {
	r := s.router

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if s.cfg.Hub != nil {
		r.HandleFunc("/ws", s.cfg.Hub.HandleWebSocket)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()

	if s.cfg.Webhooks != nil {
		v1.HandleFunc("/webhooks", s.handleListWebhooks).Methods(http.MethodGet)
		v1.HandleFunc("/webhooks", s.handleRegisterWebhook).Methods(http.MethodPost)
		v1.HandleFunc("/webhooks/{id}", s.handleDeleteWebhook).Methods(http.MethodDelete)
	}

	// Domain views come before the generic /{id} routes.
	if s.cfg.Fridge != nil {
		v1.HandleFunc("/fridge/status", s.handleFridgeStatus).Methods(http.MethodGet)
		v1.Handle("/fridge/{id}/images", s.limit(http.HandlerFunc(s.handleFridgeImages))).Methods(http.MethodPost)
		v1.HandleFunc("/fridge/{id}/images", s.handleFridgeImageURLs).Methods(http.MethodGet)
		mount(v1, "fridge", s.cfg.Fridge, collectionHooks[fridge.Item]{
			prepare: func(it fridge.Item) (fridge.Item, error) {
				it = it.WithDefaults(s.now())
				return it, it.Validate()
			},
			blobs:  fridge.Item.ImagePaths,
			delete: s.deleteBlobs,
		}, s.logger)
	}
	if s.cfg.Expenses != nil {
		v1.HandleFunc("/expenses/report", s.handleExpenseReport).Methods(http.MethodGet)
		v1.Handle("/expenses/{id}/receipts", s.limit(http.HandlerFunc(s.handleExpenseReceipts))).Methods(http.MethodPost)
		v1.HandleFunc("/expenses/{id}/receipts", s.handleExpenseReceiptURLs).Methods(http.MethodGet)
		mount(v1, "expenses", s.cfg.Expenses, collectionHooks[expense.Expense]{
			prepare: func(e expense.Expense) (expense.Expense, error) {
				e = e.WithDefaults()
				return e, e.Validate()
			},
			blobs:  expense.Expense.ReceiptPaths,
			delete: s.deleteBlobs,
		}, s.logger)
	}
	if s.cfg.Todos != nil {
		v1.HandleFunc("/todos/stats", s.handleTodoStats).Methods(http.MethodGet)
		mount(v1, "todos", s.cfg.Todos, collectionHooks[todo.Todo]{
			prepare: func(t todo.Todo) (todo.Todo, error) {
				t = t.WithDefaults()
				return t, t.Validate()
			},
			filter: todoFilter,
		}, s.logger)
	}
}

// now is the current time in the household time zone.
func (s *Server) now() time.Time {
	now := s.cfg.Clock.Now()
	if loc := s.cfg.Classifier().Location; loc != nil {
		return now.In(loc)
	}
	return now
}

func (s *Server) limit(h http.Handler) http.Handler {
	if s.cfg.UploadLimiter == nil {
		return h
	}
	return s.cfg.UploadLimiter.Middleware(h)
}

// ============================================================================
// HEALTH
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":  "ok",
		"service": "kanri",
		"stores":  "ok",
	}
	status := http.StatusOK
	if s.cfg.Health != nil {
		if err := s.cfg.Health(r.Context()); err != nil {
			resp["status"] = "degraded"
			resp["stores"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if s.cfg.Hub != nil {
		resp["clients"] = s.cfg.Hub.ClientCount()
	}

	pending := map[string]int{}
	if s.cfg.Expenses != nil {
		pending["expenses"] = len(s.cfg.Expenses.Operations())
	}
	if s.cfg.Todos != nil {
		pending["todos"] = len(s.cfg.Todos.Operations())
	}
	if s.cfg.Fridge != nil {
		pending["fridge"] = len(s.cfg.Fridge.Operations())
	}
	resp["operations"] = pending

	writeJSON(w, status, resp)
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("[API] JSON encode error", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps err to a status code.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	var tooBig *http.MaxBytesError
	switch {
	case errors.Is(err, records.ErrNotFound), errors.Is(err, collection.ErrUnknownOperation):
		return http.StatusNotFound
	case errors.Is(err, collection.ErrNotRetryable):
		return http.StatusConflict
	case errors.As(err, &tooBig), errors.Is(err, imaging.ErrFileTooLarge), errors.Is(err, imaging.ErrTooManyPixels):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, records.ErrInvalidEntity),
		errors.Is(err, imaging.ErrTooManyImages),
		errors.Is(err, imaging.ErrDecode),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// errBadRequest marks malformed client input.
var errBadRequest = errors.New("bad request")
