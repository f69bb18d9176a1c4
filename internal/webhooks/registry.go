// Package webhooks forwards change events to external HTTP endpoints, such
// as a household chat bot or a home dashboard. Deliveries are JSON-encoded
// events.Event values signed with HMAC-SHA256 when the subscription has a
// secret.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gunshikin/kanri/internal/events"
	"github.com/gunshikin/kanri/internal/records"
)

// MaxFailures disables a subscription after that many failed deliveries in
// a row.
const MaxFailures = 10

// Emitter delivers events to the matching subscriptions.
// Both the in-memory Dispatcher and CloudDispatcher satisfy this interface.
type Emitter interface {
	Emit(e *events.Event)
	Shutdown()
}

// Subscription is a registered webhook endpoint. Empty Collections matches
// every collection.
type Subscription struct {
	ID          string             `json:"id"`
	URL         string             `json:"url"`
	Events      []events.EventType `json:"events"`
	Collections []string           `json:"collections,omitempty"`
	Secret      string             `json:"secret,omitempty"`
	Active      bool               `json:"active"`
	CreatedAt   time.Time          `json:"created_at"`
	FailCount   int                `json:"fail_count"`
}

// Redacted returns a copy without the signing secret.
func (s Subscription) Redacted() Subscription {
	s.Secret = ""
	return s
}

func (s Subscription) matches(e *events.Event) bool {
	if !s.Active {
		return false
	}
	typeOK := false
	for _, t := range s.Events {
		if t == e.Type {
			typeOK = true
			break
		}
	}
	if !typeOK {
		return false
	}
	if len(s.Collections) == 0 {
		return true
	}
	for _, c := range s.Collections {
		if c == e.Collection {
			return true
		}
	}
	return false
}

// Registry stores and manages webhook subscriptions
type Registry struct {
	mu     sync.RWMutex
	hooks  map[string]*Subscription
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates a new webhook registry
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		hooks:  make(map[string]*Subscription),
		logger: logger,
		now:    time.Now,
	}
}

// Register validates and adds a subscription, returning the stored copy.
func (r *Registry) Register(sub Subscription) (Subscription, error) {
	u, err := url.Parse(sub.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Subscription{}, fmt.Errorf("%w: webhook url %q must be an absolute http(s) URL", records.ErrInvalidEntity, sub.URL)
	}
	if len(sub.Events) == 0 {
		return Subscription{}, fmt.Errorf("%w: at least one event type is required", records.ErrInvalidEntity)
	}
	for _, t := range sub.Events {
		if t != events.EventRecordChanged && t != events.EventOperationFailed {
			return Subscription{}, fmt.Errorf("%w: unknown event type %q", records.ErrInvalidEntity, t)
		}
	}

	if sub.ID == "" {
		sub.ID = "wh-" + uuid.New().String()
	}
	sub.Active = true
	sub.CreatedAt = r.now()
	sub.FailCount = 0

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hooks[sub.ID]; exists {
		return Subscription{}, fmt.Errorf("%w: webhook %s already exists", records.ErrInvalidEntity, sub.ID)
	}
	stored := sub
	r.hooks[sub.ID] = &stored

	r.logger.Info("[Webhooks] Registered", "id", sub.ID, "url", sub.URL, "events", sub.Events)
	return sub, nil
}

// Unregister removes a webhook subscription
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.hooks[id]; !ok {
		return fmt.Errorf("webhook %s: %w", id, records.ErrNotFound)
	}
	delete(r.hooks, id)
	r.logger.Info("[Webhooks] Unregistered", "id", id)
	return nil
}

// Matching returns copies of the active subscriptions interested in e.
func (r *Registry) Matching(e *events.Event) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Subscription
	for _, sub := range r.hooks {
		if sub.matches(e) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns all subscriptions, oldest first.
func (r *Registry) List() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Subscription, 0, len(r.hooks))
	for _, sub := range r.hooks {
		out = append(out, *sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MarkFailed counts a failed delivery and disables the subscription after
// MaxFailures in a row.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return
	}
	sub.FailCount++
	if sub.FailCount >= MaxFailures && sub.Active {
		sub.Active = false
		r.logger.Warn("[Webhooks] Disabled after repeated failures", "id", id, "failures", sub.FailCount)
	}
}

// MarkDelivered resets the failure count.
func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.hooks[id]; ok {
		sub.FailCount = 0
	}
}

// SignPayload creates HMAC-SHA256 signature for webhook verification
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Attach forwards every change event published on bus to emitter. The
// returned function detaches it.
func Attach(bus events.Bus, emitter Emitter) func() {
	forward := func(_ context.Context, e *events.Event) error {
		emitter.Emit(e)
		return nil
	}
	offChanged := bus.Subscribe(events.EventRecordChanged, forward)
	offFailed := bus.Subscribe(events.EventOperationFailed, forward)
	return func() {
		offChanged()
		offFailed()
	}
}
