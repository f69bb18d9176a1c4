package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gunshikin/kanri/internal/events"
)

// Delivery headers.
const (
	HeaderEventType = "X-Kanri-Event-Type"
	HeaderEventID   = "X-Kanri-Event-ID"
	HeaderAttempt   = "X-Kanri-Delivery-Attempt"
	HeaderSignature = "X-Kanri-Signature"
)

// DispatcherOptions configures the in-memory Dispatcher. Zero fields take
// defaults.
type DispatcherOptions struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	Client      *http.Client
	// Backoff returns the delay before the given (1-based) retry attempt.
	Backoff func(attempt int) time.Duration
	Logger  *slog.Logger
}

func (o DispatcherOptions) withDefaults() DispatcherOptions {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1000
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if o.Backoff == nil {
		o.Backoff = func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * time.Second
		}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Dispatcher sends events to registered subscribers from a background worker
// pool. Failed deliveries are retried with quadratic backoff.
type Dispatcher struct {
	registry *Registry
	opts     DispatcherOptions
	queue    chan *deliveryJob
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type deliveryJob struct {
	sub     Subscription
	event   *events.Event
	payload []byte
	attempt int
}

// NewDispatcher creates a webhook dispatcher and starts its workers.
func NewDispatcher(registry *Registry, opts DispatcherOptions) *Dispatcher {
	opts = opts.withDefaults()
	d := &Dispatcher{
		registry: registry,
		opts:     opts,
		queue:    make(chan *deliveryJob, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit queues one delivery per matching subscription.
func (d *Dispatcher) Emit(e *events.Event) {
	subs := d.registry.Matching(e)
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		d.opts.Logger.Error("[Webhooks] Failed to marshal event", "event_id", e.ID, "error", err)
		return
	}
	for _, sub := range subs {
		d.enqueue(&deliveryJob{sub: sub, event: e, payload: payload, attempt: 1})
	}
}

func (d *Dispatcher) enqueue(job *deliveryJob) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- job:
		return true
	default:
		d.opts.Logger.Warn("[Webhooks] Queue full, dropping delivery", "event_id", job.event.ID, "webhook", job.sub.ID)
		return false
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	retryable, err := d.post(job)
	if err == nil {
		d.registry.MarkDelivered(job.sub.ID)
		d.opts.Logger.Debug("[Webhooks] Delivered", "event_id", job.event.ID, "webhook", job.sub.ID, "attempt", job.attempt)
		return
	}

	d.registry.MarkFailed(job.sub.ID)
	d.opts.Logger.Warn("[Webhooks] Delivery failed",
		"event_id", job.event.ID, "webhook", job.sub.ID, "url", job.sub.URL,
		"attempt", job.attempt, "error", err)

	if !retryable || job.attempt >= d.opts.MaxAttempts {
		return
	}
	delay := d.opts.Backoff(job.attempt)
	next := *job
	next.attempt++
	time.AfterFunc(delay, func() { d.enqueue(&next) })
}

// post performs one delivery attempt. Network errors, 429 and 5xx are
// retryable; other 4xx responses are not.
func (d *Dispatcher) post(job *deliveryJob) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, job.sub.URL, bytes.NewReader(job.payload))
	if err != nil {
		return false, err
	}
	for k, v := range deliveryHeaders(job.sub, job.event, job.payload, job.attempt) {
		req.Header.Set(k, v)
	}

	resp, err := d.opts.Client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
}

func deliveryHeaders(sub Subscription, e *events.Event, payload []byte, attempt int) map[string]string {
	h := map[string]string{
		"Content-Type":  "application/json",
		HeaderEventType: string(e.Type),
		HeaderEventID:   e.ID,
		HeaderAttempt:   strconv.Itoa(attempt),
	}
	if sub.Secret != "" {
		h[HeaderSignature] = "sha256=" + SignPayload(payload, sub.Secret)
	}
	return h
}

// Shutdown drains queued deliveries and stops the workers. Pending retries
// are dropped.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}
