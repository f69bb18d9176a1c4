// Package collection drives the optimistic protocol for one entity
// collection: it registers every mutation with the coordinator, issues the
// real Record Store request in the background and resolves the operation
// with the outcome. Readers get the last snapshot with pending and failed
// operations projected on top.
package collection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gunshikin/kanri/internal/clock"
	"github.com/gunshikin/kanri/internal/events"
	"github.com/gunshikin/kanri/internal/optimistic"
	"github.com/gunshikin/kanri/internal/records"
)

var (
	// ErrUnknownOperation is returned for operation ids the collection does
	// not track.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrNotRetryable is returned when retrying an operation that is still
	// pending or has nothing left to re-issue.
	ErrNotRetryable = errors.New("operation is not retryable")
)

// State describes how an entity in the merged view relates to the store.
type State string

const (
	StateSynced  State = "synced"
	StatePending State = "pending"
	StateFailed  State = "failed"
)

// Item is one entity of the merged view.
type Item[T records.Entity] struct {
	Record      T      `json:"record"`
	State       State  `json:"state"`
	OperationID string `json:"operation_id,omitempty"`
}

// Options configures a Collection. Zero values select defaults.
type Options struct {
	Name           string        // collection label for logs, metrics and events
	Timeout        time.Duration // optimistic timeout, see optimistic.DefaultTimeout
	RequestTimeout time.Duration // bound on each store call; defaults to Timeout
	Clock          clock.Clock
	Logger         *slog.Logger
	Metrics        *optimistic.Metrics
	Bus            events.Bus
	Timestamps     bool // maintain created_at / updated_at fields
}

// request is the remembered store call behind an operation.
type request[T records.Entity] struct {
	typ     optimistic.OpType
	id      string
	entity  T
	fields  map[string]any
	attempt int
}

type queued[T records.Entity] struct {
	opID string
	req  request[T]
}

// validator is implemented by entities that check their own fields.
type validator interface {
	Validate() error
}

// Collection couples a coordinator, a Record Store and a snapshot.
type Collection[T records.Entity] struct {
	name       string
	store      records.RecordStore[T]
	coord      *optimistic.Coordinator[T]
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *optimistic.Metrics
	bus        events.Bus
	reqTimeout time.Duration
	timestamps bool

	mu          sync.RWMutex
	snapshot    []T
	refreshedAt time.Time
	requests    map[string]*request[T]

	// lanes holds the queued store calls per entity id. A present key
	// means a goroutine is draining that lane.
	laneMu sync.Mutex
	lanes  map[string][]queued[T]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a collection over store. Call Refresh to load the first
// snapshot.
func New[T records.Entity](store records.RecordStore[T], opts Options) *Collection[T] {
	if opts.Timeout <= 0 {
		opts.Timeout = optimistic.DefaultTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = opts.Timeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "default"
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Collection[T]{
		name:       opts.Name,
		store:      store,
		clock:      opts.Clock,
		logger:     opts.Logger.With("collection", opts.Name),
		metrics:    opts.Metrics,
		bus:        opts.Bus,
		reqTimeout: opts.RequestTimeout,
		timestamps: opts.Timestamps,
		requests:   make(map[string]*request[T]),
		lanes:      make(map[string][]queued[T]),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.coord = optimistic.New[T](optimistic.Options{
		Name:     opts.Name,
		Timeout:  opts.Timeout,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
		Listener: c.onOperation,
	})
	return c
}

// Name returns the collection label.
func (c *Collection[T]) Name() string { return c.name }

// Coordinator exposes the underlying coordinator.
func (c *Collection[T]) Coordinator() *optimistic.Coordinator[T] { return c.coord }

// ============================================================================
// READS
// ============================================================================

// Refresh replaces the snapshot with the store's current list. On error the
// previous snapshot is kept.
func (c *Collection[T]) Refresh(ctx context.Context) error {
	list, err := c.store.List(ctx)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", c.name, err)
	}
	c.mu.Lock()
	c.snapshot = list
	c.refreshedAt = c.clock.Now()
	c.mu.Unlock()

	c.logger.Debug("[Collection] Refreshed", "count", len(list))
	return nil
}

// Snapshot returns a copy of the last authoritative list.
func (c *Collection[T]) Snapshot() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]T(nil), c.snapshot...)
}

// RefreshedAt reports when the snapshot was last loaded.
func (c *Collection[T]) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}

// View returns the merged list with each entity's sync state. The state
// comes from the most recent operation touching the entity.
func (c *Collection[T]) View() []Item[T] {
	base := c.Snapshot()
	ops := c.coord.Operations()
	merged := optimistic.Apply(base, ops)

	latest := make(map[string]optimistic.Operation[T], len(ops))
	for _, op := range ops {
		latest[op.Data.EntityID()] = op
	}

	out := make([]Item[T], 0, len(merged))
	for _, e := range merged {
		item := Item[T]{Record: e, State: StateSynced}
		if op, ok := latest[e.EntityID()]; ok {
			item.OperationID = op.ID
			item.State = StateFailed
			if op.Pending {
				item.State = StatePending
			}
		}
		out = append(out, item)
	}
	return out
}

// Entities returns the merged list without sync state.
func (c *Collection[T]) Entities() []T {
	return c.coord.ApplyOptimisticUpdates(c.Snapshot())
}

// Get looks an entity up in the merged view.
func (c *Collection[T]) Get(id string) (T, bool) {
	for _, e := range c.Entities() {
		if e.EntityID() == id {
			return e, true
		}
	}
	var zero T
	return zero, false
}

// Operations returns every tracked operation.
func (c *Collection[T]) Operations() []optimistic.Operation[T] {
	return c.coord.Operations()
}

// ============================================================================
// WRITES
// ============================================================================

// Create registers an optimistic create and sends it to the store. Entities
// without an id get one first so the optimistic copy and the stored row
// share it.
func (c *Collection[T]) Create(entity T) (string, T, error) {
	entity, err := records.AssignID(entity)
	if err != nil {
		return "", entity, err
	}
	if c.timestamps {
		if entity, err = c.stampCreate(entity); err != nil {
			return "", entity, err
		}
	}
	if err := validate(entity); err != nil {
		return "", entity, err
	}

	opID := c.coord.ExecuteOptimistic(optimistic.OpCreate, entity, nil)
	c.dispatch(opID, c.remember(opID, &request[T]{typ: optimistic.OpCreate, id: entity.EntityID(), entity: entity}))
	return opID, entity, nil
}

// Update merges fields into the entity as currently shown and sends the
// change to the store. The shown entity is the rollback target.
func (c *Collection[T]) Update(id string, fields map[string]any) (string, T, error) {
	current, ok := c.Get(id)
	if !ok {
		var zero T
		return "", zero, fmt.Errorf("update %s %s: %w", c.name, id, records.ErrNotFound)
	}

	patch := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		if k != "id" {
			patch[k] = v
		}
	}
	if c.timestamps {
		if _, ok := patch["updated_at"]; !ok {
			patch["updated_at"] = c.clock.Now().UTC().Format(time.RFC3339)
		}
	}

	updated, err := records.Patch(current, patch)
	if err != nil {
		var zero T
		return "", zero, fmt.Errorf("%w: %v", records.ErrInvalidEntity, err)
	}
	if err := validate(updated); err != nil {
		var zero T
		return "", zero, err
	}

	opID := c.coord.ExecuteOptimistic(optimistic.OpUpdate, updated, &current)
	c.dispatch(opID, c.remember(opID, &request[T]{typ: optimistic.OpUpdate, id: id, entity: updated, fields: patch}))
	return opID, updated, nil
}

// Delete hides the entity immediately and deletes it from the store.
func (c *Collection[T]) Delete(id string) (string, error) {
	current, ok := c.Get(id)
	if !ok {
		return "", fmt.Errorf("delete %s %s: %w", c.name, id, records.ErrNotFound)
	}
	opID := c.coord.ExecuteOptimistic(optimistic.OpDelete, current, nil)
	c.dispatch(opID, c.remember(opID, &request[T]{typ: optimistic.OpDelete, id: id, entity: current}))
	return opID, nil
}

// Retry re-issues the request behind a failed operation.
func (c *Collection[T]) Retry(opID string) error {
	op, ok := c.coord.Operation(opID)
	if !ok {
		return fmt.Errorf("retry %s: %w", opID, ErrUnknownOperation)
	}
	if op.Pending {
		return fmt.Errorf("retry %s: %w", opID, ErrNotRetryable)
	}

	c.mu.Lock()
	req, ok := c.requests[opID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("retry %s: %w", opID, ErrNotRetryable)
	}
	req.attempt++
	attempt := *req
	c.mu.Unlock()

	c.coord.RetryOperation(opID)
	c.dispatch(opID, attempt)
	return nil
}

// Discard rolls an operation back. A reverted update is then dismissed too:
// it never reached the store, so the snapshot already holds the server's
// version. A request still queued is dropped. One already in flight is not
// cancelled; if it succeeds its result is folded into the snapshot as usual.
func (c *Collection[T]) Discard(opID string) error {
	op, ok := c.coord.Operation(opID)
	if !ok {
		return fmt.Errorf("discard %s: %w", opID, ErrUnknownOperation)
	}

	c.mu.Lock()
	delete(c.requests, opID)
	c.mu.Unlock()

	c.coord.RollbackOperation(opID)
	if op.Type == optimistic.OpUpdate {
		c.coord.Dismiss(opID)
	}
	c.logger.Info("[Collection] Discarded operation", "operation_id", opID, "type", op.Type)
	return nil
}

// Wait blocks until every in-flight store call has finished.
func (c *Collection[T]) Wait() {
	c.wg.Wait()
}

// Close cancels in-flight store calls, waits for them and drops every
// operation.
func (c *Collection[T]) Close() {
	c.cancel()
	c.wg.Wait()
	c.coord.Forget()
}

// ============================================================================
// BACKGROUND REQUESTS
// ============================================================================

func (c *Collection[T]) remember(opID string, req *request[T]) request[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests[opID] = req
	return *req
}

// dispatch queues the store call on its entity's lane. Calls for one
// entity reach the store one at a time in registration order; different
// entities proceed in parallel.
func (c *Collection[T]) dispatch(opID string, req request[T]) {
	c.wg.Add(1)
	c.laneMu.Lock()
	lane, running := c.lanes[req.id]
	c.lanes[req.id] = append(lane, queued[T]{opID: opID, req: req})
	c.laneMu.Unlock()
	if !running {
		go c.drain(req.id)
	}
}

func (c *Collection[T]) drain(entityID string) {
	for {
		c.laneMu.Lock()
		lane := c.lanes[entityID]
		if len(lane) == 0 {
			delete(c.lanes, entityID)
			c.laneMu.Unlock()
			return
		}
		next := lane[0]
		c.lanes[entityID] = lane[1:]
		c.laneMu.Unlock()

		c.run(next.opID, next.req)
		c.wg.Done()
	}
}

func (c *Collection[T]) run(opID string, req request[T]) {
	// Skip calls that were discarded, already confirmed by an earlier
	// attempt, or queued behind Close.
	if !c.isCurrent(opID, req) || c.ctx.Err() != nil {
		c.logger.Debug("[Collection] Skipping stale request", "operation_id", opID, "attempt", req.attempt)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.reqTimeout)
	defer cancel()

	start := time.Now()
	result, err := c.call(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.metrics.ObserveStore(c.name, req.typ, outcome, time.Since(start))

	if err != nil {
		c.fail(opID, req, err)
		return
	}
	c.succeed(opID, req, result)
}

func (c *Collection[T]) isCurrent(opID string, req request[T]) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cur, ok := c.requests[opID]
	return ok && cur.attempt == req.attempt
}

func (c *Collection[T]) call(ctx context.Context, req request[T]) (T, error) {
	switch req.typ {
	case optimistic.OpCreate:
		return c.store.Create(ctx, req.entity)
	case optimistic.OpUpdate:
		return c.store.Update(ctx, req.id, req.fields)
	default:
		err := c.store.Delete(ctx, req.id)
		if errors.Is(err, records.ErrNotFound) {
			// Already gone: the desired end state holds.
			err = nil
		}
		return req.entity, err
	}
}

func (c *Collection[T]) succeed(opID string, req request[T], result T) {
	c.fold(req.typ, req.id, result)

	// Any attempt confirming the write settles the operation.
	c.mu.Lock()
	delete(c.requests, opID)
	c.mu.Unlock()

	c.coord.CompleteOperation(opID, true)
	c.logger.Debug("[Collection] Operation confirmed", "operation_id", opID, "type", req.typ)

	var payload map[string]any
	if req.typ != optimistic.OpDelete {
		if fields, err := records.Fields(result); err == nil {
			payload = fields
		}
	}
	c.publish(events.EventRecordChanged, req.typ, req.id, opID, payload)
}

// fail marks the operation failed unless the result is stale: the operation
// was discarded, superseded by a retry, or has already timed out.
func (c *Collection[T]) fail(opID string, req request[T], err error) {
	if !c.isCurrent(opID, req) {
		c.logger.Debug("[Collection] Ignoring stale failure", "operation_id", opID, "error", err)
		return
	}
	if op, ok := c.coord.Operation(opID); !ok || !op.Pending {
		return
	}

	c.logger.Warn("[Collection] Store request failed", "operation_id", opID, "type", req.typ, "error", err)
	c.coord.CompleteOperation(opID, false)
}

// fold applies a confirmed write to the snapshot.
func (c *Collection[T]) fold(typ optimistic.OpType, id string, result T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := -1
	for j, e := range c.snapshot {
		if e.EntityID() == id {
			i = j
			break
		}
	}

	next := append([]T(nil), c.snapshot...)
	switch typ {
	case optimistic.OpCreate:
		if i >= 0 {
			next[i] = result
		} else {
			next = append([]T{result}, next...)
		}
	case optimistic.OpUpdate:
		if i >= 0 {
			next[i] = result
		}
	case optimistic.OpDelete:
		if i >= 0 {
			next = append(next[:i], next[i+1:]...)
		}
	}
	c.snapshot = next
}

// onOperation publishes a failure event when a tracked request's operation
// lands in the failed state (store error or timeout).
func (c *Collection[T]) onOperation(opID string) {
	op, ok := c.coord.Operation(opID)
	if !ok || op.Pending {
		return
	}
	c.mu.RLock()
	_, tracked := c.requests[opID]
	c.mu.RUnlock()
	if !tracked {
		return
	}
	c.publish(events.EventOperationFailed, op.Type, op.Data.EntityID(), opID, nil)
}

func (c *Collection[T]) publish(typ events.EventType, op optimistic.OpType, entityID, opID string, payload map[string]any) {
	if c.bus == nil {
		return
	}
	e := &events.Event{
		Type:        typ,
		Source:      "collection",
		Collection:  c.name,
		EntityID:    entityID,
		Operation:   string(op),
		OperationID: opID,
		Payload:     payload,
		Timestamp:   c.clock.Now(),
	}
	if err := c.bus.Publish(context.Background(), e); err != nil {
		c.logger.Warn("[Collection] Publish failed", "type", typ, "error", err)
	}
}

func validate[T records.Entity](entity T) error {
	if v, ok := any(entity).(validator); ok {
		return v.Validate()
	}
	return nil
}

func (c *Collection[T]) stampCreate(entity T) (T, error) {
	fields, err := records.Fields(entity)
	if err != nil {
		return entity, err
	}
	now := c.clock.Now().UTC().Format(time.RFC3339)
	patch := map[string]any{"updated_at": now}
	if v, _ := fields["created_at"].(string); v == "" {
		patch["created_at"] = now
	}
	return records.Patch(entity, patch)
}
