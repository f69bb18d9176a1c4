// Package optimistic tracks in-flight local mutations and projects them on
// top of the last authoritative snapshot of a collection.
//
// The coordinator never performs I/O. Callers follow a two-phase protocol:
// register the mutation with ExecuteOptimistic, issue the real request, then
// resolve it with CompleteOperation. Operations that are never resolved fail
// automatically after the configured timeout.
//
// One Coordinator is meant to serve one logical collection (expenses, todos,
// fridge items); it must not be shared across unrelated collections.
package optimistic

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gunshikin/kanri/internal/clock"
	"github.com/gunshikin/kanri/internal/records"
)

// DefaultTimeout is how long an operation may stay pending before it is
// marked failed.
const DefaultTimeout = 10 * time.Second

// OpType is the kind of mutation an operation represents.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Valid reports whether t is a known operation type.
func (t OpType) Valid() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Operation is one tracked local mutation. An operation is either pending or
// failed; successful operations are removed.
type Operation[T records.Entity] struct {
	ID           string    `json:"id"`
	Type         OpType    `json:"type"`
	Data         T         `json:"data"`
	OriginalData *T        `json:"original_data,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Pending      bool      `json:"pending"`
}

// Failed reports whether the operation is in the failed state.
func (op Operation[T]) Failed() bool { return !op.Pending }

// Listener is notified after every state change with the affected operation
// id. It runs without the coordinator lock held.
type Listener func(operationID string)

// Options configures a Coordinator. Zero values select defaults.
type Options struct {
	Name     string // collection label for logs and metrics
	Timeout  time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *Metrics
	Listener Listener
}

type timerEntry struct {
	timer clock.Timer
	gen   uint64
}

// Coordinator applies pending local mutations over server-fetched lists.
type Coordinator[T records.Entity] struct {
	mu     sync.Mutex
	ops    []Operation[T]
	timers map[string]timerEntry
	gen    uint64

	name     string
	timeout  time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *Metrics
	listener Listener
}

// New creates a coordinator.
func New[T records.Entity](opts Options) *Coordinator[T] {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
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
	return &Coordinator[T]{
		timers:   make(map[string]timerEntry),
		name:     opts.Name,
		timeout:  opts.Timeout,
		clock:    opts.Clock,
		logger:   opts.Logger.With("collection", opts.Name),
		metrics:  opts.Metrics,
		listener: opts.Listener,
	}
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// ExecuteOptimistic registers a pending operation and starts its timeout.
// original is kept only for updates and is the rollback target. The returned
// id resolves the operation later.
func (c *Coordinator[T]) ExecuteOptimistic(typ OpType, data T, original *T) string {
	c.mu.Lock()
	now := c.clock.Now()
	id := fmt.Sprintf("%s-%s-%d", typ, data.EntityID(), now.UnixMilli())
	if c.indexLocked(id) >= 0 {
		id = id + "-" + uuid.New().String()[:8]
	}

	op := Operation[T]{
		ID:        id,
		Type:      typ,
		Data:      data,
		CreatedAt: now,
		Pending:   true,
	}
	if typ == OpUpdate && original != nil {
		orig := *original
		op.OriginalData = &orig
	}
	c.ops = append(c.ops, op)
	c.startTimerLocked(id)
	c.observePendingLocked()
	c.mu.Unlock()

	c.metrics.registered(c.name, typ)
	c.logger.Debug("[Optimistic] Registered operation", "operation_id", id, "type", typ, "entity_id", data.EntityID())
	c.notify(id)
	return id
}

// CompleteOperation resolves an operation. Success removes it; failure keeps
// it as failed until it is retried or rolled back. Unknown ids are ignored
// apart from cancelling a stray timer.
func (c *Coordinator[T]) CompleteOperation(id string, success bool) {
	if !c.resolve(id, success) {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.metrics.resolved(c.name, outcome)
	c.notify(id)
}

// RetryOperation moves a failed operation back to pending, refreshes its
// creation time and restarts its timeout. The caller re-issues the request
// and resolves it with the same id.
func (c *Coordinator[T]) RetryOperation(id string) {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 || c.ops[i].Pending {
		c.mu.Unlock()
		c.logger.Debug("[Optimistic] Retry ignored", "operation_id", id)
		return
	}
	c.ops[i].Pending = true
	c.ops[i].CreatedAt = c.clock.Now()
	c.startTimerLocked(id)
	c.observePendingLocked()
	c.mu.Unlock()

	c.metrics.retried(c.name)
	c.logger.Info("[Optimistic] Retrying operation", "operation_id", id)
	c.notify(id)
}

// RollbackOperation discards an operation's visible effect. An update with
// a rollback target is kept, reverted to the original data and marked not
// pending; everything else is removed.
func (c *Coordinator[T]) RollbackOperation(id string) {
	c.mu.Lock()
	c.stopTimerLocked(id)
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		c.logger.Debug("[Optimistic] Rollback ignored", "operation_id", id)
		return
	}
	op := c.ops[i]
	if op.Type == OpUpdate && op.OriginalData != nil {
		c.ops[i].Data = *op.OriginalData
		c.ops[i].Pending = false
	} else {
		c.ops = append(c.ops[:i], c.ops[i+1:]...)
	}
	c.observePendingLocked()
	c.mu.Unlock()

	c.metrics.resolved(c.name, "rollback")
	c.logger.Info("[Optimistic] Rolled back operation", "operation_id", id, "type", op.Type)
	c.notify(id)
}

// Dismiss removes a failed operation without touching the store. Pending
// operations and unknown ids are ignored.
func (c *Coordinator[T]) Dismiss(id string) {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 || c.ops[i].Pending {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked(id)
	c.ops = append(c.ops[:i], c.ops[i+1:]...)
	c.observePendingLocked()
	c.mu.Unlock()

	c.logger.Debug("[Optimistic] Dismissed operation", "operation_id", id)
	c.notify(id)
}

// Forget drops every operation and cancels every timer.
func (c *Coordinator[T]) Forget() {
	c.mu.Lock()
	for id := range c.timers {
		c.stopTimerLocked(id)
	}
	c.ops = nil
	c.observePendingLocked()
	c.mu.Unlock()
}

func (c *Coordinator[T]) resolve(id string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopTimerLocked(id)
	i := c.indexLocked(id)
	if i < 0 {
		return false
	}
	if success {
		c.ops = append(c.ops[:i], c.ops[i+1:]...)
	} else {
		c.ops[i].Pending = false
	}
	c.observePendingLocked()
	return true
}

// ============================================================================
// PROJECTION
// ============================================================================

// ApplyOptimisticUpdates replays every tracked operation, in insertion
// order, on a copy of base. base is never modified.
func (c *Coordinator[T]) ApplyOptimisticUpdates(base []T) []T {
	c.mu.Lock()
	ops := append([]Operation[T](nil), c.ops...)
	c.mu.Unlock()

	return Apply(base, ops)
}

// Apply replays ops on a copy of base:
//   - create prepends data unless an entity with the same id is present,
//   - update replaces entities with a matching id,
//   - delete removes entities with a matching id.
func Apply[T records.Entity](base []T, ops []Operation[T]) []T {
	result := append(make([]T, 0, len(base)+len(ops)), base...)

	for _, op := range ops {
		id := op.Data.EntityID()
		switch op.Type {
		case OpCreate:
			if indexOf(result, id) < 0 {
				result = append([]T{op.Data}, result...)
			}
		case OpUpdate:
			for i := range result {
				if result[i].EntityID() == id {
					result[i] = op.Data
				}
			}
		case OpDelete:
			kept := result[:0:0]
			for _, e := range result {
				if e.EntityID() != id {
					kept = append(kept, e)
				}
			}
			result = kept
		}
	}
	return result
}

// ============================================================================
// VIEWS
// ============================================================================

// Operations returns every tracked operation in insertion order.
func (c *Coordinator[T]) Operations() []Operation[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Operation[T](nil), c.ops...)
}

// PendingOperations returns operations awaiting confirmation.
func (c *Coordinator[T]) PendingOperations() []Operation[T] {
	return c.filter(true)
}

// FailedOperations returns operations that failed or timed out.
func (c *Coordinator[T]) FailedOperations() []Operation[T] {
	return c.filter(false)
}

// Operation looks up a tracked operation by id.
func (c *Coordinator[T]) Operation(id string) (Operation[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(id); i >= 0 {
		return c.ops[i], true
	}
	return Operation[T]{}, false
}

func (c *Coordinator[T]) filter(pending bool) []Operation[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Operation[T]
	for _, op := range c.ops {
		if op.Pending == pending {
			out = append(out, op)
		}
	}
	return out
}

// ============================================================================
// TIMERS
// ============================================================================

func (c *Coordinator[T]) startTimerLocked(id string) {
	c.stopTimerLocked(id)
	c.gen++
	gen := c.gen
	t := c.clock.AfterFunc(c.timeout, func() { c.expire(id, gen) })
	c.timers[id] = timerEntry{timer: t, gen: gen}
}

func (c *Coordinator[T]) stopTimerLocked(id string) {
	if entry, ok := c.timers[id]; ok {
		entry.timer.Stop()
		delete(c.timers, id)
	}
}

// expire fails an operation whose timer fired. A timer that was replaced or
// cancelled while its callback was already queued carries an old generation
// and is dropped.
func (c *Coordinator[T]) expire(id string, gen uint64) {
	c.mu.Lock()
	entry, ok := c.timers[id]
	if !ok || entry.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.timers, id)
	i := c.indexLocked(id)
	if i < 0 || !c.ops[i].Pending {
		c.mu.Unlock()
		return
	}
	c.ops[i].Pending = false
	c.observePendingLocked()
	c.mu.Unlock()

	c.metrics.resolved(c.name, "timeout")
	c.logger.Warn("[Optimistic] Operation timed out", "operation_id", id, "timeout", c.timeout)
	c.notify(id)
}

// ActiveTimers returns the number of timers currently armed.
func (c *Coordinator[T]) ActiveTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// ============================================================================
// HELPERS
// ============================================================================

func (c *Coordinator[T]) indexLocked(id string) int {
	for i, op := range c.ops {
		if op.ID == id {
			return i
		}
	}
	return -1
}

func (c *Coordinator[T]) observePendingLocked() {
	if c.metrics == nil {
		return
	}
	n := 0
	for _, op := range c.ops {
		if op.Pending {
			n++
		}
	}
	c.metrics.Pending.WithLabelValues(c.name).Set(float64(n))
}

func (c *Coordinator[T]) notify(id string) {
	if c.listener != nil {
		c.listener(id)
	}
}

func indexOf[T records.Entity](list []T, id string) int {
	for i, e := range list {
		if e.EntityID() == id {
			return i
		}
	}
	return -1
}
