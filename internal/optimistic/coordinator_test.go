package optimistic

import (
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gunshikin/kanri/internal/clock"
)

type item struct {
	ID string `json:"id"`
	V  int    `json:"v"`
}

func (i item) EntityID() string { return i.ID }

func newTestCoordinator(t *testing.T) (*Coordinator[item], *clock.Manual) {
	t.Helper()
	c := clock.NewManual(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	return New[item](Options{Name: "test", Clock: c}), c
}

func ids(ops []Operation[item]) []string {
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.ID)
	}
	return out
}

// ============================================================================
// PROJECTION
// ============================================================================

func TestApply_IsIdempotentAndDoesNotMutateBase(t *testing.T) {
	co, _ := newTestCoordinator(t)
	base := []item{{ID: "a", V: 1}, {ID: "b", V: 1}, {ID: "c", V: 1}}
	snapshot := append([]item(nil), base...)

	co.ExecuteOptimistic(OpCreate, item{ID: "n", V: 1}, nil)
	co.ExecuteOptimistic(OpUpdate, item{ID: "b", V: 9}, nil)
	co.ExecuteOptimistic(OpDelete, item{ID: "a"}, nil)

	first := co.ApplyOptimisticUpdates(base)
	second := co.ApplyOptimisticUpdates(base)

	assert.Equal(t, first, second)
	assert.Equal(t, snapshot, base, "base must not be modified")
	assert.Equal(t, []item{{ID: "n", V: 1}, {ID: "b", V: 9}, {ID: "c", V: 1}}, first)
}

func TestApply_CreateSuppressesDuplicates(t *testing.T) {
	co, _ := newTestCoordinator(t)
	co.ExecuteOptimistic(OpCreate, item{ID: "a", V: 2}, nil)

	out := co.ApplyOptimisticUpdates([]item{{ID: "a", V: 1}})
	require.Len(t, out, 1)
	assert.Equal(t, item{ID: "a", V: 1}, out[0], "authoritative copy wins over the pending create")
}

func TestApply_UpdateSupersedesCreateForSameID(t *testing.T) {
	co, _ := newTestCoordinator(t)
	co.ExecuteOptimistic(OpCreate, item{ID: "x", V: 1}, nil)
	co.ExecuteOptimistic(OpUpdate, item{ID: "x", V: 2}, nil)

	out := co.ApplyOptimisticUpdates(nil)
	assert.Equal(t, []item{{ID: "x", V: 2}}, out)
}

func TestApply_DeleteRemovesRegardlessOfOrigin(t *testing.T) {
	co, _ := newTestCoordinator(t)
	co.ExecuteOptimistic(OpDelete, item{ID: "y"}, nil)

	assert.Empty(t, co.ApplyOptimisticUpdates([]item{{ID: "y"}}))

	co.ExecuteOptimistic(OpCreate, item{ID: "z"}, nil)
	co.ExecuteOptimistic(OpDelete, item{ID: "z"}, nil)
	assert.Empty(t, co.ApplyOptimisticUpdates(nil), "delete after create within the same pass")
}

func TestApply_UpdateOfAbsentIsNoop(t *testing.T) {
	out := Apply([]item{{ID: "a"}}, []Operation[item]{{Type: OpUpdate, Data: item{ID: "ghost", V: 5}}})
	assert.Equal(t, []item{{ID: "a"}}, out)
}

func TestApply_FailedOperationsStillProject(t *testing.T) {
	co, _ := newTestCoordinator(t)
	id := co.ExecuteOptimistic(OpCreate, item{ID: "f"}, nil)
	co.CompleteOperation(id, false)

	assert.Equal(t, []item{{ID: "f"}}, co.ApplyOptimisticUpdates(nil))
}

// ============================================================================
// LIFECYCLE
// ============================================================================

func TestExecuteOptimistic_RegistersPending(t *testing.T) {
	co, clk := newTestCoordinator(t)

	id := co.ExecuteOptimistic(OpCreate, item{ID: "a"}, nil)

	assert.Equal(t, "create-a-"+itoa(clk.Now().UnixMilli()), id)
	op, ok := co.Operation(id)
	require.True(t, ok)
	assert.True(t, op.Pending)
	assert.Equal(t, clk.Now(), op.CreatedAt)
	assert.Nil(t, op.OriginalData)
	assert.Equal(t, []string{id}, ids(co.PendingOperations()))
	assert.Empty(t, co.FailedOperations())
	assert.Equal(t, 1, co.ActiveTimers())
}

func TestExecuteOptimistic_SameMillisecondIDsDoNotCollide(t *testing.T) {
	co, _ := newTestCoordinator(t)

	first := co.ExecuteOptimistic(OpUpdate, item{ID: "a", V: 1}, nil)
	second := co.ExecuteOptimistic(OpUpdate, item{ID: "a", V: 2}, nil)

	assert.NotEqual(t, first, second)
	assert.Len(t, co.Operations(), 2)
}

func TestExecuteOptimistic_OriginalOnlyKeptForUpdate(t *testing.T) {
	co, _ := newTestCoordinator(t)
	orig := item{ID: "a", V: 0}

	createID := co.ExecuteOptimistic(OpCreate, item{ID: "a"}, &orig)
	updateID := co.ExecuteOptimistic(OpUpdate, item{ID: "a", V: 1}, &orig)

	op, _ := co.Operation(createID)
	assert.Nil(t, op.OriginalData)
	op, _ = co.Operation(updateID)
	require.NotNil(t, op.OriginalData)
	assert.Equal(t, orig, *op.OriginalData)

	orig.V = 42
	op, _ = co.Operation(updateID)
	assert.Equal(t, 0, op.OriginalData.V, "rollback target is copied")
}

func TestCompleteOperation_SuccessRemoves(t *testing.T) {
	co, _ := newTestCoordinator(t)
	id := co.ExecuteOptimistic(OpCreate, item{ID: "a"}, nil)

	co.CompleteOperation(id, true)

	assert.Empty(t, co.PendingOperations())
	assert.Empty(t, co.FailedOperations())
	assert.Equal(t, 0, co.ActiveTimers())
}

func TestCompleteOperation_FailureMarksFailed(t *testing.T) {
	co, clk := newTestCoordinator(t)
	id := co.ExecuteOptimistic(OpDelete, item{ID: "a"}, nil)

	co.CompleteOperation(id, false)

	assert.Empty(t, co.PendingOperations())
	assert.Equal(t, []string{id}, ids(co.FailedOperations()))
	assert.Equal(t, 0, co.ActiveTimers())

	clk.Advance(time.Minute)
	assert.Equal(t, []string{id}, ids(co.FailedOperations()))
}

func TestTimeout_AutoFails(t *testing.T) {
	co, clk := newTestCoordinator(t)
	id := co.ExecuteOptimistic(OpCreate, item{ID: "a"}, nil)

	clk.Advance(9999 * time.Millisecond)
	assert.Equal(t, []string{id}, ids(co.PendingOperations()))

	clk.Advance(time.Millisecond)
	assert.Empty(t, co.PendingOperations())
	assert.Equal(t, []string{id}, ids(co.FailedOperations()))
	assert.Equal(t, 0, co.ActiveTimers())
	assert.Equal(t, 0, clk.Pending())
}

func TestTimeout_CancelledOnSuccess(t *testing.T) {
	co, clk := newTestCoordinator(t)
	id := co.ExecuteOptimistic(OpCreate, item{ID: "a"}, nil)
	co.CompleteOperation(id, true)

	assert.Equal(t, 0, clk.Pending(), "timer must not leak")
	clk.Advance(time.Minute)
	assert.Empty(t, co.Operations())
}

func TestRetryOperation_ResetsPendingAndTimer(t *testing.T) {
	co, clk := newTestCoordinator(t)
	id := co.ExecuteOptimistic(OpUpdate, item{ID: "a", V: 2}, nil)
	co.CompleteOperation(id, false)

	clk.Advance(3 * time.Second)
	co.RetryOperation(id)

	op, ok := co.Operation(id)
	require.True(t, ok)
	assert.True(t, op.Pending)
	assert.Equal(t, clk.Now(), op.CreatedAt)
	assert.Equal(t, []string{id}, ids(co.PendingOperations()))

	clk.Advance(10 * time.Second)
	assert.Empty(t, co.PendingOperations())
	assert.Equal(t, []string{id}, ids(co.FailedOperations()))
}

func TestRetryOperation_ThenCompleteWithSameID(t *testing.T) {
	co, clk := newTestCoordinator(t)
	id := co.ExecuteOptimistic(OpCreate, item{ID: "a"}, nil)
	clk.Advance(10 * time.Second)
	require.Len(t, co.FailedOperations(), 1)

	co.RetryOperation(id)
	co.CompleteOperation(id, true)

	assert.Empty(t, co.Operations())
	assert.Equal(t, 0, clk.Pending())
}

func TestRetryOperation_UnknownOrPendingIsNoop(t *testing.T) {
	co, clk := newTestCoordinator(t)
	co.RetryOperation("missing")
	assert.Empty(t, co.Operations())

	id := co.ExecuteOptimistic(OpCreate, item{ID: "a"}, nil)
	clk.Advance(5 * time.Second)
	co.RetryOperation(id)

	clk.Advance(5 * time.Second)
	assert.Equal(t, []string{id}, ids(co.FailedOperations()), "retrying a pending op must not extend its timeout")
}

func TestStaleTimerDoesNotFailRetriedOperation(t *testing.T) {
	co, clk := newTestCoordinator(t)
	id := co.ExecuteOptimistic(OpCreate, item{ID: "a"}, nil)

	co.CompleteOperation(id, false)
	clk.Advance(6 * time.Second)
	co.RetryOperation(id)

	// The first timer would have fired at t=10s; the retry timer fires at t=16s.
	clk.Advance(5 * time.Second)
	assert.Equal(t, []string{id}, ids(co.PendingOperations()))

	// Simulate a callback from the first arming that was queued before it was stopped.
	co.expire(id, 1)
	assert.Equal(t, []string{id}, ids(co.PendingOperations()))
}

func TestRollbackOperation_UpdateRestoresOriginal(t *testing.T) {
	co, clk := newTestCoordinator(t)
	orig := item{ID: "z", V: 1}
	id := co.ExecuteOptimistic(OpUpdate, item{ID: "z", V: 2}, &orig)

	co.RollbackOperation(id)

	op, ok := co.Operation(id)
	require.True(t, ok)
	assert.Equal(t, item{ID: "z", V: 1}, op.Data)
	assert.False(t, op.Pending)
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, []item{{ID: "z", V: 1}}, co.ApplyOptimisticUpdates([]item{{ID: "z", V: 2}}))
}

func TestRollbackOperation_CreateRemovesEntirely(t *testing.T) {
	co, clk := newTestCoordinator(t)
	id := co.ExecuteOptimistic(OpCreate, item{ID: "w"}, nil)

	co.RollbackOperation(id)

	_, ok := co.Operation(id)
	assert.False(t, ok)
	assert.Empty(t, co.Operations())
	assert.Equal(t, 0, clk.Pending())
}

func TestRollbackOperation_UpdateWithoutOriginalRemoves(t *testing.T) {
	co, _ := newTestCoordinator(t)
	id := co.ExecuteOptimistic(OpUpdate, item{ID: "u", V: 3}, nil)

	co.RollbackOperation(id)
	assert.Empty(t, co.Operations())
}

func TestRollbackOperation_UnknownIsNoop(t *testing.T) {
	co, _ := newTestCoordinator(t)
	co.ExecuteOptimistic(OpCreate, item{ID: "a"}, nil)

	co.RollbackOperation("missing")
	assert.Len(t, co.Operations(), 1)
}

func TestDismiss_OnlyRemovesFailed(t *testing.T) {
	co, _ := newTestCoordinator(t)
	pending := co.ExecuteOptimistic(OpCreate, item{ID: "a"}, nil)
	failed := co.ExecuteOptimistic(OpUpdate, item{ID: "b", V: 2}, &item{ID: "b", V: 1})
	co.CompleteOperation(failed, false)

	co.Dismiss(pending)
	co.Dismiss(failed)
	co.Dismiss("missing")

	assert.Equal(t, []string{pending}, ids(co.Operations()))
	assert.Equal(t, 1, co.ActiveTimers())
}

func TestForget_CancelsEverything(t *testing.T) {
	co, clk := newTestCoordinator(t)
	co.ExecuteOptimistic(OpCreate, item{ID: "a"}, nil)
	co.ExecuteOptimistic(OpCreate, item{ID: "b"}, nil)

	co.Forget()

	assert.Empty(t, co.Operations())
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, 0, co.ActiveTimers())
}

// ============================================================================
// LISTENER & METRICS
// ============================================================================

func TestListenerSeesEveryTransition(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	var seen []string
	co := New[item](Options{Clock: clk, Listener: func(id string) { seen = append(seen, id) }})

	id := co.ExecuteOptimistic(OpCreate, item{ID: "a"}, nil)
	clk.Advance(DefaultTimeout)
	co.RetryOperation(id)
	co.CompleteOperation(id, true)
	co.CompleteOperation(id, true) // unknown now, no notification

	assert.Equal(t, []string{id, id, id, id}, seen)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	clk := clock.NewManual(time.Unix(0, 0))
	co := New[item](Options{Name: "fridge", Clock: clk, Metrics: m})

	a := co.ExecuteOptimistic(OpCreate, item{ID: "a"}, nil)
	co.ExecuteOptimistic(OpDelete, item{ID: "b"}, nil)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Pending.WithLabelValues("fridge")))

	co.CompleteOperation(a, true)
	clk.Advance(DefaultTimeout)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Registered.WithLabelValues("fridge", "create")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Resolutions.WithLabelValues("fridge", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Resolutions.WithLabelValues("fridge", "timeout")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Pending.WithLabelValues("fridge")))
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
