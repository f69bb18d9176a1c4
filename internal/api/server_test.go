package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gunshikin/kanri/internal/circuitbreaker"
	"github.com/gunshikin/kanri/internal/clock"
	"github.com/gunshikin/kanri/internal/collection"
	"github.com/gunshikin/kanri/internal/expense"
	"github.com/gunshikin/kanri/internal/fridge"
	"github.com/gunshikin/kanri/internal/imaging"
	"github.com/gunshikin/kanri/internal/media"
	"github.com/gunshikin/kanri/internal/optimistic"
	"github.com/gunshikin/kanri/internal/records"
	"github.com/gunshikin/kanri/internal/todo"
	"github.com/gunshikin/kanri/internal/webhooks"
)

var now = time.Date(2025, 7, 15, 10, 0, 0, 0, time.UTC)

// brokenStore fails every write.
type brokenStore[T records.Entity] struct {
	*records.MemoryStore[T]
}

func (b brokenStore[T]) Create(context.Context, T) (T, error) {
	var zero T
	return zero, errors.New("503 service unavailable")
}

type testEnv struct {
	handler  http.Handler
	expenses *collection.Collection[expense.Expense]
	todos    *collection.Collection[todo.Todo]
	fridge   *collection.Collection[fridge.Item]
	blobs    *records.MemoryBlobStore
	hooks    *webhooks.Registry
}

func newTestEnv(t *testing.T, todoStore records.RecordStore[todo.Todo]) *testEnv {
	t.Helper()
	clk := clock.NewManual(now)
	reg := prometheus.NewRegistry()
	metrics := optimistic.NewMetrics(reg)

	opts := func(name string) collection.Options {
		return collection.Options{Name: name, Clock: clk, Metrics: metrics, RequestTimeout: time.Minute}
	}
	if todoStore == nil {
		todoStore = records.NewMemoryStore[todo.Todo]()
	}

	e := &testEnv{
		expenses: collection.New[expense.Expense](records.NewMemoryStore(
			expense.Expense{ID: "e1", Title: "salary", Amount: decimal.RequireFromString("300000"), Type: expense.KindIncome, Date: "2025-07-01", PaidBy: "taro"},
			expense.Expense{ID: "e2", Title: "rice", Amount: decimal.RequireFromString("3200"), Type: expense.KindExpense, Category: "food", Date: "2025-07-02", PaidBy: "hanako"},
		), opts("expenses")),
		todos: collection.New[todo.Todo](todoStore, opts("todos")),
		fridge: collection.New[fridge.Item](records.NewMemoryStore(
			fridge.Item{ID: "f1", Name: "milk", ExpiryDate: "2025-07-16", AddedDate: "2025-07-10"},
			fridge.Item{ID: "f2", Name: "tofu", ExpiryDate: "2025-07-10", AddedDate: "2025-07-05"},
		), opts("fridge")),
		blobs: records.NewMemoryBlobStore(),
		hooks: webhooks.NewRegistry(nil),
	}
	for _, refresh := range []func(context.Context) error{e.expenses.Refresh, e.todos.Refresh, e.fridge.Refresh} {
		require.NoError(t, refresh(context.Background()))
	}
	t.Cleanup(func() {
		e.expenses.Close()
		e.todos.Close()
		e.fridge.Close()
	})

	srv := NewServer(Config{
		Expenses:   e.expenses,
		Todos:      e.todos,
		Fridge:     e.fridge,
		Uploader:   media.NewUploader(e.blobs, clk, nil),
		Classifier: func() fridge.Classifier { return fridge.Classifier{ExpiringWithinDays: 3, Location: time.UTC} },
		Gatherer:   reg,
		Webhooks:   e.hooks,
		Clock:      clk,
	})
	e.handler = srv.Handler()
	return e
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) doJSON(t *testing.T, method, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	return e.do(t, method, path, body, "application/json")
}

func decode[V any](t *testing.T, rec *httptest.ResponseRecorder) V {
	t.Helper()
	var v V
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "operations")
}

func TestTodoLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.doJSON(t, http.MethodPost, "/api/v1/todos", map[string]string{"title": "buy rice", "assignee": "hanako"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	created := decode[writeResponse[todo.Todo]](t, rec)
	require.NotEmpty(t, created.OperationID)
	require.NotNil(t, created.Record)
	assert.Equal(t, todo.PriorityMedium, created.Record.Priority)
	e.todos.Wait()

	rec = e.do(t, http.MethodGet, "/api/v1/todos?assignee=hanako", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[listResponse[todo.Todo]](t, rec)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, collection.StateSynced, list.Items[0].State)

	rec = e.do(t, http.MethodGet, "/api/v1/todos?assignee=taro", nil, "")
	assert.Equal(t, 0, decode[listResponse[todo.Todo]](t, rec).Count)

	rec = e.doJSON(t, http.MethodPut, "/api/v1/todos/"+created.ID, map[string]string{"status": "completed"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	e.todos.Wait()

	rec = e.do(t, http.MethodGet, "/api/v1/todos/"+created.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	item := decode[collection.Item[todo.Todo]](t, rec)
	assert.Equal(t, todo.StatusCompleted, item.Record.Status)

	rec = e.do(t, http.MethodGet, "/api/v1/todos/stats", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[todo.Stats](t, rec)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Completed)

	rec = e.do(t, http.MethodDelete, "/api/v1/todos/"+created.ID, nil, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	e.todos.Wait()
	assert.Empty(t, e.todos.Entities())
}

func TestCreateValidation(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.doJSON(t, http.MethodPost, "/api/v1/todos", map[string]string{"title": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/expenses", strings.NewReader("{not json"), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.doJSON(t, http.MethodPost, "/api/v1/expenses", map[string]interface{}{"title": "tea", "amount": 0, "date": "2025-07-15"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.doJSON(t, http.MethodPut, "/api/v1/todos/missing", map[string]string{"title": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodDelete, "/api/v1/fridge/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.doJSON(t, http.MethodPut, "/api/v1/expenses/e2", map[string]interface{}{
		"type": "bogus", "amount": "-5", "date": "not-a-date", "title": "",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.doJSON(t, http.MethodPatch, "/api/v1/expenses/e2", map[string]interface{}{"amount": "-5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.doJSON(t, http.MethodPut, "/api/v1/fridge/f1", map[string]interface{}{
		"quantity": -3, "expiry_date": "garbage", "name": "",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.doJSON(t, http.MethodPut, "/api/v1/fridge/f1", map[string]interface{}{"expiry_date": "garbage"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, e.expenses.Operations())
	assert.Empty(t, e.fridge.Operations())
	rice, ok := e.expenses.Get("e2")
	require.True(t, ok)
	assert.Equal(t, "rice", rice.Title)
	assert.Equal(t, "3200", rice.Amount.String())
	milk, ok := e.fridge.Get("f1")
	require.True(t, ok)
	assert.Equal(t, "milk", milk.Name)
	assert.Equal(t, "2025-07-16", milk.ExpiryDate)
}

func TestFailedOperationRetryAndRollback(t *testing.T) {
	e := newTestEnv(t, brokenStore[todo.Todo]{records.NewMemoryStore[todo.Todo]()})

	rec := e.doJSON(t, http.MethodPost, "/api/v1/todos", map[string]string{"title": "fix roof"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	created := decode[writeResponse[todo.Todo]](t, rec)
	e.todos.Wait()

	rec = e.do(t, http.MethodGet, "/api/v1/todos/operations", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	ops := decode[map[string]interface{}](t, rec)
	assert.EqualValues(t, 1, ops["failed"])
	assert.EqualValues(t, 0, ops["pending"])

	rec = e.do(t, http.MethodGet, "/api/v1/todos", nil, "")
	list := decode[listResponse[todo.Todo]](t, rec)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, collection.StateFailed, list.Items[0].State)

	rec = e.do(t, http.MethodPost, "/api/v1/todos/operations/nope/retry", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/todos/operations/"+created.OperationID+"/retry", nil, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	e.todos.Wait()

	rec = e.do(t, http.MethodPost, "/api/v1/todos/operations/"+created.OperationID+"/rollback", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, e.todos.Entities())
	assert.Empty(t, e.todos.Operations())
}

func TestFridgeStatus(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.do(t, http.MethodGet, "/api/v1/fridge/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Items []fridge.Annotated `json:"items"`
		Stats fridge.Stats       `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 2)
	assert.Equal(t, 1, body.Stats.Expired)
	assert.Equal(t, 1, body.Stats.Expiring)

	rec = e.do(t, http.MethodGet, "/api/v1/fridge/status?status=expired", nil, "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, "tofu", body.Items[0].Name)
}

func TestExpenseReport(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.do(t, http.MethodGet, "/api/v1/expenses/report?month=2025-07", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[expense.Report](t, rec)
	assert.True(t, report.Income.Equal(decimal.RequireFromString("300000")))
	assert.True(t, report.Balance.Equal(decimal.RequireFromString("296800")))

	rec = e.do(t, http.MethodGet, "/api/v1/expenses/report", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2025-07", decode[expense.Report](t, rec).Month)

	rec = e.do(t, http.MethodGet, "/api/v1/expenses/report?month=July", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartBody(t *testing.T, files map[string][]byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range files {
		fw, err := mw.CreateFormFile("images", name)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestFridgeImageUpload(t *testing.T) {
	e := newTestEnv(t, nil)

	body, contentType := multipartBody(t, map[string][]byte{"milk.png": pngBytes(t, 40, 20)})
	rec := e.do(t, http.MethodPost, "/api/v1/fridge/f1/images", body, contentType)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[uploadResponse](t, rec)
	require.Len(t, resp.Paths, 1)
	assert.Equal(t, "fridge-items/f1/1752573600000_0.jpg", resp.Paths[0])
	e.fridge.Wait()

	blob, ok := e.blobs.Get(resp.Paths[0])
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", blob.ContentType)

	item, ok := e.fridge.Get("f1")
	require.True(t, ok)
	assert.Equal(t, resp.Paths, item.ImagePaths())

	rec = e.do(t, http.MethodGet, "/api/v1/fridge/f1/images", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	urls := decode[map[string]interface{}](t, rec)
	assert.Equal(t, []interface{}{"memory://" + resp.Paths[0]}, urls["urls"])

	// Deleting the item removes its images.
	rec = e.do(t, http.MethodDelete, "/api/v1/fridge/f1", nil, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	e.fridge.Wait()
	assert.Equal(t, 0, e.blobs.Len())
}

func TestImageUploadRejections(t *testing.T) {
	e := newTestEnv(t, nil)

	body, contentType := multipartBody(t, map[string][]byte{})
	rec := e.do(t, http.MethodPost, "/api/v1/expenses/e2/receipts", body, contentType)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, contentType = multipartBody(t, map[string][]byte{"note.txt": []byte("not an image")})
	rec = e.do(t, http.MethodPost, "/api/v1/expenses/e2/receipts", body, contentType)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, contentType = multipartBody(t, map[string][]byte{"r.png": pngBytes(t, 4, 4)})
	rec = e.do(t, http.MethodPost, "/api/v1/expenses/missing/receipts", body, contentType)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0, e.blobs.Len())
}

func TestPreflightAndMetrics(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.do(t, http.MethodOptions, "/api/v1/todos", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = e.doJSON(t, http.MethodPost, "/api/v1/todos", map[string]string{"title": "count me"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	e.todos.Wait()

	rec = e.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kanri_store_request_duration_seconds")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(records.ErrNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(collection.ErrNotRetryable))
	assert.Equal(t, http.StatusBadRequest, statusFor(records.ErrInvalidEntity))
	assert.Equal(t, http.StatusRequestEntityTooLarge, statusFor(&http.MaxBytesError{Limit: 1}))
	assert.Equal(t, http.StatusRequestEntityTooLarge, statusFor(fmt.Errorf("capture: %w", imaging.ErrTooManyPixels)))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(fmt.Errorf("todos: %w", circuitbreaker.ErrCircuitOpen)))
	assert.Equal(t, http.StatusBadGateway, statusFor(errors.New("upstream")))
}

func TestWebhookEndpoints(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.doJSON(t, http.MethodPost, "/api/v1/webhooks", map[string]interface{}{
		"id":          "line-bot",
		"url":         "https://bot.example.com/kanri",
		"events":      []string{"record.changed"},
		"collections": []string{"fridge"},
		"secret":      "s3cret",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[webhooks.Subscription](t, rec)
	assert.Equal(t, "line-bot", created.ID)
	assert.Empty(t, created.Secret)
	assert.True(t, created.Active)

	rec = e.doJSON(t, http.MethodPost, "/api/v1/webhooks", map[string]interface{}{
		"url":    "not a url",
		"events": []string{"record.changed"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/webhooks", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Webhooks []webhooks.Subscription `json:"webhooks"`
		Count    int                     `json:"count"`
	}](t, rec)
	assert.Equal(t, 1, list.Count)
	assert.Empty(t, list.Webhooks[0].Secret)
	assert.Equal(t, "s3cret", e.hooks.List()[0].Secret)

	rec = e.do(t, http.MethodDelete, "/api/v1/webhooks/line-bot", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = e.do(t, http.MethodDelete, "/api/v1/webhooks/line-bot", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
