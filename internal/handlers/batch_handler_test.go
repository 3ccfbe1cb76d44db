package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/PiKa919/paddle-ui/internal/cache"
	"github.com/PiKa919/paddle-ui/internal/domain"
	"github.com/PiKa919/paddle-ui/internal/exporter"
	"github.com/PiKa919/paddle-ui/internal/jobstore"
	"github.com/PiKa919/paddle-ui/internal/processor"
	"github.com/PiKa919/paddle-ui/internal/usecases"
)

type echoEngine struct{}

func (echoEngine) Kind() domain.JobKind { return domain.JobKindOCR }
func (echoEngine) Close() error         { return nil }
func (echoEngine) Process(ctx context.Context, path string) (any, error) {
	if strings.HasPrefix(filepath.Base(path), "bad") {
		return nil, errors.New("cannot decode image")
	}
	return map[string]any{"full_text": filepath.Base(path)}, nil
}

type staticFactory struct {
	err error
}

func (f staticFactory) NewEngine(ctx context.Context, kind domain.JobKind, params domain.EngineParams) (domain.DocumentEngine, error) {
	if f.err != nil {
		return nil, f.err
	}
	return echoEngine{}, nil
}

func (f staticFactory) CacheKey(kind domain.JobKind, params domain.EngineParams) string {
	return string(kind) + "|" + params.Lang
}

type failingHealth struct{}

func (failingHealth) CheckConnection(ctx context.Context) error   { return errors.New("dial tcp: refused") }
func (failingHealth) EnsureCollections(ctx context.Context) error { return nil }

func newRouter(t *testing.T, factory domain.EngineFactory, health domain.HealthChecker) http.Handler {
	logger := zaptest.NewLogger(t)
	proc := processor.NewFileProcessor(1, 0, logger)
	t.Cleanup(proc.Stop)
	u := usecases.NewBatchUsecase(
		jobstore.NewStore(nil, logger),
		cache.NewEngineCache(4, 3600, logger),
		factory,
		proc,
		exporter.NewFileExporter("", logger),
		logger,
		2,
	)
	t.Cleanup(u.Shutdown)

	h := NewBatchHandler(u, health, logger)
	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Route("/batch", h.Routes)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestBatchLifecycle(t *testing.T) {
	h := newRouter(t, staticFactory{}, nil)

	rec, created := do(t, h, http.MethodPost, "/batch/create", `{"job_type":"text-recognition","files":["/in/a.png","/in/bad.png"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "batch_1", created["job_id"])
	assert.Equal(t, "ocr", created["job_type"])
	assert.Equal(t, 2.0, created["file_count"])
	assert.Equal(t, "pending", created["status"])

	rec, snap := do(t, h, http.MethodGet, "/batch/batch_1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", snap["status"])
	assert.Equal(t, 0.0, snap["progress"])

	rec, snap = do(t, h, http.MethodPost, "/batch/batch_1/process", `{"lang":"en"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", snap["status"])
	assert.Equal(t, 2.0, snap["progress"])
	assert.Equal(t, 1.0, snap["results_count"])
	assert.Equal(t, 1.0, snap["errors_count"])
	assert.Equal(t, 100.0, snap["percent"])

	rec, _ = do(t, h, http.MethodPost, "/batch/batch_1/process", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	dir := t.TempDir()
	rec, exported := do(t, h, http.MethodPost, "/batch/batch_1/export", `{"output_dir":"`+filepath.ToSlash(dir)+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, exported["success"])
	assert.Equal(t, 1.0, exported["total_exported"])

	rec, cancelled := do(t, h, http.MethodPost, "/batch/batch_1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, cancelled["success"])

	rec, list := do(t, h, http.MethodGet, "/batch", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, list["jobs"], 1)

	rec, deleted := do(t, h, http.MethodDelete, "/batch/batch_1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, deleted["success"])

	rec, _ = do(t, h, http.MethodDelete, "/batch/batch_1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateBatchValidation(t *testing.T) {
	h := newRouter(t, staticFactory{}, nil)

	cases := map[string]string{
		"empty files":  `{"job_type":"ocr","files":[]}`,
		"missing type": `{"files":["a.png"]}`,
		"blank file":   `{"job_type":"ocr","files":[""]}`,
		"bad kind":     `{"job_type":"translate","files":["a.png"]}`,
		"bad json":     `{"job_type":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec, out := do(t, h, http.MethodPost, "/batch/create", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestUnknownBatch(t *testing.T) {
	h := newRouter(t, staticFactory{}, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/batch/batch_9"},
		{http.MethodPost, "/batch/batch_9/process"},
		{http.MethodPost, "/batch/batch_9/cancel"},
		{http.MethodPost, "/batch/batch_9/export"},
		{http.MethodDelete, "/batch/batch_9"},
	} {
		rec, _ := do(t, h, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestProcessEngineConfigError(t *testing.T) {
	h := newRouter(t, staticFactory{err: domain.ErrEngineConfig}, nil)

	rec, _ := do(t, h, http.MethodPost, "/batch/create", `{"job_type":"structure","files":["a.pdf"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/batch/batch_1/process", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, snap := do(t, h, http.MethodGet, "/batch/batch_1", "")
	assert.Equal(t, "pending", snap["status"])
}

func TestProcessAsync(t *testing.T) {
	h := newRouter(t, staticFactory{}, nil)

	do(t, h, http.MethodPost, "/batch/create", `{"job_type":"ocr","files":["a.png"]}`)
	rec, snap := do(t, h, http.MethodPost, "/batch/batch_1/process", `{"async":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, []any{"processing", "completed"}, snap["status"])
}

func TestHealth(t *testing.T) {
	rec, out := do(t, newRouter(t, staticFactory{}, nil), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "memory", out["store"])

	rec, out = do(t, newRouter(t, staticFactory{}, failingHealth{}), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", out["status"])
}

func TestIsProcessRoute(t *testing.T) {
	assert.True(t, IsProcessRoute(httptest.NewRequest(http.MethodPost, "/batch/batch_1/process", nil)))
	assert.True(t, IsProcessRoute(httptest.NewRequest(http.MethodPost, "/batch/batch_1/process/", nil)))
	assert.False(t, IsProcessRoute(httptest.NewRequest(http.MethodGet, "/batch/batch_1", nil)))
}
