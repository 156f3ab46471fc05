package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/artstudio/pipeline/internal/handler"
	"github.com/artstudio/pipeline/internal/middleware"
	"github.com/artstudio/pipeline/internal/model"
	"github.com/artstudio/pipeline/internal/orchestrator"
	"github.com/artstudio/pipeline/internal/service"
	"github.com/artstudio/pipeline/internal/store"
	"github.com/artstudio/pipeline/internal/taskstate"
)

const testJWTSecret = "test-secret-for-handlers"

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeRunner struct {
	opts    []orchestrator.RunOptions
	err     error
	preview *model.Preview
}

func (f *fakeRunner) Run(ctx context.Context, opts orchestrator.RunOptions) (*model.RunSummary, error) {
	f.opts = append(f.opts, opts)
	s := model.NewRunSummary("run-1", opts.MaxUnits, testTime)
	if f.err != nil {
		s.Error = f.err.Error()
	}
	return s, f.err
}

func (f *fakeRunner) Preview(ctx context.Context, maxUnits int) (*model.Preview, error) {
	p := *f.preview
	p.MaxUnits = maxUnits
	return &p, nil
}

type fakeQueue struct {
	err error
}

func (f *fakeQueue) Enqueue(maxUnits int) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "queued-1", nil
}

type fakeHistory struct {
	runs map[string]*model.RunSummary
}

func (f *fakeHistory) Get(ctx context.Context, runID string) (*model.RunSummary, error) {
	if s, ok := f.runs[runID]; ok {
		return s, nil
	}
	return nil, service.ErrRunNotFound
}

func (f *fakeHistory) Last(ctx context.Context) (*model.RunSummary, error) {
	return f.Get(ctx, "last")
}

type testApp struct {
	app    *fiber.App
	store  *store.FileStore
	runner *fakeRunner
	queue  *fakeQueue
	token  string
}

func setupApp(t *testing.T) *testApp {
	t.Helper()
	logger := zaptest.NewLogger(t)

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dunes"), 0o755))
	st := store.NewFileStore(root, true, logger)

	validate := validator.New()
	machine := taskstate.New(taskstate.DefaultStaleAfter, taskstate.DefaultMaxAttempts)
	tasks := service.NewTaskService(st, machine, service.DefaultVariantCatalog(), logger)

	runner := &fakeRunner{preview: &model.Preview{Items: 1, Due: 3, WouldDispatch: 3}}
	queue := &fakeQueue{}
	history := &fakeHistory{runs: map[string]*model.RunSummary{
		"last":  model.NewRunSummary("run-9", 10, testTime),
		"run-9": model.NewRunSummary("run-9", 10, testTime),
	}}

	auth := middleware.NewAuthMiddleware(testJWTSecret)
	token, err := auth.GenerateToken("op-1", "op@example.com", 0)
	require.NoError(t, err)

	app := fiber.New()
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	api := app.Group("/api", auth.Authenticate())
	handler.RegisterRoutes(api,
		handler.NewItemHandler(tasks, validate),
		handler.NewRunHandler(runner, queue, history, validate),
		nil, nil)

	return &testApp{app: app, store: st, runner: runner, queue: queue, token: token}
}

func (a *testApp) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, bodyReader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var result map[string]interface{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &result), string(raw))
	}
	return resp.StatusCode, result
}

func errorCode(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	e, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "no error envelope in %v", body)
	return e["code"].(string)
}

func TestHealth_NoAuth(t *testing.T) {
	a := setupApp(t)
	req, _ := http.NewRequest("GET", "/health", nil)
	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestAPI_RequiresToken(t *testing.T) {
	a := setupApp(t)
	req, _ := http.NewRequest("GET", "/api/items/dunes", nil)
	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestEnqueue_SetsWanted(t *testing.T) {
	a := setupApp(t)

	status, body := a.do(t, "POST", "/api/items/dunes/tasks/corner_detection", "")
	require.Equal(t, fiber.StatusOK, status, body)
	cd := body["corner_detection"].(map[string]interface{})
	assert.Equal(t, "wanted", cd["status"])

	status, body = a.do(t, "GET", "/api/items/dunes", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1, body["_version"])
}

func TestEnqueue_Errors(t *testing.T) {
	a := setupApp(t)
	require.NoError(t, a.store.Merge(context.Background(), "dunes", map[string]any{
		"form_fill.status": "error",
	}))

	tests := []struct {
		name   string
		path   string
		status int
		code   string
	}{
		{"unknown item", "/api/items/missing/tasks/form_fill", fiber.StatusNotFound, "NOT_FOUND"},
		{"unknown task", "/api/items/dunes/tasks/upscale", fiber.StatusBadRequest, "VALIDATION_ERROR"},
		{"variants are derived", "/api/items/dunes/tasks/variant_generation", fiber.StatusBadRequest, "VALIDATION_ERROR"},
		{"error needs reset", "/api/items/dunes/tasks/form_fill", fiber.StatusConflict, "CONFLICT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := a.do(t, "POST", tt.path, "")
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, errorCode(t, body))
		})
	}
}

func TestReset_ClearsError(t *testing.T) {
	a := setupApp(t)
	require.NoError(t, a.store.Merge(context.Background(), "dunes", map[string]any{
		"form_fill": map[string]any{"status": "error", "error": "boom", "attempts": 5},
	}))

	status, body := a.do(t, "POST", "/api/items/dunes/tasks/form_fill/reset", "")
	require.Equal(t, fiber.StatusOK, status, body)
	ff := body["form_fill"].(map[string]interface{})
	assert.Equal(t, "wanted", ff["status"])
	assert.Nil(t, ff["error"])
	assert.EqualValues(t, 0, ff["attempts"])
}

func TestSetVariants(t *testing.T) {
	a := setupApp(t)

	status, body := a.do(t, "PUT", "/api/items/dunes/variants", `{"variants":["office","gallery_wall","office"]}`)
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, []interface{}{"office", "gallery_wall"}, body["active_variants"])

	status, body = a.do(t, "PUT", "/api/items/dunes/variants", `{"variants":["moon_base"]}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, body))

	status, body = a.do(t, "PUT", "/api/items/dunes/variants", `{"variants":[""]}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, body))
}

func TestRun(t *testing.T) {
	a := setupApp(t)

	status, body := a.do(t, "POST", "/api/run", "")
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, "run-1", body["runId"])

	status, _ = a.do(t, "POST", "/api/run", `{"maxUnits":3}`)
	require.Equal(t, fiber.StatusOK, status)
	require.Len(t, a.runner.opts, 2)
	assert.Equal(t, 0, a.runner.opts[0].MaxUnits)
	assert.Equal(t, 3, a.runner.opts[1].MaxUnits)

	status, body = a.do(t, "POST", "/api/run", `{"maxUnits":-1}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, body))
}

func TestRun_Failure(t *testing.T) {
	a := setupApp(t)
	a.runner.err = errors.New("failed to list items")

	status, body := a.do(t, "POST", "/api/run", "")
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, "RUN_FAILED", errorCode(t, body))
}

func TestRunAsync(t *testing.T) {
	a := setupApp(t)

	status, body := a.do(t, "POST", "/api/run/async", "")
	require.Equal(t, fiber.StatusAccepted, status)
	assert.Equal(t, "queued-1", body["runId"])

	a.queue.err = service.ErrRunAlreadyQueued
	status, body = a.do(t, "POST", "/api/run/async", "")
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "CONFLICT", errorCode(t, body))
}

func TestPreview(t *testing.T) {
	a := setupApp(t)

	status, body := a.do(t, "GET", "/api/run/preview?maxUnits=2", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 3, body["due"])
	assert.EqualValues(t, 2, body["maxUnits"])
}

func TestRunHistory(t *testing.T) {
	a := setupApp(t)

	status, body := a.do(t, "GET", "/api/run/last", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "run-9", body["runId"])

	status, body = a.do(t, "GET", "/api/run/run-9", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "run-9", body["runId"])

	status, body = a.do(t, "GET", "/api/run/nope", "")
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errorCode(t, body))
}
