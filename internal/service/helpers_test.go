package service

import (
	"context"
	"encoding/json"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/artstudio/pipeline/internal/client"
	"github.com/artstudio/pipeline/internal/model"
	"github.com/artstudio/pipeline/internal/store"
	"github.com/artstudio/pipeline/internal/taskstate"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// fakePredictor answers submits with "starting" and polls from a script.
type fakePredictor struct {
	mu         sync.Mutex
	configured bool
	submits    []*client.PredictionRequest
	submitErr  error
	submitResp *client.Prediction
	polls      map[string]*client.Prediction
	pollErr    error
}

func newFakePredictor() *fakePredictor {
	return &fakePredictor{configured: true, polls: map[string]*client.Prediction{}}
}

func (f *fakePredictor) Submit(ctx context.Context, req *client.PredictionRequest) (*client.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if f.submitResp != nil {
		return f.submitResp, nil
	}
	return &client.Prediction{
		ID:     "p1",
		Status: model.PredictionStarting,
		URLs:   client.PredictionURLs{Get: "https://api.test/predictions/p1"},
	}, nil
}

func (f *fakePredictor) Poll(ctx context.Context, getURL string) (*client.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if p, ok := f.polls[getURL]; ok {
		return p, nil
	}
	return &client.Prediction{Status: model.PredictionProcessing}, nil
}

func (f *fakePredictor) IsConfigured() bool {
	return f.configured
}

func (f *fakePredictor) succeed(url, output string) {
	raw, _ := json.Marshal(output)
	f.polls[url] = &client.Prediction{Status: model.PredictionSucceeded, Output: raw}
}

// fakeFetcher writes a fixed body instead of downloading.
type fakeFetcher struct {
	urls []string
}

func (f *fakeFetcher) Download(ctx context.Context, url, dest string) (int64, error) {
	f.urls = append(f.urls, url)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	return 3, os.WriteFile(dest, []byte("img"), 0o644)
}

type fixture struct {
	store     *store.FileStore
	predictor *fakePredictor
	lifecycle *Lifecycle
	images    *ImageInspector
}

func newFixture(t *testing.T, maxAttempts int, items ...string) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	root := t.TempDir()
	for _, item := range items {
		require.NoError(t, os.MkdirAll(filepath.Join(root, item), 0o755))
	}
	st := store.NewFileStore(root, true, logger)
	p := newFakePredictor()
	lc := NewLifecycle(st, p, taskstate.New(taskstate.DefaultStaleAfter, maxAttempts), logger)
	lc.now = func() time.Time { return testNow }
	return &fixture{store: st, predictor: p, lifecycle: lc, images: NewImageInspector("")}
}

// writeImage stores a w x h source image for an item.
func (f *fixture) writeImage(t *testing.T, item string, w, h int) {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 120, B: 40, A: 255})
	require.NoError(t, imaging.Save(img, filepath.Join(f.store.ItemDir(item), "original.png")))
}

func (f *fixture) merge(t *testing.T, item string, updates map[string]any) {
	t.Helper()
	require.NoError(t, f.store.Merge(context.Background(), item, updates))
}

func (f *fixture) read(t *testing.T, item string) model.Record {
	t.Helper()
	rec, err := f.store.Read(context.Background(), item)
	require.NoError(t, err)
	return rec
}

func (f *fixture) unit(t *testing.T, item string, task model.TaskType, action taskstate.Action) *Unit {
	t.Helper()
	u, err := NewUnit(item, task, string(task), f.read(t, item), action, "run-1")
	require.NoError(t, err)
	return u
}
