package service

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/artstudio/pipeline/internal/model"
	"github.com/artstudio/pipeline/internal/taskstate"
)

type fakeMirror struct {
	uploads []string
	deletes []string
}

func (m *fakeMirror) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	m.uploads = append(m.uploads, key)
	return "https://cdn.test/" + key, nil
}

func (m *fakeMirror) Delete(ctx context.Context, key string) error {
	m.deletes = append(m.deletes, key)
	return nil
}

func newVariantFixture(t *testing.T) (*fixture, *VariantService, *fakeFetcher, *fakeMirror) {
	f := newFixture(t, 5, "dunes")
	f.writeImage(t, "dunes", 64, 48)
	fetcher := &fakeFetcher{}
	mirror := &fakeMirror{}
	svc := NewVariantService(f.lifecycle, f.store, f.images, DefaultVariantCatalog(), fetcher, mirror, "acme/rooms", zaptest.NewLogger(t))
	svc.now = func() time.Time { return testNow }
	return f, svc, fetcher, mirror
}

func (f *fixture) writeVariant(t *testing.T, item, file string) string {
	t.Helper()
	path := filepath.Join(f.store.ItemDir(item), VariantDir, file)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("img"), 0o644))
	return path
}

func TestVariantPlan_MissingAndOrphans(t *testing.T) {
	f, svc, _, _ := newVariantFixture(t)
	f.writeVariant(t, "dunes", "office.png")
	oldPath := f.writeVariant(t, "dunes", "old.png")
	f.merge(t, "dunes", map[string]any{
		"active_variants":         []any{"living_room", "office"},
		"variants.retired.status": "completed",
	})

	plan, err := svc.Plan("dunes", f.read(t, "dunes"), testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"living_room"}, plan.Missing)
	require.Len(t, plan.Orphans, 2)
	assert.Equal(t, Orphan{Name: "old", Path: oldPath}, plan.Orphans[0])
	assert.Equal(t, Orphan{Name: "retired", HasRecord: true}, plan.Orphans[1])
	require.NotNil(t, plan.Candidate)
	assert.Equal(t, VariantCandidate{Name: "living_room", Task: model.TaskVariantGeneration, Action: taskstate.ActionSubmit}, *plan.Candidate)
}

func TestVariantPlan_RegenerationWaitsForMissing(t *testing.T) {
	f, svc, _, _ := newVariantFixture(t)
	f.writeVariant(t, "dunes", "office.png")
	f.merge(t, "dunes", map[string]any{
		"active_variants":             []any{"living_room", "office"},
		"variant_regeneration_status": "wanted",
	})

	plan, err := svc.Plan("dunes", f.read(t, "dunes"), testNow)
	require.NoError(t, err)
	assert.False(t, plan.StartRegeneration)
	assert.Equal(t, model.TaskVariantGeneration, plan.Candidate.Task)
}

func TestVariantPlan_MissingInFlightIsPolled(t *testing.T) {
	f, svc, _, _ := newVariantFixture(t)
	f.merge(t, "dunes", map[string]any{
		"active_variants": []any{"office"},
		"variants.office": map[string]any{
			"status":         "in_progress",
			"started_at":     model.FormatTime(testNow),
			"prediction_url": pollURL,
		},
	})

	plan, err := svc.Plan("dunes", f.read(t, "dunes"), testNow)
	require.NoError(t, err)
	require.NotNil(t, plan.Candidate)
	assert.Equal(t, taskstate.ActionPoll, plan.Candidate.Action)
}

func TestVariantRegeneration_Lifecycle(t *testing.T) {
	f, svc, _, _ := newVariantFixture(t)
	ctx := context.Background()
	f.writeVariant(t, "dunes", "office.png")
	f.merge(t, "dunes", map[string]any{
		"active_variants":             []any{"office"},
		"variants.office.status":      "completed",
		"variant_regeneration_status": "wanted",
	})

	plan, err := svc.Plan("dunes", f.read(t, "dunes"), testNow)
	require.NoError(t, err)
	require.True(t, plan.StartRegeneration)

	rec, err := svc.StartRegeneration(ctx, "dunes", f.read(t, "dunes"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, rec.RegenerationStatus())
	variants, err := rec.Variants()
	require.NoError(t, err)
	assert.True(t, variants["office"].Regenerate)
	assert.Equal(t, model.StatusWanted, variants["office"].Status)

	plan, err = svc.Plan("dunes", rec, testNow)
	require.NoError(t, err)
	require.NotNil(t, plan.Candidate)
	assert.Equal(t, model.TaskVariantRegeneration, plan.Candidate.Task)
	assert.False(t, plan.FinishRegeneration)

	f.merge(t, "dunes", map[string]any{"variants.office.status": "completed", "variants.office.regenerate": false})
	plan, err = svc.Plan("dunes", f.read(t, "dunes"), testNow)
	require.NoError(t, err)
	assert.True(t, plan.FinishRegeneration)
	assert.Nil(t, plan.Candidate)

	res := svc.FinishRegeneration(ctx, "dunes")
	assert.Equal(t, model.OutcomeProcessed, res.Outcome)
	assert.False(t, res.Counted)
	assert.Equal(t, model.StatusCompleted, f.read(t, "dunes").RegenerationStatus())
}

func TestVariantService_GenerateAndDownload(t *testing.T) {
	f, svc, fetcher, mirror := newVariantFixture(t)
	ctx := context.Background()
	f.merge(t, "dunes", map[string]any{"active_variants": []any{"office"}})

	cand := VariantCandidate{Name: "office", Task: model.TaskVariantGeneration, Action: taskstate.ActionSubmit}
	res := svc.Handle(ctx, "dunes", f.read(t, "dunes"), cand, "run-1")
	require.Equal(t, model.OutcomeProcessed, res.Outcome, res.Message)
	require.Len(t, f.predictor.submits, 1)
	assert.Equal(t, "acme/rooms", f.predictor.submits[0].Version)

	f.predictor.succeed(pollURL, "https://replicate.delivery/out.png")
	cand.Action = taskstate.ActionPoll
	res = svc.Handle(ctx, "dunes", f.read(t, "dunes"), cand, "run-1")
	require.Equal(t, model.OutcomeProcessed, res.Outcome, res.Message)
	assert.Equal(t, "completed", res.Action)

	target := svc.ArtifactPath("dunes", "office")
	assert.FileExists(t, target)
	assert.Equal(t, []string{"https://replicate.delivery/out.png"}, fetcher.urls)
	assert.Equal(t, []string{"variants/dunes/office.png"}, mirror.uploads)

	rec := f.read(t, "dunes")
	v, _ := rec.Get("variants.office.target_path")
	assert.Equal(t, target, v)
	v, _ = rec.Get("variants.office.mirror_url")
	assert.Equal(t, "https://cdn.test/variants/dunes/office.png", v)

	plan, err := svc.Plan("dunes", rec, testNow)
	require.NoError(t, err)
	assert.Empty(t, plan.Missing)
	assert.Nil(t, plan.Candidate)
}

func TestVariantService_EmptyOutputIsMalformed(t *testing.T) {
	f, svc, _, _ := newVariantFixture(t)
	f.merge(t, "dunes", map[string]any{
		"active_variants": []any{"office"},
		"variants.office": map[string]any{"status": "in_progress", "started_at": model.FormatTime(testNow), "prediction_url": pollURL},
	})
	f.predictor.succeed(pollURL, "")

	cand := VariantCandidate{Name: "office", Task: model.TaskVariantGeneration, Action: taskstate.ActionPoll}
	res := svc.Handle(context.Background(), "dunes", f.read(t, "dunes"), cand, "run-1")
	assert.Equal(t, model.CodeMalformedOutput, res.Code)
}

func TestVariantService_Cleanup(t *testing.T) {
	f, svc, _, mirror := newVariantFixture(t)
	oldPath := f.writeVariant(t, "dunes", "old.png")
	f.merge(t, "dunes", map[string]any{"variants.old.status": "completed"})

	results := svc.Cleanup(context.Background(), "dunes", []Orphan{{Name: "old", Path: oldPath, HasRecord: true}})
	require.Len(t, results, 1)
	assert.Equal(t, model.OutcomeProcessed, results[0].Outcome)
	assert.False(t, results[0].Counted)
	assert.NoFileExists(t, oldPath)
	assert.Equal(t, []string{"variants/dunes/old.png"}, mirror.deletes)
	assert.Empty(t, f.read(t, "dunes").VariantNames())
}

func TestLoadVariantCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "variants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`variants:
  - name: loft
    prompt: Hang it on the brick wall.
    format: jpg
  - name: hallway
    prompt: Hang it in a narrow hallway.
`), 0o644))

	c, err := LoadVariantCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"hallway", "loft"}, c.Names())
	loft, ok := c.Lookup("loft")
	require.True(t, ok)
	assert.Equal(t, ".jpg", loft.Ext())
	assert.ErrorIs(t, c.Validate([]string{"loft", "attic"}), ErrUnknownVariant)

	c, err = LoadVariantCatalog(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Contains(t, c.Names(), "living_room")

	require.NoError(t, os.WriteFile(path, []byte("variants:\n  - name: Bad Name\n"), 0o644))
	_, err = LoadVariantCatalog(path)
	assert.Error(t, err)
}
