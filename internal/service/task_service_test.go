package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/artstudio/pipeline/internal/model"
	"github.com/artstudio/pipeline/internal/store"
	"github.com/artstudio/pipeline/internal/taskstate"
)

func newTaskService(t *testing.T) (*fixture, *TaskService) {
	f := newFixture(t, 5, "dunes")
	return f, NewTaskService(f.store, f.lifecycle.Machine(), DefaultVariantCatalog(), zaptest.NewLogger(t))
}

func TestTaskService_Enqueue(t *testing.T) {
	f, svc := newTaskService(t)
	ctx := context.Background()

	rec, err := svc.Enqueue(ctx, "dunes", model.TaskCornerDetection)
	require.NoError(t, err)
	tr, err := rec.Task(model.TaskCornerDetection)
	require.NoError(t, err)
	assert.Equal(t, model.StatusWanted, tr.Status)
	version := rec.Version()

	rec, err = svc.Enqueue(ctx, "dunes", model.TaskCornerDetection)
	require.NoError(t, err)
	assert.Equal(t, version, rec.Version(), "enqueueing a pending task is a no-op")

	f.merge(t, "dunes", map[string]any{"form_fill.status": "error", "form_fill.error": "boom"})
	_, err = svc.Enqueue(ctx, "dunes", model.TaskFormFill)
	assert.ErrorIs(t, err, taskstate.ErrInvalidTransition)

	rec, err = svc.Reset(ctx, "dunes", model.TaskFormFill)
	require.NoError(t, err)
	tr, err = rec.Task(model.TaskFormFill)
	require.NoError(t, err)
	assert.Equal(t, model.StatusWanted, tr.Status)
	assert.Empty(t, tr.Error)
}

func TestTaskService_EnqueueRegeneration(t *testing.T) {
	_, svc := newTaskService(t)
	rec, err := svc.Enqueue(context.Background(), "dunes", model.TaskVariantRegeneration)
	require.NoError(t, err)
	assert.Equal(t, model.StatusWanted, rec.RegenerationStatus())
}

func TestTaskService_ResetFailedVariants(t *testing.T) {
	f, svc := newTaskService(t)
	f.merge(t, "dunes", map[string]any{
		"variants.office.status":      "error",
		"variants.living_room.status": "completed",
	})

	rec, err := svc.Reset(context.Background(), "dunes", model.TaskVariantGeneration)
	require.NoError(t, err)
	variants, err := rec.Variants()
	require.NoError(t, err)
	assert.Equal(t, model.StatusWanted, variants["office"].Status)
	assert.Equal(t, model.StatusCompleted, variants["living_room"].Status)

	_, err = svc.Enqueue(context.Background(), "dunes", model.TaskVariantGeneration)
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestParseTask(t *testing.T) {
	for _, name := range []string{"corner_detection", "form_fill", "variant_generation", "variant_regeneration"} {
		task, err := ParseTask(name)
		require.NoError(t, err)
		assert.Equal(t, model.TaskType(name), task)
	}

	_, err := ParseTask("upscale")
	assert.ErrorIs(t, err, ErrUnknownTask)
	_, err = ParseTask("")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestTaskService_SetVariants(t *testing.T) {
	f, svc := newTaskService(t)
	f.merge(t, "dunes", map[string]any{"variants.office.status": "completed"})

	rec, err := svc.SetVariants(context.Background(), "dunes", []string{"office", "gallery_wall", "office"})
	require.NoError(t, err)
	assert.Equal(t, []string{"office", "gallery_wall"}, rec.ActiveVariants())
	variants, err := rec.Variants()
	require.NoError(t, err)
	assert.Equal(t, model.StatusWanted, variants["gallery_wall"].Status)
	assert.Equal(t, model.StatusCompleted, variants["office"].Status)

	_, err = svc.SetVariants(context.Background(), "dunes", []string{"attic"})
	assert.ErrorIs(t, err, ErrUnknownVariant)
}

func TestTaskService_UnknownItem(t *testing.T) {
	_, svc := newTaskService(t)
	_, err := svc.Show(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrItemNotFound)
	_, err = svc.Enqueue(context.Background(), "ghost", model.TaskFormFill)
	assert.ErrorIs(t, err, store.ErrItemNotFound)
}
