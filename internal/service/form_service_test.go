package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/artstudio/pipeline/internal/model"
	"github.com/artstudio/pipeline/internal/taskstate"
)

const formAnswer = `Sure! Here is the catalogue entry:
{"title": "Dunes at Dusk", "description": "Warm sand under a violet sky.", "medium": "oil on canvas", "dimensions": "50 x 70 cm",}
Let me know if you need anything else.`

func formInProgress() map[string]any {
	return map[string]any{
		"form_fill": map[string]any{
			"status":         "in_progress",
			"started_at":     model.FormatTime(testNow.Add(-time.Minute)),
			"prediction_url": pollURL,
			"attempts":       1,
		},
	}
}

func TestFormService_FillsFields(t *testing.T) {
	f := newFixture(t, 5, "dunes")
	svc := NewFormService(f.lifecycle, f.store, f.images, "acme/vision", zaptest.NewLogger(t))
	f.merge(t, "dunes", formInProgress())
	f.predictor.succeed(pollURL, formAnswer)

	res := svc.Handle(context.Background(), f.unit(t, "dunes", model.TaskFormFill, taskstate.ActionPoll))
	require.Equal(t, model.OutcomeProcessed, res.Outcome, res.Message)

	rec := f.read(t, "dunes")
	medium, ok := rec.Get("form_fill.fields.medium")
	require.True(t, ok)
	assert.Equal(t, "oil on canvas", medium)
	assert.Equal(t, "Dunes at Dusk", rec[model.KeyTitle])
	assert.Equal(t, "50 x 70 cm", rec[model.KeyDimensions])

	tr, err := rec.Task(model.TaskFormFill)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, tr.Status)
}

func TestFormService_KeepsExistingDisplayFields(t *testing.T) {
	f := newFixture(t, 5, "dunes")
	svc := NewFormService(f.lifecycle, f.store, f.images, "acme/vision", zaptest.NewLogger(t))
	f.merge(t, "dunes", formInProgress())
	f.merge(t, "dunes", map[string]any{"title": "Evening Sand"})
	f.predictor.succeed(pollURL, formAnswer)

	res := svc.Handle(context.Background(), f.unit(t, "dunes", model.TaskFormFill, taskstate.ActionPoll))
	require.Equal(t, model.OutcomeProcessed, res.Outcome, res.Message)
	assert.Equal(t, "Evening Sand", f.read(t, "dunes")[model.KeyTitle])
}

func TestFormService_MissingFieldIsMalformed(t *testing.T) {
	f := newFixture(t, 5, "dunes")
	svc := NewFormService(f.lifecycle, f.store, f.images, "acme/vision", zaptest.NewLogger(t))
	f.merge(t, "dunes", formInProgress())
	f.predictor.succeed(pollURL, `{"title": "Dunes"}`)

	res := svc.Handle(context.Background(), f.unit(t, "dunes", model.TaskFormFill, taskstate.ActionPoll))
	assert.Equal(t, model.CodeMalformedOutput, res.Code)
}

func TestFormService_PromptMentionsTitle(t *testing.T) {
	f := newFixture(t, 5, "dunes")
	svc := NewFormService(f.lifecycle, f.store, f.images, "acme/vision", zaptest.NewLogger(t))
	prompt := svc.buildPrompt(model.Record{"title": "Evening Sand"})
	assert.Contains(t, prompt, `"Evening Sand"`)
	assert.Contains(t, prompt, `"medium": "..."`)
}
