package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/artstudio/pipeline/internal/client"
	"github.com/artstudio/pipeline/internal/extract"
	"github.com/artstudio/pipeline/internal/model"
	"github.com/artstudio/pipeline/internal/store"
)

// Fields the form-fill model must return
var DefaultFormFields = []string{"title", "description", "medium", "dimensions"}

// Display fields copied to the top of the record when the item has none yet
var displayFields = []string{model.KeyTitle, model.KeyDescription, model.KeyDimensions}

// FormService asks a vision model to fill in an item's catalogue form.
type FormService struct {
	lifecycle *Lifecycle
	store     store.Store
	images    *ImageInspector
	model     string
	fields    []string
	logger    *zap.Logger
}

func NewFormService(lc *Lifecycle, st store.Store, images *ImageInspector, modelVersion string, logger *zap.Logger) *FormService {
	return &FormService{
		lifecycle: lc,
		store:     st,
		images:    images,
		model:     modelVersion,
		fields:    DefaultFormFields,
		logger:    logger.Named("form"),
	}
}

func (s *FormService) Task() model.TaskType {
	return model.TaskFormFill
}

func (s *FormService) Handle(ctx context.Context, u *Unit) model.UnitResult {
	return s.lifecycle.Dispatch(ctx, u, Job{Request: s.request, Finish: s.finish})
}

func (s *FormService) request(ctx context.Context, u *Unit) (*client.PredictionRequest, error) {
	src, err := s.images.SourceImage(s.store.ItemDir(u.Item))
	if err != nil {
		return nil, err
	}
	ref, err := s.images.Reference(u.Item, src)
	if err != nil {
		return nil, err
	}
	return &client.PredictionRequest{
		Version: s.model,
		Input: map[string]any{
			"image":  ref,
			"prompt": s.buildPrompt(u.Record),
		},
	}, nil
}

func (s *FormService) buildPrompt(rec model.Record) string {
	hint := ""
	if title, _ := rec[model.KeyTitle].(string); title != "" {
		hint = fmt.Sprintf("\nThe artist calls this piece %q.", title)
	}
	example := make([]string, len(s.fields))
	for i, f := range s.fields {
		example[i] = fmt.Sprintf("%q: \"...\"", f)
	}

	return fmt.Sprintf(`You are cataloguing an artwork for a gallery website.%s
Describe the painting in the photo: a short title, a two or three sentence description,
the medium, and the approximate dimensions if a scale reference is visible (otherwise "unknown").

Output as JSON: {%s}`, hint, strings.Join(example, ", "))
}

func (s *FormService) finish(ctx context.Context, u *Unit, pred *client.Prediction) (map[string]any, error) {
	res := extract.Extract(pred.OutputText(), extract.RequireKeys(s.fields...))
	if !res.OK() {
		s.logger.Warn("form extraction failed", zap.String("item", u.Item), zap.String("raw", res.Raw))
		return nil, malformed("form: %v", res.Err)
	}

	prefix := string(model.TaskFormFill)
	patch := map[string]any{
		model.TaskPath(prefix, model.KeyFormFields):   res.Value,
		model.TaskPath(prefix, "extraction_strategy"): res.Strategy,
	}
	for _, key := range displayFields {
		if cur, _ := u.Record[key].(string); cur != "" {
			continue
		}
		if v, ok := res.Value[key].(string); ok && v != "" {
			patch[key] = v
		}
	}
	return patch, nil
}
