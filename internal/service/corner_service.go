package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/artstudio/pipeline/internal/client"
	"github.com/artstudio/pipeline/internal/extract"
	"github.com/artstudio/pipeline/internal/geometry"
	"github.com/artstudio/pipeline/internal/model"
	"github.com/artstudio/pipeline/internal/store"
)

const cornerPrompt = `This photo shows a painting. Locate the four outer corners of the painted canvas.
Give each corner as a percentage of the image width (x) and height (y), measured from the top-left of the photo.
List them in this order: top-left, top-right, bottom-right, bottom-left.

Output as JSON: {"corners": [{"x": 10.5, "y": 12.0, "label": "top-left"}, ...]}`

// CornerService runs corner detection and derives the crop geometry.
type CornerService struct {
	lifecycle     *Lifecycle
	store         store.Store
	images        *ImageInspector
	model         string
	offsetPercent float64
	logger        *zap.Logger
}

func NewCornerService(lc *Lifecycle, st store.Store, images *ImageInspector, modelVersion string, offsetPercent float64, logger *zap.Logger) *CornerService {
	return &CornerService{
		lifecycle:     lc,
		store:         st,
		images:        images,
		model:         modelVersion,
		offsetPercent: offsetPercent,
		logger:        logger.Named("corners"),
	}
}

func (s *CornerService) Task() model.TaskType {
	return model.TaskCornerDetection
}

// Handle dispatches one corner detection unit.
func (s *CornerService) Handle(ctx context.Context, u *Unit) model.UnitResult {
	return s.lifecycle.Dispatch(ctx, u, Job{Request: s.request, Finish: s.finish})
}

func (s *CornerService) request(ctx context.Context, u *Unit) (*client.PredictionRequest, error) {
	src, err := s.images.SourceImage(s.store.ItemDir(u.Item))
	if err != nil {
		return nil, err
	}
	// The geometry needs the pixel size, so an undecodable image is
	// rejected before anything is paid for.
	if _, _, err := s.images.Dimensions(src); err != nil {
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
			"prompt": cornerPrompt,
		},
	}, nil
}

func (s *CornerService) finish(ctx context.Context, u *Unit, pred *client.Prediction) (map[string]any, error) {
	res := extract.Extract(pred.OutputText(), geometry.ValidateCorners)
	if !res.OK() {
		s.logger.Warn("corner extraction failed", zap.String("item", u.Item), zap.String("raw", res.Raw))
		return nil, malformed("corners: %v", res.Err)
	}
	corners, err := geometry.ParseCorners(res.Value["corners"])
	if err != nil {
		return nil, malformed("corners: %v", err)
	}

	src, err := s.images.SourceImage(s.store.ItemDir(u.Item))
	if err != nil {
		return nil, err
	}
	width, height, err := s.images.Dimensions(src)
	if err != nil {
		return nil, err
	}

	geo, err := geometry.Derive(corners, width, height, s.offsetPercent)
	if err != nil {
		return nil, malformed("corners: %v", err)
	}
	outW, outH := geo.OutputSize()

	detected := make([]any, len(corners))
	for i, c := range corners {
		detected[i] = map[string]any{"x": *c.X, "y": *c.Y, "label": geometry.Labels[i]}
	}

	s.logger.Info("corners derived",
		zap.String("item", u.Item), zap.String("strategy", res.Strategy),
		zap.Int("output_width", outW), zap.Int("output_height", outH))

	prefix := string(model.TaskCornerDetection)
	return map[string]any{
		model.TaskPath(prefix, model.KeyCornersDetected): detected,
		model.TaskPath(prefix, model.KeyCornersUsed):     geo.Corners,
		model.TaskPath(prefix, model.KeyOffsetPercent):   geo.OffsetPercent,
		model.TaskPath(prefix, "image_size"):             map[string]any{"width": width, "height": height},
		model.TaskPath(prefix, "output_size"):            map[string]any{"width": outW, "height": outH},
		model.TaskPath(prefix, "extraction_strategy"):    res.Strategy,
	}, nil
}
