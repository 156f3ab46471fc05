package handler

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/artstudio/pipeline/internal/model"
	"github.com/artstudio/pipeline/internal/orchestrator"
	"github.com/artstudio/pipeline/internal/service"
	"github.com/artstudio/pipeline/pkg/response"
)

type RunRequest struct {
	MaxUnits int `json:"maxUnits" validate:"omitempty,min=1,max=1000"`
}

type RunQueuedResponse struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// Runner executes and previews runs.
type Runner interface {
	Run(ctx context.Context, opts orchestrator.RunOptions) (*model.RunSummary, error)
	Preview(ctx context.Context, maxUnits int) (*model.Preview, error)
}

// Queue hands runs to the worker.
type Queue interface {
	Enqueue(maxUnits int) (string, error)
}

// History looks up past run summaries.
type History interface {
	Get(ctx context.Context, runID string) (*model.RunSummary, error)
	Last(ctx context.Context) (*model.RunSummary, error)
}

type RunHandler struct {
	runner    Runner
	queue     Queue
	history   History
	validator *validator.Validate
}

// NewRunHandler builds the run endpoints. queue and history may be nil when
// redis is not available.
func NewRunHandler(runner Runner, queue Queue, history History, v *validator.Validate) *RunHandler {
	return &RunHandler{
		runner:    runner,
		queue:     queue,
		history:   history,
		validator: v,
	}
}

// Run handles POST /api/run
func (h *RunHandler) Run(c *fiber.Ctx) error {
	req, details, err := h.parse(c)
	if err != nil {
		return response.ValidationError(c, err.Error(), details)
	}

	summary, err := h.runner.Run(c.Context(), orchestrator.RunOptions{MaxUnits: req.MaxUnits})
	if err != nil {
		return response.RunFailed(c, err.Error(), summary)
	}
	return response.OK(c, summary)
}

// RunAsync handles POST /api/run/async
func (h *RunHandler) RunAsync(c *fiber.Ctx) error {
	req, details, err := h.parse(c)
	if err != nil {
		return response.ValidationError(c, err.Error(), details)
	}
	if h.queue == nil {
		return response.Unavailable(c, "Run queue is not available")
	}

	runID, err := h.queue.Enqueue(req.MaxUnits)
	if err != nil {
		if errors.Is(err, service.ErrRunAlreadyQueued) {
			return response.Conflict(c, "A run is already queued")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.Accepted(c, RunQueuedResponse{RunID: runID, Status: "queued"})
}

// Preview handles GET /api/run/preview
func (h *RunHandler) Preview(c *fiber.Ctx) error {
	maxUnits := c.QueryInt("maxUnits", 0)
	if maxUnits < 0 {
		return response.ValidationError(c, "maxUnits must be positive", nil)
	}

	preview, err := h.runner.Preview(c.Context(), maxUnits)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, preview)
}

// Last handles GET /api/run/last
func (h *RunHandler) Last(c *fiber.Ctx) error {
	if h.history == nil {
		return response.Unavailable(c, "Run history is not available")
	}
	summary, err := h.history.Last(c.Context())
	return h.summary(c, summary, err)
}

// Get handles GET /api/run/:runId
func (h *RunHandler) Get(c *fiber.Ctx) error {
	runID := c.Params("runId")
	if runID == "" {
		return response.ValidationError(c, "Run ID is required", nil)
	}
	if h.history == nil {
		return response.Unavailable(c, "Run history is not available")
	}
	summary, err := h.history.Get(c.Context(), runID)
	return h.summary(c, summary, err)
}

func (h *RunHandler) summary(c *fiber.Ctx, summary *model.RunSummary, err error) error {
	if err != nil {
		if errors.Is(err, service.ErrRunNotFound) {
			return response.NotFound(c, "Run not found")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, summary)
}

// parse reads the optional run body.
func (h *RunHandler) parse(c *fiber.Ctx) (*RunRequest, interface{}, error) {
	var req RunRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return nil, nil, errors.New("Invalid request body")
		}
	}
	if err := h.validator.Struct(&req); err != nil {
		return nil, formatValidationErrors(err), errors.New("Validation failed")
	}
	return &req, nil, nil
}
