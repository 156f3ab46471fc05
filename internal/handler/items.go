package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/artstudio/pipeline/internal/service"
	"github.com/artstudio/pipeline/internal/store"
	"github.com/artstudio/pipeline/internal/taskstate"
	"github.com/artstudio/pipeline/pkg/response"
)

type SetVariantsRequest struct {
	Variants []string `json:"variants" validate:"max=64,dive,required"`
}

type ItemHandler struct {
	service   *service.TaskService
	validator *validator.Validate
}

func NewItemHandler(svc *service.TaskService, v *validator.Validate) *ItemHandler {
	return &ItemHandler{
		service:   svc,
		validator: v,
	}
}

// Show handles GET /api/items/:item
func (h *ItemHandler) Show(c *fiber.Ctx) error {
	rec, err := h.service.Show(c.Context(), c.Params("item"))
	if err != nil {
		return itemError(c, err)
	}
	return response.OK(c, rec)
}

// Enqueue handles POST /api/items/:item/tasks/:task
func (h *ItemHandler) Enqueue(c *fiber.Ctx) error {
	task, err := service.ParseTask(c.Params("task"))
	if err != nil {
		return itemError(c, err)
	}
	rec, err := h.service.Enqueue(c.Context(), c.Params("item"), task)
	if err != nil {
		return itemError(c, err)
	}
	return response.OK(c, rec)
}

// Reset handles POST /api/items/:item/tasks/:task/reset
func (h *ItemHandler) Reset(c *fiber.Ctx) error {
	task, err := service.ParseTask(c.Params("task"))
	if err != nil {
		return itemError(c, err)
	}
	rec, err := h.service.Reset(c.Context(), c.Params("item"), task)
	if err != nil {
		return itemError(c, err)
	}
	return response.OK(c, rec)
}

// SetVariants handles PUT /api/items/:item/variants
func (h *ItemHandler) SetVariants(c *fiber.Ctx) error {
	var req SetVariantsRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	rec, err := h.service.SetVariants(c.Context(), c.Params("item"), req.Variants)
	if err != nil {
		return itemError(c, err)
	}
	return response.OK(c, rec)
}

func itemError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, store.ErrItemNotFound):
		return response.NotFound(c, "Item not found")
	case errors.Is(err, store.ErrInvalidItemID),
		errors.Is(err, service.ErrUnknownTask),
		errors.Is(err, service.ErrUnknownVariant):
		return response.ValidationError(c, err.Error(), nil)
	case errors.Is(err, taskstate.ErrInvalidTransition):
		return response.Conflict(c, err.Error())
	case errors.Is(err, store.ErrVersionConflict):
		return response.Conflict(c, "Item changed concurrently, retry")
	}
	return response.ServiceError(c, err.Error())
}
