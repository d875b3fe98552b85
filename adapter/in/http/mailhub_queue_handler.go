package http

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"mailhub_server/core/domain"
	"mailhub_server/core/service/offline"
)

// QueueHandler exposes the offline operation queue endpoints.
type QueueHandler struct {
	queue *offline.Queue
}

func NewQueueHandler(queue *offline.Queue) *QueueHandler {
	return &QueueHandler{queue: queue}
}

// Register registers queue routes.
func (h *QueueHandler) Register(router fiber.Router) {
	group := router.Group("/queue")
	group.Post("/operations", h.Enqueue)
	group.Get("/operations", h.GetPendingOperations)
	group.Get("/stats", h.GetQueueStats)
	group.Post("/operations/:id/process", h.ProcessOperation)
	group.Post("/process", h.ProcessUserQueue)
	group.Post("/retry", h.RetryFailed)
	group.Delete("/completed", h.ClearCompleted)
}

type enqueueRequest struct {
	Type            domain.OperationType `json:"type"`
	ResourceType    domain.ResourceType  `json:"resource_type"`
	ResourceID      string               `json:"resource_id"`
	Payload         json.RawMessage      `json:"payload,omitempty"`
	Priority        int                  `json:"priority"`
	CorrelationID   string               `json:"correlation_id,omitempty"`
	ClientTimestamp *time.Time           `json:"client_timestamp,omitempty"`
}

// Enqueue accepts an operation recorded while the client was offline.
func (h *QueueHandler) Enqueue(c *fiber.Ctx) error {
	userID, err := MustGetUserID(c)
	if err != nil {
		return err
	}

	var req enqueueRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, 400, "invalid request body")
	}

	op := &domain.QueuedOperation{
		UserID:          userID,
		Type:            req.Type,
		ResourceType:    req.ResourceType,
		ResourceID:      req.ResourceID,
		Payload:         req.Payload,
		Priority:        req.Priority,
		CorrelationID:   req.CorrelationID,
		ClientTimestamp: req.ClientTimestamp,
	}

	created, err := h.queue.Enqueue(c.Context(), op)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidOperation) {
			return ErrorResponseWithCode(c, 422, "INVALID_OPERATION", err.Error())
		}
		return InternalErrorResponse(c, err, "enqueue operation")
	}

	return SuccessResponse(c.Status(201), created)
}

// GetPendingOperations returns queued and processing operations, oldest first.
func (h *QueueHandler) GetPendingOperations(c *fiber.Ctx) error {
	userID, err := MustGetUserID(c)
	if err != nil {
		return err
	}

	ops, err := h.queue.GetPendingOperations(c.Context(), userID)
	if err != nil {
		return InternalErrorResponse(c, err, "get pending operations")
	}

	return SuccessResponse(c, ops)
}

// GetQueueStats returns per-status counts for the caller's queue.
func (h *QueueHandler) GetQueueStats(c *fiber.Ctx) error {
	userID, err := MustGetUserID(c)
	if err != nil {
		return err
	}

	stats, err := h.queue.GetQueueStats(c.Context(), userID)
	if err != nil {
		return InternalErrorResponse(c, err, "get queue stats")
	}

	return SuccessResponse(c, stats)
}

// ProcessOperation executes a single queued operation immediately.
func (h *QueueHandler) ProcessOperation(c *fiber.Ctx) error {
	if _, err := MustGetUserID(c); err != nil {
		return err
	}

	opID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return ErrorResponse(c, 400, "invalid operation id")
	}

	if err := h.queue.ProcessOperation(c.Context(), opID); err != nil {
		switch {
		case errors.Is(err, domain.ErrOperationNotFound):
			return ErrorResponse(c, 404, "operation not found")
		case errors.Is(err, domain.ErrInvalidTransition):
			return ErrorResponseWithCode(c, 409, "INVALID_TRANSITION", "operation is not processable")
		default:
			return InternalErrorResponse(c, err, "process operation")
		}
	}

	return SuccessResponse(c, fiber.Map{"processed": true})
}

// ProcessUserQueue drains the caller's pending operations.
func (h *QueueHandler) ProcessUserQueue(c *fiber.Ctx) error {
	userID, err := MustGetUserID(c)
	if err != nil {
		return err
	}

	summary, err := h.queue.ProcessUserQueue(c.Context(), userID)
	if err != nil {
		return InternalErrorResponse(c, err, "process user queue")
	}

	return SuccessResponse(c, summary)
}

// RetryFailed requeues failed operations that still have attempts left.
func (h *QueueHandler) RetryFailed(c *fiber.Ctx) error {
	userID, err := MustGetUserID(c)
	if err != nil {
		return err
	}

	count, err := h.queue.RetryFailed(c.Context(), userID)
	if err != nil {
		return InternalErrorResponse(c, err, "retry failed operations")
	}

	return SuccessResponse(c, fiber.Map{"retried": count})
}

// ClearCompleted removes completed operations from the queue.
func (h *QueueHandler) ClearCompleted(c *fiber.Ctx) error {
	userID, err := MustGetUserID(c)
	if err != nil {
		return err
	}

	count, err := h.queue.ClearCompleted(c.Context(), userID)
	if err != nil {
		return InternalErrorResponse(c, err, "clear completed operations")
	}

	return SuccessResponse(c, fiber.Map{"cleared": count})
}
