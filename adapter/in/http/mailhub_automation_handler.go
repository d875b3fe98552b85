package http

import (
	"github.com/gofiber/fiber/v2"

	"mailhub_server/adapter/out/persistence"
	"mailhub_server/core/service/automation"
	"mailhub_server/pkg/response"
)

const maxLogPageSize = 100

// AutomationHandler exposes automation settings, action logs and restore.
type AutomationHandler struct {
	pipeline *automation.Pipeline
	settings *persistence.CachedSettingsAdapter
}

func NewAutomationHandler(pipeline *automation.Pipeline, settings *persistence.CachedSettingsAdapter) *AutomationHandler {
	return &AutomationHandler{pipeline: pipeline, settings: settings}
}

// Register registers automation routes.
func (h *AutomationHandler) Register(router fiber.Router) {
	group := router.Group("/automation")
	group.Get("/settings", h.GetSettings)
	group.Post("/settings/refresh", h.RefreshSettings)
	group.Get("/logs/auto-delete", h.GetAutoDeleteLogs)
	group.Get("/logs/auto-reply", h.GetAutoReplyLogs)
	group.Post("/sweep", h.TriggerSweep)

	router.Post("/messages/:id/restore", h.RestoreMessage)
}

// GetSettings returns the caller's automation settings mirror.
func (h *AutomationHandler) GetSettings(c *fiber.Ctx) error {
	userID, err := MustGetUserID(c)
	if err != nil {
		return err
	}

	settings, err := h.settings.GetByUserID(c.Context(), userID)
	if err != nil {
		return InternalErrorResponse(c, err, "get automation settings")
	}

	return SuccessResponse(c, settings)
}

// RefreshSettings drops the cached mirror so the next read hits the source.
// 설정 서비스가 변경을 반영한 뒤 호출한다.
func (h *AutomationHandler) RefreshSettings(c *fiber.Ctx) error {
	userID, err := MustGetUserID(c)
	if err != nil {
		return err
	}

	if err := h.settings.Invalidate(c.Context(), userID); err != nil {
		return InternalErrorResponse(c, err, "refresh automation settings")
	}

	return SuccessResponse(c, fiber.Map{"refreshed": true})
}

// GetAutoDeleteLogs returns recent auto-delete audit entries.
func (h *AutomationHandler) GetAutoDeleteLogs(c *fiber.Ctx) error {
	userID, err := MustGetUserID(c)
	if err != nil {
		return err
	}

	logs, err := h.pipeline.AutoDeleteLogs(c.Context(), userID, logLimit(c))
	if err != nil {
		return InternalErrorResponse(c, err, "get auto-delete logs")
	}

	return SuccessResponse(c, logs)
}

// GetAutoReplyLogs returns recent auto-reply audit entries.
func (h *AutomationHandler) GetAutoReplyLogs(c *fiber.Ctx) error {
	userID, err := MustGetUserID(c)
	if err != nil {
		return err
	}

	logs, err := h.pipeline.AutoReplyLogs(c.Context(), userID, logLimit(c))
	if err != nil {
		return InternalErrorResponse(c, err, "get auto-reply logs")
	}

	return SuccessResponse(c, logs)
}

// TriggerSweep runs the processing pipeline for the caller immediately.
func (h *AutomationHandler) TriggerSweep(c *fiber.Ctx) error {
	userID, err := MustGetUserID(c)
	if err != nil {
		return err
	}

	stats, err := h.pipeline.ProcessUserMessages(c.Context(), userID)
	if err != nil {
		return InternalErrorResponse(c, err, "trigger sweep")
	}

	return SuccessResponse(c, stats)
}

// RestoreMessage moves an auto-deleted message out of trash.
func (h *AutomationHandler) RestoreMessage(c *fiber.Ctx) error {
	userID, err := MustGetUserID(c)
	if err != nil {
		return err
	}

	messageID, err := c.ParamsInt("id")
	if err != nil {
		return ErrorResponse(c, 400, "invalid message id")
	}

	restored, err := h.pipeline.RestoreFromTrash(c.Context(), userID, int64(messageID))
	if err != nil {
		return InternalErrorResponse(c, err, "restore message")
	}
	if !restored {
		return ErrorResponse(c, 404, "message not found in trash")
	}

	return SuccessResponse(c, fiber.Map{"restored": true})
}

func logLimit(c *fiber.Ctx) int {
	return response.GetPagination(c, 50, maxLogPageSize).Limit
}
