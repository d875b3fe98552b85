package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"mailhub_server/core/domain"
	"mailhub_server/core/service/sync"
	"mailhub_server/pkg/response"
)

// SyncHandler exposes sync scheduling and progress tracking endpoints.
type SyncHandler struct {
	scheduler *sync.Scheduler
	tracker   *sync.Tracker
}

func NewSyncHandler(scheduler *sync.Scheduler, tracker *sync.Tracker) *SyncHandler {
	return &SyncHandler{scheduler: scheduler, tracker: tracker}
}

// Register registers sync routes.
func (h *SyncHandler) Register(router fiber.Router) {
	syncGroup := router.Group("/sync")
	syncGroup.Get("/active", h.GetActiveSyncs)
	syncGroup.Get("/recent", h.GetRecentSyncs)
	syncGroup.Get("/runs/:id", h.GetSyncProgress)
	syncGroup.Post("/runs/:id/cancel", h.CancelSync)
	syncGroup.Post("/trigger", h.TriggerUserSync)

	accounts := router.Group("/accounts")
	accounts.Post("/:id/sync", h.TriggerSync)
	accounts.Post("/:id/pause", h.PauseAccount)
	accounts.Post("/:id/resume", h.ResumeAccount)
}

// GetSyncProgress returns one run with computed progress.
func (h *SyncHandler) GetSyncProgress(c *fiber.Ctx) error {
	userID, err := MustGetUserID(c)
	if err != nil {
		return err
	}

	runID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return ErrorResponse(c, 400, "invalid run id")
	}

	run, err := h.tracker.GetSyncProgress(c.Context(), runID)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			return ErrorResponse(c, 404, "sync run not found")
		}
		return InternalErrorResponse(c, err, "get sync progress")
	}
	if run.UserID != userID {
		return ErrorResponse(c, 404, "sync run not found")
	}

	return SuccessResponse(c, syncRunView(run))
}

// GetActiveSyncs returns all in-flight runs for the caller.
func (h *SyncHandler) GetActiveSyncs(c *fiber.Ctx) error {
	userID, err := MustGetUserID(c)
	if err != nil {
		return err
	}

	runs, err := h.tracker.GetActiveSyncs(c.Context(), userID)
	if err != nil {
		return InternalErrorResponse(c, err, "get active syncs")
	}

	views := make([]fiber.Map, len(runs))
	for i, run := range runs {
		views[i] = syncRunView(run)
	}
	return SuccessResponse(c, views)
}

// GetRecentSyncs returns recent runs, newest first.
func (h *SyncHandler) GetRecentSyncs(c *fiber.Ctx) error {
	userID, err := MustGetUserID(c)
	if err != nil {
		return err
	}

	p := response.GetPagination(c, 20, 100)
	runs, err := h.tracker.GetRecentSyncs(c.Context(), userID, p.Limit)
	if err != nil {
		return InternalErrorResponse(c, err, "get recent syncs")
	}

	views := make([]fiber.Map, len(runs))
	for i, run := range runs {
		views[i] = syncRunView(run)
	}
	return SuccessResponse(c, views)
}

// CancelSync requests cancellation of a pending or running sync.
func (h *SyncHandler) CancelSync(c *fiber.Ctx) error {
	userID, err := MustGetUserID(c)
	if err != nil {
		return err
	}

	runID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return ErrorResponse(c, 400, "invalid run id")
	}

	// 소유자 확인 후 취소
	run, err := h.tracker.GetSyncProgress(c.Context(), runID)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			return ErrorResponse(c, 404, "sync run not found")
		}
		return InternalErrorResponse(c, err, "cancel sync")
	}
	if run.UserID != userID {
		return ErrorResponse(c, 404, "sync run not found")
	}

	if err := h.tracker.CancelSync(c.Context(), runID); err != nil {
		switch {
		case errors.Is(err, domain.ErrRunNotFound):
			return ErrorResponse(c, 404, "sync run not found")
		case errors.Is(err, domain.ErrInvalidTransition):
			return ErrorResponseWithCode(c, 409, "INVALID_TRANSITION", "sync run already finished")
		default:
			return InternalErrorResponse(c, err, "cancel sync")
		}
	}

	return SuccessResponse(c, fiber.Map{"cancelled": true})
}

// TriggerSync starts an immediate sync for one account.
func (h *SyncHandler) TriggerSync(c *fiber.Ctx) error {
	if _, err := MustGetUserID(c); err != nil {
		return err
	}

	accountID, err := c.ParamsInt("id")
	if err != nil {
		return ErrorResponse(c, 400, "invalid account id")
	}

	if err := h.scheduler.TriggerSync(c.Context(), int64(accountID)); err != nil {
		switch {
		case errors.Is(err, domain.ErrSyncInProgress):
			return ErrorResponseWithCode(c, 409, "SYNC_IN_PROGRESS", "a sync is already running for this account")
		case errors.Is(err, domain.ErrAccountNotFound):
			return ErrorResponse(c, 404, "account not found")
		default:
			return InternalErrorResponse(c, err, "trigger sync")
		}
	}

	return SuccessResponse(c.Status(202), fiber.Map{"triggered": true})
}

// TriggerUserSync starts syncs for every enabled account of the caller.
func (h *SyncHandler) TriggerUserSync(c *fiber.Ctx) error {
	userID, err := MustGetUserID(c)
	if err != nil {
		return err
	}

	if err := h.scheduler.TriggerUserSync(c.Context(), userID); err != nil {
		return InternalErrorResponse(c, err, "trigger user sync")
	}

	return SuccessResponse(c.Status(202), fiber.Map{"triggered": true})
}

// PauseAccount stops scheduling for an account without losing its cursor.
func (h *SyncHandler) PauseAccount(c *fiber.Ctx) error {
	if _, err := MustGetUserID(c); err != nil {
		return err
	}

	accountID, err := c.ParamsInt("id")
	if err != nil {
		return ErrorResponse(c, 400, "invalid account id")
	}

	if err := h.scheduler.PauseAccount(c.Context(), int64(accountID)); err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return ErrorResponse(c, 404, "account not found")
		}
		return InternalErrorResponse(c, err, "pause account")
	}

	return SuccessResponse(c, fiber.Map{"paused": true})
}

// ResumeAccount re-enables scheduling for a paused account.
func (h *SyncHandler) ResumeAccount(c *fiber.Ctx) error {
	if _, err := MustGetUserID(c); err != nil {
		return err
	}

	accountID, err := c.ParamsInt("id")
	if err != nil {
		return ErrorResponse(c, 400, "invalid account id")
	}

	if err := h.scheduler.ResumeAccount(c.Context(), int64(accountID)); err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return ErrorResponse(c, 404, "account not found")
		}
		return InternalErrorResponse(c, err, "resume account")
	}

	return SuccessResponse(c, fiber.Map{"resumed": true})
}

// syncRunView flattens a run with its computed progress fields.
func syncRunView(run *domain.SyncRun) fiber.Map {
	view := fiber.Map{
		"id":           run.ID,
		"account_id":   run.AccountID,
		"type":         run.Type,
		"status":       run.Status,
		"counts":       run.Counts,
		"batch":        run.Batch,
		"progress_pct": run.Progress(),
		"started_at":   run.StartedAt,
	}
	if run.ETASeconds > 0 {
		view["eta_seconds"] = run.ETASeconds
	}
	if !run.CompletedAt.IsZero() {
		view["completed_at"] = run.CompletedAt
		view["success_rate_pct"] = run.SuccessRate()
	}
	if len(run.Errors) > 0 {
		view["errors"] = run.Errors
	}
	return view
}
