// Package sync implements the account sync scheduler, the per-account sync
// runner, and the sync progress tracker.
package sync

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mailhub_server/core/domain"
	"mailhub_server/core/port/out"
	"mailhub_server/pkg/logger"
)

// =============================================================================
// Tracker - SyncRun 수명주기 기록
// =============================================================================
//
// 상태 전이는 해당 실행을 수행하는 Runner만 일으킵니다. 예외는 cancelled로,
// pending/syncing 동안 외부에서 요청할 수 있습니다.

type Tracker struct {
	runs out.SyncRunRepository
}

func NewTracker(runs out.SyncRunRepository) *Tracker {
	return &Tracker{runs: runs}
}

// =============================================================================
// Read Side
// =============================================================================

// GetSyncProgress returns a run by id. Terminal runs past the retention
// window are deleted on touch and reported as not found.
func (t *Tracker) GetSyncProgress(ctx context.Context, id uuid.UUID) (*domain.SyncRun, error) {
	run, err := t.runs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, domain.ErrRunNotFound
	}
	if run.Expired(time.Now()) {
		if err := t.runs.Delete(ctx, run.ID); err != nil {
			logger.Warn("[Tracker] Failed to delete expired run %s: %v", run.ID, err)
		}
		return nil, domain.ErrRunNotFound
	}
	return run, nil
}

// GetActiveSyncs returns all pending/syncing runs for a user.
func (t *Tracker) GetActiveSyncs(ctx context.Context, userID uuid.UUID) ([]*domain.SyncRun, error) {
	return t.runs.GetActiveByUser(ctx, userID)
}

// GetRecentSyncs returns the newest runs regardless of status. Expired runs
// encountered along the way are dropped from the result and removed.
func (t *Tracker) GetRecentSyncs(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	runs, err := t.runs.GetRecentByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	kept := runs[:0]
	for _, run := range runs {
		if run.Expired(now) {
			if err := t.runs.Delete(ctx, run.ID); err != nil {
				logger.Warn("[Tracker] Failed to delete expired run %s: %v", run.ID, err)
			}
			continue
		}
		kept = append(kept, run)
	}
	return kept, nil
}

// CancelSync requests cooperative cancellation. Only valid while the run is
// pending or syncing; terminal states reject with ErrInvalidTransition.
func (t *Tracker) CancelSync(ctx context.Context, id uuid.UUID) error {
	run, err := t.runs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if run == nil {
		return domain.ErrRunNotFound
	}
	ok, err := t.runs.CompareAndSetStatus(ctx, id,
		[]domain.SyncRunStatus{domain.SyncRunPending, domain.SyncRunSyncing},
		domain.SyncRunCancelled, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrInvalidTransition
	}
	return nil
}

// =============================================================================
// Runner Side - 실행 주체가 호출하는 전이
// =============================================================================

// CreateRun registers a pending run, enforcing the single-active-run
// invariant per account.
func (t *Tracker) CreateRun(ctx context.Context, accountID int64, userID uuid.UUID, syncType domain.SyncType) (*domain.SyncRun, error) {
	active, err := t.runs.GetActiveByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, domain.ErrSyncInProgress
	}
	run := domain.NewSyncRun(accountID, userID, syncType)
	if err := t.runs.Create(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// MarkSyncing transitions pending → syncing.
func (t *Tracker) MarkSyncing(ctx context.Context, run *domain.SyncRun) error {
	ok, err := t.runs.CompareAndSetStatus(ctx, run.ID,
		[]domain.SyncRunStatus{domain.SyncRunPending}, domain.SyncRunSyncing, time.Time{})
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrInvalidTransition
	}
	run.Status = domain.SyncRunSyncing
	return nil
}

// SaveProgress persists counters and batch info mid-run. Progress of a run
// cancelled meanwhile is still recorded (partial counts are kept, §5).
func (t *Tracker) SaveProgress(ctx context.Context, run *domain.SyncRun) error {
	run.UpdateETA()
	return t.runs.Update(ctx, run)
}

// Cancelled reports whether an external cancel landed on the run. The runner
// checks this between batches.
func (t *Tracker) Cancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	run, err := t.runs.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return run != nil && run.Status == domain.SyncRunCancelled, nil
}

// Complete transitions syncing → completed. Loses the race against an
// external cancel without error; the cancel wins.
func (t *Tracker) Complete(ctx context.Context, run *domain.SyncRun) error {
	run.ETASeconds = 0
	if err := t.runs.Update(ctx, run); err != nil {
		return err
	}
	ok, err := t.runs.CompareAndSetStatus(ctx, run.ID,
		[]domain.SyncRunStatus{domain.SyncRunSyncing}, domain.SyncRunCompleted, time.Now())
	if err != nil {
		return err
	}
	if ok {
		run.Status = domain.SyncRunCompleted
	}
	return nil
}

// Fail transitions pending/syncing → failed with a connection-level reason.
func (t *Tracker) Fail(ctx context.Context, run *domain.SyncRun, reason string) error {
	run.AddError("", reason)
	if err := t.runs.Update(ctx, run); err != nil {
		return err
	}
	ok, err := t.runs.CompareAndSetStatus(ctx, run.ID,
		[]domain.SyncRunStatus{domain.SyncRunPending, domain.SyncRunSyncing},
		domain.SyncRunFailed, time.Now())
	if err != nil {
		return err
	}
	if ok {
		run.Status = domain.SyncRunFailed
	}
	return nil
}
