package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"mailhub_server/core/domain"
)

// =============================================================================
// SyncRun Adapter (PostgreSQL)
// =============================================================================

// SyncRunAdapter implements out.SyncRunRepository.
//
// 상태 컬럼은 CompareAndSetStatus만 변경합니다. Update는 카운터/배치/오류만
// 기록하므로 취소와 진행 기록이 경합해도 상태가 되돌아가지 않습니다.
type SyncRunAdapter struct {
	db *sqlx.DB
}

func NewSyncRunAdapter(db *sqlx.DB) *SyncRunAdapter {
	return &SyncRunAdapter{db: db}
}

const syncRunSelectColumns = `
	r.id, r.account_id, r.user_id, r.status, r.sync_type,
	r.total_count, r.processed_count, r.stored_count, r.failed_count,
	r.batch_current, r.batch_total, r.batch_size,
	r.eta_seconds, r.errors,
	r.started_at, r.completed_at`

// syncRunRow represents the database row for sync_runs.
type syncRunRow struct {
	ID        uuid.UUID `db:"id"`
	AccountID int64     `db:"account_id"`
	UserID    uuid.UUID `db:"user_id"`
	Status    string    `db:"status"`
	SyncType  string    `db:"sync_type"`

	TotalCount     int `db:"total_count"`
	ProcessedCount int `db:"processed_count"`
	StoredCount    int `db:"stored_count"`
	FailedCount    int `db:"failed_count"`

	BatchCurrent int `db:"batch_current"`
	BatchTotal   int `db:"batch_total"`
	BatchSize    int `db:"batch_size"`

	ETASeconds int `db:"eta_seconds"`

	// Errors - 메시지 단위 오류 목록 (JSONB)
	Errors []byte `db:"errors"`

	StartedAt   time.Time    `db:"started_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
}

func (r *syncRunRow) toDomain() (*domain.SyncRun, error) {
	run := &domain.SyncRun{
		ID:        r.ID,
		AccountID: r.AccountID,
		UserID:    r.UserID,
		Status:    domain.SyncRunStatus(r.Status),
		Type:      domain.SyncType(r.SyncType),
		Counts: domain.SyncCounts{
			Total:     r.TotalCount,
			Processed: r.ProcessedCount,
			Stored:    r.StoredCount,
			Failed:    r.FailedCount,
		},
		Batch: domain.SyncBatch{
			Current: r.BatchCurrent,
			Total:   r.BatchTotal,
			Size:    r.BatchSize,
		},
		ETASeconds: r.ETASeconds,
		StartedAt:  r.StartedAt,
	}
	if r.CompletedAt.Valid {
		run.CompletedAt = r.CompletedAt.Time
	}
	if len(r.Errors) > 0 {
		if err := json.Unmarshal(r.Errors, &run.Errors); err != nil {
			return nil, fmt.Errorf("decode run errors: %w", err)
		}
	}
	return run, nil
}

func encodeRunErrors(errs []domain.SyncRunError) ([]byte, error) {
	if len(errs) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(errs)
}

// =============================================================================
// CRUD
// =============================================================================

func (a *SyncRunAdapter) Create(ctx context.Context, run *domain.SyncRun) error {
	errsJSON, err := encodeRunErrors(run.Errors)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sync_runs (
			id, account_id, user_id, status, sync_type,
			total_count, processed_count, stored_count, failed_count,
			batch_current, batch_total, batch_size,
			eta_seconds, errors, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = a.db.ExecContext(ctx, query,
		run.ID, run.AccountID, run.UserID, string(run.Status), string(run.Type),
		run.Counts.Total, run.Counts.Processed, run.Counts.Stored, run.Counts.Failed,
		run.Batch.Current, run.Batch.Total, run.Batch.Size,
		run.ETASeconds, errsJSON, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create sync run: %w", err)
	}
	return nil
}

func (a *SyncRunAdapter) GetByID(ctx context.Context, id uuid.UUID) (*domain.SyncRun, error) {
	query := fmt.Sprintf(`SELECT %s FROM sync_runs r WHERE r.id = $1`, syncRunSelectColumns)

	var row syncRunRow
	if err := a.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get sync run %s: %w", id, err)
	}
	return row.toDomain()
}

// Update persists progress fields. The status and completed_at columns are
// deliberately excluded; CompareAndSetStatus owns them.
func (a *SyncRunAdapter) Update(ctx context.Context, run *domain.SyncRun) error {
	errsJSON, err := encodeRunErrors(run.Errors)
	if err != nil {
		return err
	}

	query := `
		UPDATE sync_runs SET
			total_count = $1, processed_count = $2, stored_count = $3, failed_count = $4,
			batch_current = $5, batch_total = $6, batch_size = $7,
			eta_seconds = $8, errors = $9
		WHERE id = $10`

	result, err := a.db.ExecContext(ctx, query,
		run.Counts.Total, run.Counts.Processed, run.Counts.Stored, run.Counts.Failed,
		run.Batch.Current, run.Batch.Total, run.Batch.Size,
		run.ETASeconds, errsJSON, run.ID,
	)
	if err != nil {
		return fmt.Errorf("update sync run %s: %w", run.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (a *SyncRunAdapter) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM sync_runs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete sync run %s: %w", id, err)
	}
	return nil
}

// =============================================================================
// Queries
// =============================================================================

func (a *SyncRunAdapter) GetActiveByAccount(ctx context.Context, accountID int64) (*domain.SyncRun, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM sync_runs r
		WHERE r.account_id = $1 AND r.status IN ('pending', 'syncing')
		ORDER BY r.started_at DESC
		LIMIT 1`, syncRunSelectColumns)

	var row syncRunRow
	if err := a.db.GetContext(ctx, &row, query, accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active run for account %d: %w", accountID, err)
	}
	return row.toDomain()
}

func (a *SyncRunAdapter) GetActiveByUser(ctx context.Context, userID uuid.UUID) ([]*domain.SyncRun, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM sync_runs r
		WHERE r.user_id = $1 AND r.status IN ('pending', 'syncing')
		ORDER BY r.started_at DESC`, syncRunSelectColumns)

	return a.selectRuns(ctx, query, userID)
}

func (a *SyncRunAdapter) GetRecentByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.SyncRun, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM sync_runs r
		WHERE r.user_id = $1
		ORDER BY r.started_at DESC
		LIMIT $2`, syncRunSelectColumns)

	return a.selectRuns(ctx, query, userID, limit)
}

func (a *SyncRunAdapter) selectRuns(ctx context.Context, query string, args ...any) ([]*domain.SyncRun, error) {
	var rows []syncRunRow
	if err := a.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select sync runs: %w", err)
	}
	runs := make([]*domain.SyncRun, 0, len(rows))
	for i := range rows {
		run, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// =============================================================================
// Transitions & Retention
// =============================================================================

// CompareAndSetStatus transitions the run only when its current status is one
// of expected. 종료 상태 불변식의 저장소 측 가드.
func (a *SyncRunAdapter) CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected []domain.SyncRunStatus, next domain.SyncRunStatus, completedAt time.Time) (bool, error) {
	states := make([]string, len(expected))
	for i, s := range expected {
		states[i] = string(s)
	}

	query := `
		UPDATE sync_runs
		SET status = $1, completed_at = COALESCE($2, completed_at)
		WHERE id = $3 AND status = ANY($4)`

	result, err := a.db.ExecContext(ctx, query,
		string(next), nullTime(completedAt), id, pq.Array(states))
	if err != nil {
		return false, fmt.Errorf("transition run %s to %s: %w", id, next, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (a *SyncRunAdapter) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM sync_runs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND completed_at IS NOT NULL AND completed_at < $1`

	result, err := a.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired sync runs: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
