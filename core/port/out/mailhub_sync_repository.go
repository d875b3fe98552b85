package out

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mailhub_server/core/domain"
)

// SyncRunRepository - SyncRun 저장소
type SyncRunRepository interface {
	Create(ctx context.Context, run *domain.SyncRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.SyncRun, error)
	Update(ctx context.Context, run *domain.SyncRun) error
	Delete(ctx context.Context, id uuid.UUID) error

	// GetActiveByAccount - 계정당 pending/syncing 실행 (불변식: 최대 1개)
	GetActiveByAccount(ctx context.Context, accountID int64) (*domain.SyncRun, error)
	GetActiveByUser(ctx context.Context, userID uuid.UUID) ([]*domain.SyncRun, error)

	// GetRecentByUser - 최신순, limit 제한
	GetRecentByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.SyncRun, error)

	// CompareAndSetStatus - 현재 상태가 expected일 때만 전이. 종료 상태 불변식의
	// 저장소 측 가드. 전이 성공 여부를 반환합니다.
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected []domain.SyncRunStatus, next domain.SyncRunStatus, completedAt time.Time) (bool, error)

	// DeleteExpired - 보존 기간이 지난 종료 실행 삭제
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
