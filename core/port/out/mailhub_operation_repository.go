package out

import (
	"context"

	"github.com/google/uuid"

	"mailhub_server/core/domain"
)

// OperationRepository - 오프라인 작업 큐 저장소
type OperationRepository interface {
	Create(ctx context.Context, op *domain.QueuedOperation) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.QueuedOperation, error)
	Update(ctx context.Context, op *domain.QueuedOperation) error

	// GetByCorrelationID - 클라이언트 측 중복 enqueue 감지
	GetByCorrelationID(ctx context.Context, userID uuid.UUID, correlationID string) (*domain.QueuedOperation, error)

	// GetPending - pending과 재시도 가능한 failed, priority desc → created asc
	GetPending(ctx context.Context, userID uuid.UUID) ([]*domain.QueuedOperation, error)

	CountByStatus(ctx context.Context, userID uuid.UUID) (*domain.QueueStats, error)

	// ResetFailed - 재시도 가능한 failed를 pending으로 되돌림. stale_target과
	// 횟수 초과는 건드리지 않음. 리셋된 개수 반환.
	ResetFailed(ctx context.Context, userID uuid.UUID, maxAttempts int) (int64, error)

	// DeleteCompleted - completed 정리. 삭제된 개수 반환.
	DeleteCompleted(ctx context.Context, userID uuid.UUID) (int64, error)
}
