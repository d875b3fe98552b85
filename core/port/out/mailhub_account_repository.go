package out

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mailhub_server/core/domain"
)

// AccountRepository - 계정 저장소 (외부 협력자)
//
// Scheduler와 Sync Runner만 계정을 변경합니다. 생성/삭제는 이 코어 밖의 일.
type AccountRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Account, error)
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*domain.Account, error)

	// FindSchedulable - sync 설정이 켜져 있고 status가 active/paused인 계정
	FindSchedulable(ctx context.Context) ([]*domain.Account, error)

	// ListUserIDsWithActiveAccount - 파이프라인 스윕 대상 사용자
	ListUserIDsWithActiveAccount(ctx context.Context) ([]uuid.UUID, error)

	UpdateStatus(ctx context.Context, id int64, status domain.AccountSyncStatus) error

	// TransitionStatus - update-if-unchanged 상태 전이. 저장된 상태가 from이
	// 아니면 false를 반환하고 아무것도 바꾸지 않는다.
	TransitionStatus(ctx context.Context, id int64, from, to domain.AccountSyncStatus) (bool, error)
	UpdateHealth(ctx context.Context, id int64, health domain.AccountHealth, lastError string) error
	UpdateCursor(ctx context.Context, id int64, cursor string, syncedAt time.Time) error
}
