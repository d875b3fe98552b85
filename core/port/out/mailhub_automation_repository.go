package out

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mailhub_server/core/domain"
)

// ActionLogRepository - 자동화 감사 로그 (append-only)
type ActionLogRepository interface {
	Append(ctx context.Context, log *domain.ActionLog) error
	GetByUserAndAction(ctx context.Context, userID uuid.UUID, action domain.AutomatedAction, limit int) ([]*domain.ActionLog, error)
}

// AutomationSettingsRepository - 사용자별 자동화 설정 (외부 설정 저장소)
type AutomationSettingsRepository interface {
	// GetByUserID returns stored settings, or defaults when none exist.
	GetByUserID(ctx context.Context, userID uuid.UUID) (*domain.AutomationSettings, error)
}

// ReplyBudget - 일일 답장 한도 카운터. Redis INCR + 자정 만료로 구현.
type ReplyBudget interface {
	// RepliesSentToday returns the running count for the user's local day.
	RepliesSentToday(ctx context.Context, userID uuid.UUID, day time.Time) (int, error)

	// RecordReply increments the counter and returns the new count.
	RecordReply(ctx context.Context, userID uuid.UUID, day time.Time) (int, error)
}

// ReplyDeduper - send_reply 중복 전송 가드. correlation id에서 유도한 키에
// 대한 SETNX 성격의 일회성 클레임.
type ReplyDeduper interface {
	// Claim returns true exactly once per key; subsequent calls return false.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release frees the key so a failed send can be retried.
	Release(ctx context.Context, key string) error
}
