package out

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mailhub_server/core/domain"
)

// =============================================================================
// Canonical Message Store
// =============================================================================
//
// Sync Runner, Offline Queue, Automated Pipeline 세 주체가 동시에 호출합니다.
// 모든 변경은 (message, user) 단위이며 SendReply를 제외하면 멱등해야 합니다.

// MessageStore is the write/read surface over the local mirror.
type MessageStore interface {
	MessageReader
	MessageMutator
}

// MessageReader handles mirror queries.
type MessageReader interface {
	GetByID(ctx context.Context, id int64, userID uuid.UUID) (*domain.Message, error)
	GetByExternalID(ctx context.Context, accountID int64, externalID string) (*domain.Message, error)

	// ListUnanalyzed - analyzed_at이 없는 받은편지함 메시지, 오래된 순
	ListUnanalyzed(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Message, error)
}

// MessageMutator handles mirror mutations. Each call is scoped to a single
// message and safe to repeat with a value the store already holds.
type MessageMutator interface {
	// Upsert - 동기화 경로. (account, external_id) 기준. 신규 저장 여부 반환.
	Upsert(ctx context.Context, msg *domain.Message) (created bool, err error)

	UpdateReadStatus(ctx context.Context, id int64, userID uuid.UUID, read bool) error
	Archive(ctx context.Context, id int64, userID uuid.UUID, archived bool) error
	Categorize(ctx context.Context, id int64, userID uuid.UUID, category string) error

	// Trash - autoDeleted는 파이프라인 경로에서만 true
	Trash(ctx context.Context, id int64, userID uuid.UUID, autoDeleted bool) error
	Restore(ctx context.Context, id int64, userID uuid.UUID) error
	Delete(ctx context.Context, id int64, userID uuid.UUID) error

	// SetAnalysis - 파이프라인 스코어링 결과 기록 (재분석 방지 마커)
	SetAnalysis(ctx context.Context, id int64, userID uuid.UUID, spamScore, replyConfidence float64, at time.Time) error

	// SendReply stages an outbound reply. dedupKey is unique per logical
	// send; repeating a key must not produce a second message.
	SendReply(ctx context.Context, id int64, userID uuid.UUID, body, subject, dedupKey string) error
}

// MessageBodyStore - 원문 저장소 (MongoDB)
type MessageBodyStore interface {
	Save(ctx context.Context, body *domain.MessageBody) error
	Get(ctx context.Context, messageID int64) (*domain.MessageBody, error)
	DeleteByAccount(ctx context.Context, accountID int64) error
}
