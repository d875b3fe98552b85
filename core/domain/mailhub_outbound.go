package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Outbound - 프로바이더로 내보낼 변경
// =============================================================================
//
// 오프라인 큐는 변경을 정식 저장소(미러)에만 적용합니다. 답장과 읽음 상태는
// 아웃박스를 거쳐 디스패처가 실제 메일 서버로 밀어 넣습니다.

// OutboundMaxAttempts - 답장 전송 재시도 상한. 넘으면 failed로 남는다.
const OutboundMaxAttempts = 3

// OutboundReply is a staged reply joined with its source message, ready to be
// pushed through the account's provider session.
type OutboundReply struct {
	ID        int64     `json:"id"`
	MessageID int64     `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	AccountID int64     `json:"account_id"`

	// ExternalID - 원본 메시지의 프로바이더 식별자 (In-Reply-To 대상)
	ExternalID string `json:"external_id"`
	// ReplyTo - 원본 발신자 주소
	ReplyTo string `json:"reply_to"`

	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

// ReadStatusChange is a locally applied read flag not yet reflected upstream.
type ReadStatusChange struct {
	MessageID  int64  `json:"message_id"`
	AccountID  int64  `json:"account_id"`
	ExternalID string `json:"external_id"`
	IsRead     bool   `json:"is_read"`
}

// DispatchStats summarizes one dispatch pass.
type DispatchStats struct {
	RepliesSent int `json:"replies_sent"`
	ReadSynced  int `json:"read_synced"`
	Errors      int `json:"errors"`
}
