package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Message - 로컬 미러 메시지
// =============================================================================
//
// 동기화가 채워 넣는 정식 저장소의 레코드. Sync Runner, Offline Queue,
// Automated Pipeline 세 주체가 모두 쓰기 때문에 변경은 항상 메시지 단위로
// 스코프를 좁힙니다.

type Message struct {
	ID        int64     `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	AccountID int64     `json:"account_id"`

	// ExternalID - 프로바이더 측 메시지 ID
	ExternalID string `json:"external_id"`

	Subject   string `json:"subject"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name,omitempty"`
	Snippet   string `json:"snippet,omitempty"`
	Folder    string `json:"folder"`

	IsRead     bool   `json:"is_read"`
	IsArchived bool   `json:"is_archived"`
	IsTrashed  bool   `json:"is_trashed"`
	Category   string `json:"category,omitempty"`

	// AutoDeleted - 파이프라인이 휴지통으로 보낸 경우 true. 복원 가능 조건.
	AutoDeleted bool `json:"auto_deleted"`

	// 분석 결과. AnalyzedAt이 설정된 메시지는 다시 스코어링하지 않습니다.
	SpamScore       *float64   `json:"spam_score,omitempty"`       // 0-1
	ReplyConfidence *float64   `json:"reply_confidence,omitempty"` // 0-1
	AnalyzedAt      *time.Time `json:"analyzed_at,omitempty"`

	// ServerUpdatedAt - 서버 측(동기화/파이프라인) 변경 시각.
	// 큐 작업의 client_timestamp와 비교해 stale 여부를 판정합니다.
	ServerUpdatedAt time.Time `json:"server_updated_at"`

	ReceivedAt time.Time `json:"received_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Analyzed reports whether the pipeline already scored this message.
func (m *Message) Analyzed() bool {
	return m.AnalyzedAt != nil
}

// Restorable reports whether an auto-delete can be reversed.
func (m *Message) Restorable() bool {
	return m.IsTrashed && m.AutoDeleted
}

// MessageBody - MongoDB에 저장되는 원문 (미러 레코드와 별도 보관)
type MessageBody struct {
	MessageID int64     `json:"message_id" bson:"message_id"`
	AccountID int64     `json:"account_id" bson:"account_id"`
	HTML      string    `json:"html,omitempty" bson:"html,omitempty"`
	Text      string    `json:"text,omitempty" bson:"text,omitempty"`
	FetchedAt time.Time `json:"fetched_at" bson:"fetched_at"`
}
