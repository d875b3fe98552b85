package domain

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// =============================================================================
// QueuedOperation - 오프라인 작업 큐
// =============================================================================
//
// 클라이언트가 오프라인 상태에서 쌓아둔 변경 작업. 같은 리소스에 대한 작업은
// 큐에 들어온 순서대로 적용합니다.

// OperationType - 작업 유형 (enqueue 시 검증되는 고정 목록)
type OperationType string

const (
	OpMarkRead   OperationType = "mark_read"
	OpMarkUnread OperationType = "mark_unread"
	OpArchive    OperationType = "archive"
	OpUnarchive  OperationType = "unarchive"
	OpCategorize OperationType = "categorize"
	OpSendReply  OperationType = "send_reply"
	OpDelete     OperationType = "delete"
)

// ValidOperationType reports membership in the fixed enumeration.
func ValidOperationType(t OperationType) bool {
	switch t {
	case OpMarkRead, OpMarkUnread, OpArchive, OpUnarchive, OpCategorize, OpSendReply, OpDelete:
		return true
	}
	return false
}

// ResourceType - 작업 대상 리소스 유형
type ResourceType string

const (
	ResourceMessage  ResourceType = "message"
	ResourceCategory ResourceType = "category"
	ResourceAccount  ResourceType = "account"
)

// ValidResourceType reports membership in the fixed enumeration.
func ValidResourceType(t ResourceType) bool {
	switch t {
	case ResourceMessage, ResourceCategory, ResourceAccount:
		return true
	}
	return false
}

// OperationStatus - 작업 상태
type OperationStatus string

const (
	OpStatusPending    OperationStatus = "pending"
	OpStatusProcessing OperationStatus = "processing"
	OpStatusCompleted  OperationStatus = "completed"
	OpStatusFailed     OperationStatus = "failed"
)

// Failure classification, so callers can tell "retry later" from
// "target no longer exists".
const (
	OpErrRetryable   = "retryable"
	OpErrStaleTarget = "stale_target"
)

const (
	OpPriorityMin     = 1
	OpPriorityMax     = 10
	OpPriorityDefault = 5

	// OpMaxAttempts - 재시도 상한. 초과 시 failed로 남고 표면화됩니다.
	OpMaxAttempts = 3
)

// QueuedOperation is one staged client mutation.
type QueuedOperation struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"user_id"`

	Type         OperationType `json:"type"`
	ResourceType ResourceType  `json:"resource_type"`
	ResourceID   string        `json:"resource_id"`

	// Payload is the raw operation-specific data; decode with DecodePayload.
	Payload json.RawMessage `json:"payload,omitempty"`

	Status   OperationStatus `json:"status"`
	Priority int             `json:"priority"`
	Attempts int             `json:"attempts"`

	// CorrelationID - 클라이언트 중복 제거 키 (send_reply 재전송 방지에 필수)
	CorrelationID string `json:"correlation_id,omitempty"`

	// ClientTimestamp - 클라이언트가 작업을 만든 시각. 충돌 판정 힌트.
	ClientTimestamp *time.Time `json:"client_timestamp,omitempty"`

	ErrorCode string `json:"error_code,omitempty"`
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Retryable reports whether a failed operation is still eligible for retry.
func (o *QueuedOperation) Retryable() bool {
	if o.Status != OpStatusFailed {
		return false
	}
	if o.ErrorCode == OpErrStaleTarget {
		return false // 재시도해도 해결되지 않음
	}
	return o.Attempts < OpMaxAttempts
}

// =============================================================================
// Operation Payloads - 작업 유형별 변형 (tagged union)
// =============================================================================

// CategorizePayload carries the category assignment.
type CategorizePayload struct {
	Category string `json:"category"`
}

// SendReplyPayload carries the reply body for send_reply operations.
type SendReplyPayload struct {
	Body    string `json:"body"`
	Subject string `json:"subject,omitempty"`
	IsHTML  bool   `json:"is_html,omitempty"`
}

// DecodePayload validates and decodes the payload variant for the operation
// type. Types without payload (mark_read 등) require an empty payload.
func (o *QueuedOperation) DecodePayload() (any, error) {
	switch o.Type {
	case OpCategorize:
		var p CategorizePayload
		if err := json.Unmarshal(o.Payload, &p); err != nil {
			return nil, fmt.Errorf("categorize payload: %w", err)
		}
		if p.Category == "" {
			return nil, fmt.Errorf("categorize payload: missing category")
		}
		return &p, nil
	case OpSendReply:
		var p SendReplyPayload
		if err := json.Unmarshal(o.Payload, &p); err != nil {
			return nil, fmt.Errorf("send_reply payload: %w", err)
		}
		if p.Body == "" {
			return nil, fmt.Errorf("send_reply payload: missing body")
		}
		return &p, nil
	default:
		if len(o.Payload) > 0 && string(o.Payload) != "{}" && string(o.Payload) != "null" {
			return nil, fmt.Errorf("operation %s takes no payload", o.Type)
		}
		return nil, nil
	}
}

// QueueStats - 사용자별 상태 집계
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// QueueSummary is returned by a full queue drain. Skipped counts operations
// another worker already claimed; they are neither success nor failure.
type QueueSummary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}
