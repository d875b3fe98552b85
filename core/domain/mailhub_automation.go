package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Automated Processing - AI 기반 자동 처리 (스팸 삭제 / 자동 답장)
// =============================================================================

// AutomatedAction - 자동으로 수행된 작업 유형
type AutomatedAction string

const (
	ActionTrashed  AutomatedAction = "trashed"
	ActionRestored AutomatedAction = "restored"
	ActionReplied  AutomatedAction = "replied"
)

// ActionOutcome - 수행 결과
type ActionOutcome string

const (
	OutcomeSuccess ActionOutcome = "success"
	OutcomeSkipped ActionOutcome = "skipped"
	OutcomeFailed  ActionOutcome = "failed"
)

// ActionLog is the append-only audit record for every autonomous action.
// Never mutated after creation.
type ActionLog struct {
	ID        uuid.UUID       `json:"id"`
	MessageID string          `json:"message_id"`
	UserID    uuid.UUID       `json:"user_id"`
	Action    AutomatedAction `json:"action"`
	Score     float64         `json:"score"`     // 판단 근거 (스팸 확률 또는 답장 확신도)
	Threshold float64         `json:"threshold"` // 당시 적용된 임계값
	Outcome   ActionOutcome   `json:"outcome"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewActionLog creates an audit entry.
func NewActionLog(messageID string, userID uuid.UUID, action AutomatedAction, score, threshold float64, outcome ActionOutcome, reason string) *ActionLog {
	return &ActionLog{
		ID:        uuid.New(),
		MessageID: messageID,
		UserID:    userID,
		Action:    action,
		Score:     score,
		Threshold: threshold,
		Outcome:   outcome,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
}

// =============================================================================
// AutomationSettings - 사용자별 자동화 설정 (외부 설정 저장소 소유)
// =============================================================================

type AutomationSettings struct {
	UserID uuid.UUID `json:"user_id"`

	// Auto-delete
	AutoDeleteEnabled bool `json:"auto_delete_enabled"`
	SpamThreshold     int  `json:"spam_threshold"` // 0-100

	// Auto-reply
	AutoReplyEnabled         bool     `json:"auto_reply_enabled"`
	ReplyConfidenceThreshold int      `json:"reply_confidence_threshold"` // 0-100
	SenderAllowlist          []string `json:"sender_allowlist,omitempty"`
	SenderDenylist           []string `json:"sender_denylist,omitempty"`
	BusinessHoursOnly        bool     `json:"business_hours_only"`
	BusinessStartHour        int      `json:"business_start_hour"` // 0-23, local
	BusinessEndHour          int      `json:"business_end_hour"`   // exclusive
	Timezone                 string   `json:"timezone"`
	MaxRepliesPerDay         int      `json:"max_replies_per_day"`
}

// DefaultAutomationSettings returns conservative defaults: nothing automated
// until the user opts in.
func DefaultAutomationSettings(userID uuid.UUID) *AutomationSettings {
	return &AutomationSettings{
		UserID:                   userID,
		AutoDeleteEnabled:        false,
		SpamThreshold:            80,
		AutoReplyEnabled:         false,
		ReplyConfidenceThreshold: 85,
		BusinessStartHour:        9,
		BusinessEndHour:          18,
		Timezone:                 "Asia/Seoul",
		MaxRepliesPerDay:         20,
	}
}

// SenderAllowed - 발신자 허용/차단 목록 검사. 차단 목록이 우선하고,
// 허용 목록이 설정된 경우에는 목록에 있는 발신자만 통과합니다.
func (s *AutomationSettings) SenderAllowed(sender string) bool {
	sender = strings.ToLower(strings.TrimSpace(sender))
	for _, d := range s.SenderDenylist {
		if matchSender(sender, d) {
			return false
		}
	}
	if len(s.SenderAllowlist) == 0 {
		return true
	}
	for _, a := range s.SenderAllowlist {
		if matchSender(sender, a) {
			return true
		}
	}
	return false
}

// matchSender matches exact addresses and "@domain.com" suffix entries.
func matchSender(sender, entry string) bool {
	entry = strings.ToLower(strings.TrimSpace(entry))
	if entry == "" {
		return false
	}
	if strings.HasPrefix(entry, "@") {
		return strings.HasSuffix(sender, entry)
	}
	return sender == entry
}

// WithinBusinessHours checks the business hours gate for the given time.
// 게이트가 꺼져 있으면 항상 true.
func (s *AutomationSettings) WithinBusinessHours(now time.Time) bool {
	if !s.BusinessHoursOnly {
		return true
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		loc = time.UTC
	}
	h := now.In(loc).Hour()
	if s.BusinessStartHour <= s.BusinessEndHour {
		return h >= s.BusinessStartHour && h < s.BusinessEndHour
	}
	// 야간 교대 범위 (예: 22-06)
	return h >= s.BusinessStartHour || h < s.BusinessEndHour
}

// SweepStats aggregates one full pipeline pass.
type SweepStats struct {
	UsersProcessed   int `json:"users_processed"`
	MessagesAnalyzed int `json:"messages_analyzed"`
	SpamTrashed      int `json:"spam_trashed"`
	RepliesSent      int `json:"replies_sent"`
	Errors           int `json:"errors"`
}
