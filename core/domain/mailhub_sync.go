package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// SyncRun - 계정 1개에 대한 동기화 실행 1회
// =============================================================================
//
// 상태 머신: pending → syncing → {completed | failed | cancelled}
// pending/syncing만 비종료 상태이며, 종료 상태에서 벗어나는 전이는 없습니다.

type SyncRunStatus string

const (
	SyncRunPending   SyncRunStatus = "pending"
	SyncRunSyncing   SyncRunStatus = "syncing"
	SyncRunCompleted SyncRunStatus = "completed"
	SyncRunFailed    SyncRunStatus = "failed"
	SyncRunCancelled SyncRunStatus = "cancelled"
)

// Terminal reports whether no further transition may leave the status.
func (s SyncRunStatus) Terminal() bool {
	return s == SyncRunCompleted || s == SyncRunFailed || s == SyncRunCancelled
}

// Active reports whether the run still occupies the per-account slot.
func (s SyncRunStatus) Active() bool {
	return s == SyncRunPending || s == SyncRunSyncing
}

type SyncType string

const (
	SyncTypeInitial     SyncType = "initial"
	SyncTypeIncremental SyncType = "incremental"
	SyncTypeFull        SyncType = "full"
)

// SyncRunError - 실행 중 발생한 개별 오류 (메시지 단위)
type SyncRunError struct {
	MessageID string    `json:"message_id,omitempty"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// SyncCounts holds per-run message counters.
type SyncCounts struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Stored    int `json:"stored"`
	Failed    int `json:"failed"`
}

// SyncBatch holds batch progress info.
type SyncBatch struct {
	Current int `json:"current"`
	Total   int `json:"total"`
	Size    int `json:"size"`
}

// SyncRun records the lifecycle of one synchronization pass. It is mutated
// only by the runner executing it, except for external cancellation.
type SyncRun struct {
	ID        uuid.UUID `json:"id"`
	AccountID int64     `json:"account_id"`
	UserID    uuid.UUID `json:"user_id"`

	Status SyncRunStatus `json:"status"`
	Type   SyncType      `json:"type"`

	Counts SyncCounts `json:"counts"`
	Batch  SyncBatch  `json:"batch"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// 남은 예상 시간(초). 배치 처리 속도 기반 추정치.
	ETASeconds int `json:"eta_seconds,omitempty"`

	Errors []SyncRunError `json:"errors,omitempty"`
}

// NewSyncRun creates a pending run for an account.
func NewSyncRun(accountID int64, userID uuid.UUID, syncType SyncType) *SyncRun {
	return &SyncRun{
		ID:        uuid.New(),
		AccountID: accountID,
		UserID:    userID,
		Status:    SyncRunPending,
		Type:      syncType,
		StartedAt: time.Now(),
	}
}

// Progress returns completion percentage, 0 when total is 0.
func (r *SyncRun) Progress() int {
	if r.Counts.Total == 0 {
		return 0
	}
	return int(math.Round(float64(r.Counts.Processed) / float64(r.Counts.Total) * 100))
}

// SuccessRate returns stored/processed percentage, 0 when processed is 0.
func (r *SyncRun) SuccessRate() int {
	if r.Counts.Processed == 0 {
		return 0
	}
	return int(math.Round(float64(r.Counts.Stored) / float64(r.Counts.Processed) * 100))
}

// AddError appends a per-message error without failing the run.
func (r *SyncRun) AddError(messageID, msg string) {
	r.Errors = append(r.Errors, SyncRunError{
		MessageID: messageID,
		Message:   msg,
		At:        time.Now(),
	})
}

// UpdateETA re-estimates remaining time from batch throughput.
func (r *SyncRun) UpdateETA() {
	if r.Counts.Processed == 0 || r.Counts.Total <= r.Counts.Processed {
		r.ETASeconds = 0
		return
	}
	elapsed := time.Since(r.StartedAt).Seconds()
	perMessage := elapsed / float64(r.Counts.Processed)
	r.ETASeconds = int(perMessage * float64(r.Counts.Total-r.Counts.Processed))
}

// SyncRunRetention - 종료된 실행의 보존 기간. 이후 조회 시 삭제 대상.
const SyncRunRetention = 7 * 24 * time.Hour

// Expired reports whether a terminal run has aged past the retention window.
func (r *SyncRun) Expired(now time.Time) bool {
	if !r.Status.Terminal() || r.CompletedAt.IsZero() {
		return false
	}
	return now.Sub(r.CompletedAt) > SyncRunRetention
}
