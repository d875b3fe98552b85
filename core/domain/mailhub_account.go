package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Account - 외부 메일 계정 연결
// =============================================================================

// Protocol identifies the fetch client used for an account.
type Protocol string

const (
	ProtocolGmail Protocol = "gmail"
	ProtocolIMAP  Protocol = "imap"
)

// AccountSyncStatus - 계정 동기화 상태
type AccountSyncStatus string

const (
	AccountStatusActive  AccountSyncStatus = "active"  // 스케줄링 대상
	AccountStatusPaused  AccountSyncStatus = "paused"  // 사용자가 일시정지
	AccountStatusSyncing AccountSyncStatus = "syncing" // 동기화 진행 중
	AccountStatusError   AccountSyncStatus = "error"   // 반복 실패로 격리됨
)

// AccountHealth - 연결 상태
type AccountHealth string

const (
	HealthHealthy  AccountHealth = "healthy"
	HealthDegraded AccountHealth = "degraded"
	HealthError    AccountHealth = "error"
)

// SyncSettings controls how often an account is synced.
type SyncSettings struct {
	Enabled      bool   `json:"enabled"`
	FrequencySec int    `json:"frequency_sec"`
	Cursor       string `json:"cursor,omitempty"` // opaque, provider-specific
}

// Account is a connected external mail account. Core components mutate its
// sync status, cursor, and health; creation and deletion happen elsewhere.
type Account struct {
	ID       int64     `json:"id"`
	UserID   uuid.UUID `json:"user_id"`
	Email    string    `json:"email"`
	Protocol Protocol  `json:"protocol"`

	Settings SyncSettings `json:"settings"`

	Status    AccountSyncStatus `json:"status"`
	Health    AccountHealth     `json:"health"`
	LastError string            `json:"last_error,omitempty"`

	LastSyncAt time.Time `json:"last_sync_at,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Schedulable - 스케줄러가 타이머를 걸 수 있는 계정인지 확인
func (a *Account) Schedulable() bool {
	if !a.Settings.Enabled {
		return false
	}
	return a.Status == AccountStatusActive || a.Status == AccountStatusPaused
}

// SyncInterval returns the account's sync interval, or fallback when unset.
func (a *Account) SyncInterval(fallback time.Duration) time.Duration {
	if a.Settings.FrequencySec <= 0 {
		return fallback
	}
	return time.Duration(a.Settings.FrequencySec) * time.Second
}

// Credentials - Fetch Client 접속 정보 (자격증명 저장소에서 조회)
type Credentials struct {
	AccountID    int64     `json:"account_id"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`

	// IMAP
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}
