package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"mailhub_server/core/domain"
)

// =============================================================================
// Action Log Adapter (PostgreSQL)
// =============================================================================

// ActionLogAdapter implements out.ActionLogRepository. Append-only: the table
// has no UPDATE path.
type ActionLogAdapter struct {
	db *sqlx.DB
}

func NewActionLogAdapter(db *sqlx.DB) *ActionLogAdapter {
	return &ActionLogAdapter{db: db}
}

type actionLogRow struct {
	ID        uuid.UUID      `db:"id"`
	MessageID string         `db:"message_id"`
	UserID    uuid.UUID      `db:"user_id"`
	Action    string         `db:"action"`
	Score     float64        `db:"score"`
	Threshold float64        `db:"threshold"`
	Outcome   string         `db:"outcome"`
	Reason    sql.NullString `db:"reason"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r *actionLogRow) toDomain() *domain.ActionLog {
	log := &domain.ActionLog{
		ID:        r.ID,
		MessageID: r.MessageID,
		UserID:    r.UserID,
		Action:    domain.AutomatedAction(r.Action),
		Score:     r.Score,
		Threshold: r.Threshold,
		Outcome:   domain.ActionOutcome(r.Outcome),
		CreatedAt: r.CreatedAt,
	}
	if r.Reason.Valid {
		log.Reason = r.Reason.String
	}
	return log
}

func (a *ActionLogAdapter) Append(ctx context.Context, log *domain.ActionLog) error {
	query := `
		INSERT INTO automation_action_logs (
			id, message_id, user_id, action, score, threshold, outcome, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := a.db.ExecContext(ctx, query,
		log.ID, log.MessageID, log.UserID, string(log.Action),
		log.Score, log.Threshold, string(log.Outcome), nullStr(log.Reason), log.CreatedAt)
	if err != nil {
		return fmt.Errorf("append action log: %w", err)
	}
	return nil
}

func (a *ActionLogAdapter) GetByUserAndAction(ctx context.Context, userID uuid.UUID, action domain.AutomatedAction, limit int) ([]*domain.ActionLog, error) {
	query := `
		SELECT id, message_id, user_id, action, score, threshold, outcome, reason, created_at
		FROM automation_action_logs
		WHERE user_id = $1 AND action = $2
		ORDER BY created_at DESC
		LIMIT $3`

	var rows []actionLogRow
	if err := a.db.SelectContext(ctx, &rows, query, userID, string(action), limit); err != nil {
		return nil, fmt.Errorf("get action logs: %w", err)
	}
	logs := make([]*domain.ActionLog, len(rows))
	for i := range rows {
		logs[i] = rows[i].toDomain()
	}
	return logs, nil
}

// =============================================================================
// Automation Settings Adapter (PostgreSQL)
// =============================================================================

// AutomationSettingsAdapter implements out.AutomationSettingsRepository.
// 설정의 소유자는 외부 설정 서비스이고, 이 어댑터는 읽기 전용 미러입니다.
type AutomationSettingsAdapter struct {
	db *sqlx.DB
}

func NewAutomationSettingsAdapter(db *sqlx.DB) *AutomationSettingsAdapter {
	return &AutomationSettingsAdapter{db: db}
}

type automationSettingsRow struct {
	UserID uuid.UUID `db:"user_id"`

	AutoDeleteEnabled bool `db:"auto_delete_enabled"`
	SpamThreshold     int  `db:"spam_threshold"`

	AutoReplyEnabled         bool           `db:"auto_reply_enabled"`
	ReplyConfidenceThreshold int            `db:"reply_confidence_threshold"`
	SenderAllowlist          pq.StringArray `db:"sender_allowlist"`
	SenderDenylist           pq.StringArray `db:"sender_denylist"`
	BusinessHoursOnly        bool           `db:"business_hours_only"`
	BusinessStartHour        int            `db:"business_start_hour"`
	BusinessEndHour          int            `db:"business_end_hour"`
	Timezone                 string         `db:"timezone"`
	MaxRepliesPerDay         int            `db:"max_replies_per_day"`
}

func (r *automationSettingsRow) toDomain() *domain.AutomationSettings {
	return &domain.AutomationSettings{
		UserID:                   r.UserID,
		AutoDeleteEnabled:        r.AutoDeleteEnabled,
		SpamThreshold:            r.SpamThreshold,
		AutoReplyEnabled:         r.AutoReplyEnabled,
		ReplyConfidenceThreshold: r.ReplyConfidenceThreshold,
		SenderAllowlist:          r.SenderAllowlist,
		SenderDenylist:           r.SenderDenylist,
		BusinessHoursOnly:        r.BusinessHoursOnly,
		BusinessStartHour:        r.BusinessStartHour,
		BusinessEndHour:          r.BusinessEndHour,
		Timezone:                 r.Timezone,
		MaxRepliesPerDay:         r.MaxRepliesPerDay,
	}
}

// GetByUserID returns stored settings, falling back to safe defaults when the
// user has never configured automation.
func (a *AutomationSettingsAdapter) GetByUserID(ctx context.Context, userID uuid.UUID) (*domain.AutomationSettings, error) {
	query := `
		SELECT user_id, auto_delete_enabled, spam_threshold,
		       auto_reply_enabled, reply_confidence_threshold,
		       sender_allowlist, sender_denylist,
		       business_hours_only, business_start_hour, business_end_hour,
		       timezone, max_replies_per_day
		FROM automation_settings
		WHERE user_id = $1`

	var row automationSettingsRow
	if err := a.db.GetContext(ctx, &row, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DefaultAutomationSettings(userID), nil
		}
		return nil, fmt.Errorf("get automation settings: %w", err)
	}
	return row.toDomain(), nil
}
