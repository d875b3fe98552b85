// Package persistence provides database adapters implementing outbound ports.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"mailhub_server/core/domain"
)

// =============================================================================
// Account Adapter (PostgreSQL)
// =============================================================================

// AccountAdapter implements out.AccountRepository.
type AccountAdapter struct {
	db *sqlx.DB
}

func NewAccountAdapter(db *sqlx.DB) *AccountAdapter {
	return &AccountAdapter{db: db}
}

const accountSelectColumns = `
	a.id, a.user_id, a.email, a.protocol,
	a.sync_enabled, a.sync_frequency_sec, a.sync_cursor,
	a.status, a.health, a.last_error, a.last_sync_at,
	a.created_at, a.updated_at`

// accountRow represents the database row for mail_accounts.
type accountRow struct {
	ID       int64     `db:"id"`
	UserID   uuid.UUID `db:"user_id"`
	Email    string    `db:"email"`
	Protocol string    `db:"protocol"`

	SyncEnabled      bool           `db:"sync_enabled"`
	SyncFrequencySec int            `db:"sync_frequency_sec"`
	SyncCursor       sql.NullString `db:"sync_cursor"`

	Status    string         `db:"status"`
	Health    string         `db:"health"`
	LastError sql.NullString `db:"last_error"`

	LastSyncAt sql.NullTime `db:"last_sync_at"`
	CreatedAt  time.Time    `db:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at"`
}

func (r *accountRow) toDomain() *domain.Account {
	a := &domain.Account{
		ID:       r.ID,
		UserID:   r.UserID,
		Email:    r.Email,
		Protocol: domain.Protocol(r.Protocol),
		Settings: domain.SyncSettings{
			Enabled:      r.SyncEnabled,
			FrequencySec: r.SyncFrequencySec,
		},
		Status:    domain.AccountSyncStatus(r.Status),
		Health:    domain.AccountHealth(r.Health),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.SyncCursor.Valid {
		a.Settings.Cursor = r.SyncCursor.String
	}
	if r.LastError.Valid {
		a.LastError = r.LastError.String
	}
	if r.LastSyncAt.Valid {
		a.LastSyncAt = r.LastSyncAt.Time
	}
	return a
}

// =============================================================================
// Queries
// =============================================================================

func (a *AccountAdapter) GetByID(ctx context.Context, id int64) (*domain.Account, error) {
	query := fmt.Sprintf(`SELECT %s FROM mail_accounts a WHERE a.id = $1`, accountSelectColumns)

	var row accountRow
	if err := a.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account %d: %w", id, err)
	}
	return row.toDomain(), nil
}

func (a *AccountAdapter) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*domain.Account, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM mail_accounts a
		WHERE a.user_id = $1
		ORDER BY a.created_at`, accountSelectColumns)

	var rows []accountRow
	if err := a.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("get accounts for user %s: %w", userID, err)
	}
	accounts := make([]*domain.Account, len(rows))
	for i := range rows {
		accounts[i] = rows[i].toDomain()
	}
	return accounts, nil
}

// FindSchedulable returns accounts the scheduler may arm a timer for.
func (a *AccountAdapter) FindSchedulable(ctx context.Context) ([]*domain.Account, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM mail_accounts a
		WHERE a.sync_enabled = true AND a.status IN ('active', 'paused')
		ORDER BY a.id`, accountSelectColumns)

	var rows []accountRow
	if err := a.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("find schedulable accounts: %w", err)
	}
	accounts := make([]*domain.Account, len(rows))
	for i := range rows {
		accounts[i] = rows[i].toDomain()
	}
	return accounts, nil
}

func (a *AccountAdapter) ListUserIDsWithActiveAccount(ctx context.Context) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT user_id FROM mail_accounts
		WHERE status = 'active' AND sync_enabled = true`

	var ids []uuid.UUID
	if err := a.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("list users with active account: %w", err)
	}
	return ids, nil
}

// =============================================================================
// Mutations
// =============================================================================

func (a *AccountAdapter) UpdateStatus(ctx context.Context, id int64, status domain.AccountSyncStatus) error {
	query := `UPDATE mail_accounts SET status = $1, updated_at = NOW() WHERE id = $2`

	result, err := a.db.ExecContext(ctx, query, string(status), id)
	if err != nil {
		return fmt.Errorf("update account %d status: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStatus updates the status only when the stored value is still
// `from`. 실행 중 들어온 pause를 덮어쓰지 않기 위한 가드.
func (a *AccountAdapter) TransitionStatus(ctx context.Context, id int64, from, to domain.AccountSyncStatus) (bool, error) {
	query := `
		UPDATE mail_accounts
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`

	result, err := a.db.ExecContext(ctx, query, string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("transition account %d status: %w", id, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (a *AccountAdapter) UpdateHealth(ctx context.Context, id int64, health domain.AccountHealth, lastError string) error {
	query := `
		UPDATE mail_accounts
		SET health = $1, last_error = $2, updated_at = NOW()
		WHERE id = $3`

	_, err := a.db.ExecContext(ctx, query, string(health), nullStr(lastError), id)
	if err != nil {
		return fmt.Errorf("update account %d health: %w", id, err)
	}
	return nil
}

func (a *AccountAdapter) UpdateCursor(ctx context.Context, id int64, cursor string, syncedAt time.Time) error {
	query := `
		UPDATE mail_accounts
		SET sync_cursor = $1, last_sync_at = $2, updated_at = NOW()
		WHERE id = $3`

	_, err := a.db.ExecContext(ctx, query, cursor, syncedAt, id)
	if err != nil {
		return fmt.Errorf("update account %d cursor: %w", id, err)
	}
	return nil
}
