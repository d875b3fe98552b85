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
	"mailhub_server/pkg/snowflake"
)

// =============================================================================
// Message Adapter (PostgreSQL)
// =============================================================================

// MessageAdapter implements out.MessageStore over the local mirror table.
//
// 모든 변경 쿼리는 (id, user_id)로 스코프를 좁혀 다른 사용자의 메시지를
// 건드릴 수 없게 합니다. 서버 측 변경은 server_updated_at을 갱신해 오프라인
// 큐의 충돌 판정에 쓰입니다.
type MessageAdapter struct {
	db *sqlx.DB
}

func NewMessageAdapter(db *sqlx.DB) *MessageAdapter {
	return &MessageAdapter{db: db}
}

const messageSelectColumns = `
	m.id, m.user_id, m.account_id, m.external_id,
	m.subject, m.from_email, m.from_name, m.snippet, m.folder,
	m.is_read, m.is_archived, m.is_trashed, m.category, m.auto_deleted,
	m.spam_score, m.reply_confidence, m.analyzed_at,
	m.server_updated_at, m.received_at, m.created_at, m.updated_at`

// messageRow represents the database row for messages.
type messageRow struct {
	ID         int64     `db:"id"`
	UserID     uuid.UUID `db:"user_id"`
	AccountID  int64     `db:"account_id"`
	ExternalID string    `db:"external_id"`

	Subject   string         `db:"subject"`
	FromEmail string         `db:"from_email"`
	FromName  sql.NullString `db:"from_name"`
	Snippet   sql.NullString `db:"snippet"`
	Folder    string         `db:"folder"`

	IsRead      bool           `db:"is_read"`
	IsArchived  bool           `db:"is_archived"`
	IsTrashed   bool           `db:"is_trashed"`
	Category    sql.NullString `db:"category"`
	AutoDeleted bool           `db:"auto_deleted"`

	SpamScore       sql.NullFloat64 `db:"spam_score"`
	ReplyConfidence sql.NullFloat64 `db:"reply_confidence"`
	AnalyzedAt      sql.NullTime    `db:"analyzed_at"`

	ServerUpdatedAt time.Time `db:"server_updated_at"`
	ReceivedAt      time.Time `db:"received_at"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r *messageRow) toDomain() *domain.Message {
	m := &domain.Message{
		ID:              r.ID,
		UserID:          r.UserID,
		AccountID:       r.AccountID,
		ExternalID:      r.ExternalID,
		Subject:         r.Subject,
		FromEmail:       r.FromEmail,
		Folder:          r.Folder,
		IsRead:          r.IsRead,
		IsArchived:      r.IsArchived,
		IsTrashed:       r.IsTrashed,
		AutoDeleted:     r.AutoDeleted,
		ServerUpdatedAt: r.ServerUpdatedAt,
		ReceivedAt:      r.ReceivedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.FromName.Valid {
		m.FromName = r.FromName.String
	}
	if r.Snippet.Valid {
		m.Snippet = r.Snippet.String
	}
	if r.Category.Valid {
		m.Category = r.Category.String
	}
	if r.SpamScore.Valid {
		m.SpamScore = &r.SpamScore.Float64
	}
	if r.ReplyConfidence.Valid {
		m.ReplyConfidence = &r.ReplyConfidence.Float64
	}
	if r.AnalyzedAt.Valid {
		t := r.AnalyzedAt.Time
		m.AnalyzedAt = &t
	}
	return m
}

// =============================================================================
// Reads
// =============================================================================

func (a *MessageAdapter) GetByID(ctx context.Context, id int64, userID uuid.UUID) (*domain.Message, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM messages m
		WHERE m.id = $1 AND m.user_id = $2`, messageSelectColumns)

	var row messageRow
	if err := a.db.GetContext(ctx, &row, query, id, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	return row.toDomain(), nil
}

func (a *MessageAdapter) GetByExternalID(ctx context.Context, accountID int64, externalID string) (*domain.Message, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM messages m
		WHERE m.account_id = $1 AND m.external_id = $2`, messageSelectColumns)

	var row messageRow
	if err := a.db.GetContext(ctx, &row, query, accountID, externalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get message by external id %q: %w", externalID, err)
	}
	return row.toDomain(), nil
}

// ListUnanalyzed returns inbox messages the pipeline has not scored, oldest
// first so a backlog drains in arrival order.
func (a *MessageAdapter) ListUnanalyzed(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Message, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM messages m
		WHERE m.user_id = $1 AND m.analyzed_at IS NULL
		  AND m.is_trashed = false AND m.folder = 'inbox'
		ORDER BY m.received_at ASC
		LIMIT $2`, messageSelectColumns)

	var rows []messageRow
	if err := a.db.SelectContext(ctx, &rows, query, userID, limit); err != nil {
		return nil, fmt.Errorf("list unanalyzed messages: %w", err)
	}
	messages := make([]*domain.Message, len(rows))
	for i := range rows {
		messages[i] = rows[i].toDomain()
	}
	return messages, nil
}

// =============================================================================
// Sync Path
// =============================================================================

// Upsert inserts or refreshes a mirror record by (account_id, external_id).
// xmax = 0 인 행은 이번 문장이 새로 삽입한 행입니다.
func (a *MessageAdapter) Upsert(ctx context.Context, msg *domain.Message) (bool, error) {
	query := `
		INSERT INTO messages (
			id, user_id, account_id, external_id,
			subject, from_email, from_name, snippet, folder,
			is_read, server_updated_at, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (account_id, external_id) DO UPDATE SET
			subject = EXCLUDED.subject,
			snippet = EXCLUDED.snippet,
			is_read = EXCLUDED.is_read,
			updated_at = NOW()
		RETURNING id, (xmax = 0) AS inserted`

	var result struct {
		ID       int64 `db:"id"`
		Inserted bool  `db:"inserted"`
	}
	err := a.db.QueryRowxContext(ctx, query,
		snowflake.ID(), msg.UserID, msg.AccountID, msg.ExternalID,
		msg.Subject, msg.FromEmail, nullStr(msg.FromName), nullStr(msg.Snippet), msg.Folder,
		msg.IsRead, msg.ServerUpdatedAt, msg.ReceivedAt,
	).StructScan(&result)
	if err != nil {
		return false, fmt.Errorf("upsert message %q: %w", msg.ExternalID, err)
	}
	msg.ID = result.ID
	return result.Inserted, nil
}

// =============================================================================
// Queue / Pipeline Mutations
// =============================================================================

// exec runs a single-message mutation and maps zero rows to ErrNotFound.
func (a *MessageAdapter) exec(ctx context.Context, query string, args ...any) error {
	result, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (a *MessageAdapter) UpdateReadStatus(ctx context.Context, id int64, userID uuid.UUID, read bool) error {
	// read_dirty가 디스패처의 프로바이더 전파 대상 표시. SET의 우변은 변경
	// 전 행 값을 보므로 실제로 값이 바뀔 때만 dirty가 선다.
	return a.exec(ctx, `
		UPDATE messages
		SET read_dirty = (is_read IS DISTINCT FROM $1) OR read_dirty,
		    is_read = $1, updated_at = NOW()
		WHERE id = $2 AND user_id = $3`, read, id, userID)
}

func (a *MessageAdapter) Archive(ctx context.Context, id int64, userID uuid.UUID, archived bool) error {
	return a.exec(ctx, `
		UPDATE messages SET is_archived = $1, updated_at = NOW()
		WHERE id = $2 AND user_id = $3`, archived, id, userID)
}

func (a *MessageAdapter) Categorize(ctx context.Context, id int64, userID uuid.UUID, category string) error {
	return a.exec(ctx, `
		UPDATE messages SET category = $1, updated_at = NOW()
		WHERE id = $2 AND user_id = $3`, category, id, userID)
}

func (a *MessageAdapter) Trash(ctx context.Context, id int64, userID uuid.UUID, autoDeleted bool) error {
	return a.exec(ctx, `
		UPDATE messages
		SET is_trashed = true, auto_deleted = $1,
		    server_updated_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND user_id = $3`, autoDeleted, id, userID)
}

func (a *MessageAdapter) Restore(ctx context.Context, id int64, userID uuid.UUID) error {
	return a.exec(ctx, `
		UPDATE messages
		SET is_trashed = false, auto_deleted = false,
		    server_updated_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND user_id = $2`, id, userID)
}

func (a *MessageAdapter) Delete(ctx context.Context, id int64, userID uuid.UUID) error {
	return a.exec(ctx, `
		DELETE FROM messages WHERE id = $1 AND user_id = $2`, id, userID)
}

func (a *MessageAdapter) SetAnalysis(ctx context.Context, id int64, userID uuid.UUID, spamScore, replyConfidence float64, at time.Time) error {
	return a.exec(ctx, `
		UPDATE messages
		SET spam_score = $1, reply_confidence = $2, analyzed_at = $3,
		    server_updated_at = NOW(), updated_at = NOW()
		WHERE id = $4 AND user_id = $5`, spamScore, replyConfidence, at, id, userID)
}

// =============================================================================
// Outbound Replies
// =============================================================================

// SendReply stages a reply in the outbox. dedup_key의 유니크 제약이 재시도에
// 의한 이중 전송을 막습니다: 충돌은 이미 보낸 답장이므로 성공으로 처리.
func (a *MessageAdapter) SendReply(ctx context.Context, id int64, userID uuid.UUID, body, subject, dedupKey string) error {
	query := `
		INSERT INTO outbound_replies (message_id, user_id, subject, body, dedup_key, status, created_at)
		SELECT m.id, m.user_id, $1, $2, $3, 'pending', NOW()
		FROM messages m
		WHERE m.id = $4 AND m.user_id = $5
		ON CONFLICT (dedup_key) DO NOTHING`

	result, err := a.db.ExecContext(ctx, query, subject, body, dedupKey, id, userID)
	if err != nil {
		return fmt.Errorf("stage reply for message %d: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// 중복 키(이미 전송됨)이거나 대상 메시지가 없는 경우. 구분을 위해
		// 메시지 존재 여부만 다시 확인합니다.
		msg, err := a.GetByID(ctx, id, userID)
		if err != nil {
			return err
		}
		if msg == nil {
			return ErrNotFound
		}
	}
	return nil
}
