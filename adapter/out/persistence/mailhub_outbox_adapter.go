package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"mailhub_server/core/domain"
)

// =============================================================================
// Outbox Adapter (PostgreSQL)
// =============================================================================

// OutboxAdapter implements out.OutboxRepository over outbound_replies and the
// read_dirty flag on messages.
type OutboxAdapter struct {
	db *sqlx.DB
}

func NewOutboxAdapter(db *sqlx.DB) *OutboxAdapter {
	return &OutboxAdapter{db: db}
}

type outboundReplyRow struct {
	ID         int64     `db:"id"`
	MessageID  int64     `db:"message_id"`
	UserID     uuid.UUID `db:"user_id"`
	AccountID  int64     `db:"account_id"`
	ExternalID string    `db:"external_id"`
	ReplyTo    string    `db:"reply_to"`
	Subject    string    `db:"subject"`
	Body       string    `db:"body"`
	Attempts   int       `db:"attempts"`
	CreatedAt  time.Time `db:"created_at"`
}

// ListPendingReplies returns staged replies in enqueue order, joined with the
// source message for the provider id and reply target.
func (a *OutboxAdapter) ListPendingReplies(ctx context.Context, limit int) ([]*domain.OutboundReply, error) {
	query := `
		SELECT r.id, r.message_id, r.user_id, r.subject, r.body, r.attempts, r.created_at,
		       m.account_id, m.external_id, m.from_email AS reply_to
		FROM outbound_replies r
		JOIN messages m ON m.id = r.message_id AND m.user_id = r.user_id
		WHERE r.status = 'pending' AND r.attempts < $1
		ORDER BY r.created_at ASC
		LIMIT $2`

	var rows []outboundReplyRow
	if err := a.db.SelectContext(ctx, &rows, query, domain.OutboundMaxAttempts, limit); err != nil {
		return nil, fmt.Errorf("list pending replies: %w", err)
	}
	replies := make([]*domain.OutboundReply, len(rows))
	for i, r := range rows {
		replies[i] = &domain.OutboundReply{
			ID:         r.ID,
			MessageID:  r.MessageID,
			UserID:     r.UserID,
			AccountID:  r.AccountID,
			ExternalID: r.ExternalID,
			ReplyTo:    r.ReplyTo,
			Subject:    r.Subject,
			Body:       r.Body,
			Attempts:   r.Attempts,
			CreatedAt:  r.CreatedAt,
		}
	}
	return replies, nil
}

func (a *OutboxAdapter) MarkReplySent(ctx context.Context, id int64) error {
	_, err := a.db.ExecContext(ctx, `
		UPDATE outbound_replies SET status = 'sent', sent_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark reply %d sent: %w", id, err)
	}
	return nil
}

func (a *OutboxAdapter) MarkReplyFailed(ctx context.Context, id int64, reason string, maxAttempts int) error {
	_, err := a.db.ExecContext(ctx, `
		UPDATE outbound_replies
		SET attempts = attempts + 1,
		    last_error = $2,
		    status = CASE WHEN attempts + 1 >= $3 THEN 'failed' ELSE 'pending' END
		WHERE id = $1`, id, reason, maxAttempts)
	if err != nil {
		return fmt.Errorf("mark reply %d failed: %w", id, err)
	}
	return nil
}

func (a *OutboxAdapter) ListUnsyncedReadStatus(ctx context.Context, limit int) ([]*domain.ReadStatusChange, error) {
	query := `
		SELECT m.id AS message_id, m.account_id, m.external_id, m.is_read
		FROM messages m
		WHERE m.read_dirty AND NOT m.is_trashed
		ORDER BY m.updated_at ASC
		LIMIT $1`

	var rows []struct {
		MessageID  int64  `db:"message_id"`
		AccountID  int64  `db:"account_id"`
		ExternalID string `db:"external_id"`
		IsRead     bool   `db:"is_read"`
	}
	if err := a.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("list unsynced read status: %w", err)
	}
	changes := make([]*domain.ReadStatusChange, len(rows))
	for i, r := range rows {
		changes[i] = &domain.ReadStatusChange{
			MessageID:  r.MessageID,
			AccountID:  r.AccountID,
			ExternalID: r.ExternalID,
			IsRead:     r.IsRead,
		}
	}
	return changes, nil
}

// MarkReadStatusSynced clears the dirty flag only while is_read still matches
// the value that was pushed. 전파 도중 또 바뀐 변경은 다음 패스가 민다.
func (a *OutboxAdapter) MarkReadStatusSynced(ctx context.Context, messageID int64, read bool) error {
	_, err := a.db.ExecContext(ctx, `
		UPDATE messages SET read_dirty = FALSE
		WHERE id = $1 AND is_read = $2`, messageID, read)
	if err != nil {
		return fmt.Errorf("mark read status synced for message %d: %w", messageID, err)
	}
	return nil
}
