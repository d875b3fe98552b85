package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"mailhub_server/core/domain"
)

// =============================================================================
// Offline Operation Adapter (PostgreSQL)
// =============================================================================

// OperationAdapter implements out.OperationRepository.
type OperationAdapter struct {
	db *sqlx.DB
}

func NewOperationAdapter(db *sqlx.DB) *OperationAdapter {
	return &OperationAdapter{db: db}
}

const operationSelectColumns = `
	o.id, o.user_id, o.op_type, o.resource_type, o.resource_id,
	o.payload, o.status, o.priority, o.attempts,
	o.correlation_id, o.client_timestamp,
	o.error_code, o.last_error, o.created_at`

// operationRow represents the database row for offline_operations.
type operationRow struct {
	ID     uuid.UUID `db:"id"`
	UserID uuid.UUID `db:"user_id"`

	OpType       string `db:"op_type"`
	ResourceType string `db:"resource_type"`
	ResourceID   string `db:"resource_id"`

	Payload []byte `db:"payload"`

	Status   string `db:"status"`
	Priority int    `db:"priority"`
	Attempts int    `db:"attempts"`

	CorrelationID   sql.NullString `db:"correlation_id"`
	ClientTimestamp sql.NullTime   `db:"client_timestamp"`

	ErrorCode sql.NullString `db:"error_code"`
	LastError sql.NullString `db:"last_error"`

	CreatedAt time.Time `db:"created_at"`
}

func (r *operationRow) toDomain() *domain.QueuedOperation {
	op := &domain.QueuedOperation{
		ID:           r.ID,
		UserID:       r.UserID,
		Type:         domain.OperationType(r.OpType),
		ResourceType: domain.ResourceType(r.ResourceType),
		ResourceID:   r.ResourceID,
		Payload:      json.RawMessage(r.Payload),
		Status:       domain.OperationStatus(r.Status),
		Priority:     r.Priority,
		Attempts:     r.Attempts,
		CreatedAt:    r.CreatedAt,
	}
	if r.CorrelationID.Valid {
		op.CorrelationID = r.CorrelationID.String
	}
	if r.ClientTimestamp.Valid {
		t := r.ClientTimestamp.Time
		op.ClientTimestamp = &t
	}
	if r.ErrorCode.Valid {
		op.ErrorCode = r.ErrorCode.String
	}
	if r.LastError.Valid {
		op.LastError = r.LastError.String
	}
	return op
}

// =============================================================================
// CRUD
// =============================================================================

func (a *OperationAdapter) Create(ctx context.Context, op *domain.QueuedOperation) error {
	payload := op.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	query := `
		INSERT INTO offline_operations (
			id, user_id, op_type, resource_type, resource_id,
			payload, status, priority, attempts,
			correlation_id, client_timestamp, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := a.db.ExecContext(ctx, query,
		op.ID, op.UserID, string(op.Type), string(op.ResourceType), op.ResourceID,
		[]byte(payload), string(op.Status), op.Priority, op.Attempts,
		nullStr(op.CorrelationID), nullTimePtr(op.ClientTimestamp), op.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create operation: %w", err)
	}
	return nil
}

func (a *OperationAdapter) GetByID(ctx context.Context, id uuid.UUID) (*domain.QueuedOperation, error) {
	query := fmt.Sprintf(`SELECT %s FROM offline_operations o WHERE o.id = $1`, operationSelectColumns)

	var row operationRow
	if err := a.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get operation %s: %w", id, err)
	}
	return row.toDomain(), nil
}

func (a *OperationAdapter) Update(ctx context.Context, op *domain.QueuedOperation) error {
	query := `
		UPDATE offline_operations
		SET status = $1, attempts = $2, error_code = $3, last_error = $4
		WHERE id = $5`

	result, err := a.db.ExecContext(ctx, query,
		string(op.Status), op.Attempts, nullStr(op.ErrorCode), nullStr(op.LastError), op.ID)
	if err != nil {
		return fmt.Errorf("update operation %s: %w", op.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// =============================================================================
// Queries
// =============================================================================

func (a *OperationAdapter) GetByCorrelationID(ctx context.Context, userID uuid.UUID, correlationID string) (*domain.QueuedOperation, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM offline_operations o
		WHERE o.user_id = $1 AND o.correlation_id = $2
		LIMIT 1`, operationSelectColumns)

	var row operationRow
	if err := a.db.GetContext(ctx, &row, query, userID, correlationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get operation by correlation %q: %w", correlationID, err)
	}
	return row.toDomain(), nil
}

// GetPending returns pending plus retryable failed operations in apply order:
// priority desc, then enqueue order.
func (a *OperationAdapter) GetPending(ctx context.Context, userID uuid.UUID) ([]*domain.QueuedOperation, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM offline_operations o
		WHERE o.user_id = $1
		  AND (o.status = 'pending'
		       OR (o.status = 'failed' AND o.error_code = 'retryable' AND o.attempts < $2))
		ORDER BY o.priority DESC, o.created_at ASC`, operationSelectColumns)

	var rows []operationRow
	if err := a.db.SelectContext(ctx, &rows, query, userID, domain.OpMaxAttempts); err != nil {
		return nil, fmt.Errorf("get pending operations: %w", err)
	}
	ops := make([]*domain.QueuedOperation, len(rows))
	for i := range rows {
		ops[i] = rows[i].toDomain()
	}
	return ops, nil
}

func (a *OperationAdapter) CountByStatus(ctx context.Context, userID uuid.UUID) (*domain.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending')    AS pending,
			COUNT(*) FILTER (WHERE status = 'processing') AS processing,
			COUNT(*) FILTER (WHERE status = 'completed')  AS completed,
			COUNT(*) FILTER (WHERE status = 'failed')     AS failed
		FROM offline_operations
		WHERE user_id = $1`

	var row struct {
		Pending    int `db:"pending"`
		Processing int `db:"processing"`
		Completed  int `db:"completed"`
		Failed     int `db:"failed"`
	}
	if err := a.db.GetContext(ctx, &row, query, userID); err != nil {
		return nil, fmt.Errorf("count operations: %w", err)
	}
	return &domain.QueueStats{
		Pending:    row.Pending,
		Processing: row.Processing,
		Completed:  row.Completed,
		Failed:     row.Failed,
	}, nil
}

// =============================================================================
// Maintenance
// =============================================================================

// ResetFailed flips retryable failures back to pending. stale_target과 횟수
// 초과는 그대로 둡니다.
func (a *OperationAdapter) ResetFailed(ctx context.Context, userID uuid.UUID, maxAttempts int) (int64, error) {
	query := `
		UPDATE offline_operations
		SET status = 'pending', error_code = NULL, last_error = NULL
		WHERE user_id = $1 AND status = 'failed'
		  AND error_code = 'retryable' AND attempts < $2`

	result, err := a.db.ExecContext(ctx, query, userID, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("reset failed operations: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (a *OperationAdapter) DeleteCompleted(ctx context.Context, userID uuid.UUID) (int64, error) {
	query := `DELETE FROM offline_operations WHERE user_id = $1 AND status = 'completed'`

	result, err := a.db.ExecContext(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("delete completed operations: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
