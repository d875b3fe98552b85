// Package offline implements the durable staging queue for client-originated
// mutations applied against the canonical message store.
package offline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mailhub_server/core/domain"
	"mailhub_server/core/port/out"
	"mailhub_server/pkg/logger"
)

// =============================================================================
// Queue - 오프라인 작업 큐 관리자
// =============================================================================
//
// 클라이언트가 오프라인 중 쌓은 변경을 순서대로, 재시도와 함께, 중복 적용
// 없이 정식 저장소에 반영합니다. 리소스별 순서는 보존하고, 서로 다른
// 리소스는 동시에 처리할 수 있습니다.

const (
	// DefaultResourceConcurrency - 독립 리소스 동시 처리 상한
	DefaultResourceConcurrency = 4

	// replyDedupTTL - send_reply 중복 방지 키 보존 기간
	replyDedupTTL = 7 * 24 * time.Hour
)

// errInFlight - 다른 워커가 이미 클레임한 작업. 드레인에서는 성공으로
// 집계하지 않고 건너뛴다.
var errInFlight = errors.New("operation already being processed")

type Queue struct {
	ops     out.OperationRepository
	store   out.MessageStore
	deduper out.ReplyDeduper

	resourceConcurrency int
}

func NewQueue(ops out.OperationRepository, store out.MessageStore, deduper out.ReplyDeduper) *Queue {
	return &Queue{
		ops:                 ops,
		store:               store,
		deduper:             deduper,
		resourceConcurrency: DefaultResourceConcurrency,
	}
}

// SetResourceConcurrency overrides the per-drain resource parallelism.
func (q *Queue) SetResourceConcurrency(n int) {
	if n > 0 {
		q.resourceConcurrency = n
	}
}

// =============================================================================
// Enqueue
// =============================================================================

// Enqueue validates and persists a client operation as pending. Operations
// carrying a correlation id the queue has already seen return the existing
// entry instead of a duplicate.
func (q *Queue) Enqueue(ctx context.Context, op *domain.QueuedOperation) (*domain.QueuedOperation, error) {
	if err := validateOperation(op); err != nil {
		return nil, err
	}

	if op.CorrelationID != "" {
		existing, err := q.ops.GetByCorrelationID(ctx, op.UserID, op.CorrelationID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	op.ID = uuid.New()
	op.Status = domain.OpStatusPending
	op.Attempts = 0
	op.CreatedAt = time.Now()
	if op.Priority == 0 {
		op.Priority = domain.OpPriorityDefault
	}

	if err := q.ops.Create(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

func validateOperation(op *domain.QueuedOperation) error {
	if !domain.ValidOperationType(op.Type) {
		return fmt.Errorf("%w: unknown operation type %q", domain.ErrInvalidOperation, op.Type)
	}
	if !domain.ValidResourceType(op.ResourceType) {
		return fmt.Errorf("%w: unknown resource type %q", domain.ErrInvalidOperation, op.ResourceType)
	}
	// 이 코어가 적용할 수 있는 대상은 메시지 리소스뿐입니다. category/account
	// 리소스는 열거형으로는 유효하지만 적용 경로가 없으므로 enqueue에서 거부.
	if op.ResourceType != domain.ResourceMessage {
		return fmt.Errorf("%w: operation %s not applicable to resource type %s",
			domain.ErrInvalidOperation, op.Type, op.ResourceType)
	}
	if op.ResourceID == "" {
		return fmt.Errorf("%w: missing resource id", domain.ErrInvalidOperation)
	}
	if op.Priority < 0 || op.Priority > domain.OpPriorityMax {
		return fmt.Errorf("%w: priority %d out of range", domain.ErrInvalidOperation, op.Priority)
	}
	if op.Type == domain.OpSendReply && op.CorrelationID == "" {
		// 재전송 가드가 correlation id에서 유도되므로 필수
		return fmt.Errorf("%w: send_reply requires a correlation id", domain.ErrInvalidOperation)
	}
	if _, err := op.DecodePayload(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidOperation, err)
	}
	return nil
}

// =============================================================================
// Queries
// =============================================================================

// GetPendingOperations returns pending plus retryable failed operations,
// priority desc then creation asc.
func (q *Queue) GetPendingOperations(ctx context.Context, userID uuid.UUID) ([]*domain.QueuedOperation, error) {
	return q.ops.GetPending(ctx, userID)
}

// GetQueueStats returns counts by status.
func (q *Queue) GetQueueStats(ctx context.Context, userID uuid.UUID) (*domain.QueueStats, error) {
	return q.ops.CountByStatus(ctx, userID)
}

// =============================================================================
// Processing
// =============================================================================

// ProcessOperation applies one operation. Applying an already-completed
// operation is a safe no-op.
func (q *Queue) ProcessOperation(ctx context.Context, id uuid.UUID) error {
	op, err := q.ops.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if op == nil {
		return fmt.Errorf("operation %s: %w", id, domain.ErrOperationNotFound)
	}
	if err := q.process(ctx, op); err != nil && !errors.Is(err, errInFlight) {
		return err
	}
	return nil
}

func (q *Queue) process(ctx context.Context, op *domain.QueuedOperation) error {
	// 드레인이 넘겨주는 op는 조회 시점의 스냅샷이다. 조회와 적용 사이에
	// 다른 워커가 클레임했을 수 있으므로 현재 상태를 다시 읽는다.
	fresh, err := q.ops.GetByID(ctx, op.ID)
	if err != nil {
		return err
	}
	if fresh == nil {
		return errInFlight // 완료 후 정리됨
	}
	op = fresh

	switch op.Status {
	case domain.OpStatusCompleted:
		return nil // 멱등: 이미 적용됨
	case domain.OpStatusProcessing:
		return errInFlight
	case domain.OpStatusFailed:
		if !op.Retryable() {
			return fmt.Errorf("operation %s is not retryable: code=%s attempts=%d",
				op.ID, op.ErrorCode, op.Attempts)
		}
	}

	op.Status = domain.OpStatusProcessing
	op.Attempts++
	if err := q.ops.Update(ctx, op); err != nil {
		return err
	}

	applyErr := q.apply(ctx, op)
	if applyErr == nil {
		op.Status = domain.OpStatusCompleted
		op.ErrorCode = ""
		op.LastError = ""
		return q.ops.Update(ctx, op)
	}

	op.Status = domain.OpStatusFailed
	op.LastError = applyErr.Error()
	if errors.Is(applyErr, domain.ErrStaleTarget) {
		op.ErrorCode = domain.OpErrStaleTarget
	} else {
		op.ErrorCode = domain.OpErrRetryable
	}
	if err := q.ops.Update(ctx, op); err != nil {
		return err
	}
	return applyErr
}

// apply dispatches to the canonical-store mutation for the operation type.
func (q *Queue) apply(ctx context.Context, op *domain.QueuedOperation) error {
	msgID, err := strconv.ParseInt(op.ResourceID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad message id %q", domain.ErrStaleTarget, op.ResourceID)
	}

	msg, err := q.store.GetByID(ctx, msgID, op.UserID)
	if err != nil {
		return err
	}
	if err := checkStale(op, msg); err != nil {
		return err
	}

	switch op.Type {
	case domain.OpMarkRead:
		return q.store.UpdateReadStatus(ctx, msgID, op.UserID, true)
	case domain.OpMarkUnread:
		return q.store.UpdateReadStatus(ctx, msgID, op.UserID, false)
	case domain.OpArchive:
		return q.store.Archive(ctx, msgID, op.UserID, true)
	case domain.OpUnarchive:
		return q.store.Archive(ctx, msgID, op.UserID, false)
	case domain.OpCategorize:
		payload, err := op.DecodePayload()
		if err != nil {
			return err
		}
		return q.store.Categorize(ctx, msgID, op.UserID, payload.(*domain.CategorizePayload).Category)
	case domain.OpDelete:
		return q.store.Trash(ctx, msgID, op.UserID, false)
	case domain.OpSendReply:
		return q.sendReply(ctx, op, msgID)
	default:
		return fmt.Errorf("unhandled operation type %s", op.Type)
	}
}

// checkStale applies the conflict policy: the target is stale when it no
// longer exists, or when a server-side change landed after the operation's
// client timestamp and removed it from the state the client was acting on.
func checkStale(op *domain.QueuedOperation, msg *domain.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: message %s no longer exists", domain.ErrStaleTarget, op.ResourceID)
	}
	if op.ClientTimestamp == nil {
		return nil
	}
	if msg.IsTrashed && msg.AutoDeleted && msg.ServerUpdatedAt.After(*op.ClientTimestamp) {
		return fmt.Errorf("%w: message %d was auto-deleted after the operation was staged",
			domain.ErrStaleTarget, msg.ID)
	}
	return nil
}

// sendReply is the one non-idempotent mutation: a dedup key derived from the
// correlation id guarantees a retried operation sends at most one message.
func (q *Queue) sendReply(ctx context.Context, op *domain.QueuedOperation, msgID int64) error {
	payload, err := op.DecodePayload()
	if err != nil {
		return err
	}
	reply := payload.(*domain.SendReplyPayload)

	dedupKey := fmt.Sprintf("reply:%s:%s", op.UserID, op.CorrelationID)
	claimed, err := q.deduper.Claim(ctx, dedupKey, replyDedupTTL)
	if err != nil {
		return err
	}
	if !claimed {
		logger.Info("[Queue] Duplicate send_reply suppressed: correlation_id=%s", op.CorrelationID)
		return nil
	}

	if err := q.store.SendReply(ctx, msgID, op.UserID, reply.Body, reply.Subject, dedupKey); err != nil {
		// 전송이 저장소까지 도달하지 못했으므로 재시도 가능하도록 클레임 반환
		if relErr := q.deduper.Release(ctx, dedupKey); relErr != nil {
			logger.Warn("[Queue] Failed to release dedup key %s: %v", dedupKey, relErr)
		}
		return err
	}
	return nil
}

// =============================================================================
// Drain
// =============================================================================

// ProcessUserQueue drains all pending operations for a user: sequential per
// resource to preserve enqueue order, independent resources concurrent.
func (q *Queue) ProcessUserQueue(ctx context.Context, userID uuid.UUID) (*domain.QueueSummary, error) {
	pending, err := q.ops.GetPending(ctx, userID)
	if err != nil {
		return nil, err
	}

	// 리소스별 그룹. 저장소가 준 순서(priority desc, created asc)를 유지.
	groups := make(map[string][]*domain.QueuedOperation)
	var order []string
	for _, op := range pending {
		key := string(op.ResourceType) + ":" + op.ResourceID
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], op)
	}
	// 그룹 내부는 적용 순서대로: 우선순위가 같으면 생성 순
	for _, key := range order {
		sort.SliceStable(groups[key], func(i, j int) bool {
			a, b := groups[key][i], groups[key][j]
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return a.CreatedAt.Before(b.CreatedAt)
		})
	}

	var mu sync.Mutex
	summary := &domain.QueueSummary{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.resourceConcurrency)
	for _, key := range order {
		ops := groups[key]
		g.Go(func() error {
			for _, op := range ops {
				err := q.process(gctx, op)
				mu.Lock()
				summary.Processed++
				switch {
				case errors.Is(err, errInFlight):
					summary.Skipped++
				case err != nil:
					summary.Failed++
				default:
					summary.Succeeded++
				}
				mu.Unlock()
				if err != nil {
					// 순서 보존: 막힌 리소스의 나머지 작업은 건드리지 않음
					break
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	return summary, nil
}

// =============================================================================
// Maintenance
// =============================================================================

// RetryFailed resets retryable failed operations back to pending. Operations
// past the attempt cap or failed as stale_target stay failed and surfaced.
func (q *Queue) RetryFailed(ctx context.Context, userID uuid.UUID) (int64, error) {
	return q.ops.ResetFailed(ctx, userID, domain.OpMaxAttempts)
}

// ClearCompleted removes terminal completed entries to bound storage.
func (q *Queue) ClearCompleted(ctx context.Context, userID uuid.UUID) (int64, error) {
	return q.ops.DeleteCompleted(ctx, userID)
}
