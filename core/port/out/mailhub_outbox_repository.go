package out

import (
	"context"

	"mailhub_server/core/domain"
)

// OutboxRepository - 프로바이더 전파 대기 변경의 저장소
//
// 오프라인 큐가 쌓아 둔 답장(outbound_replies)과 미러에만 적용된 읽음 상태를
// Dispatcher가 읽어 가는 창구입니다.
type OutboxRepository interface {
	// ListPendingReplies - 전송 대기 답장, 생성 순. 재시도 상한을 넘긴 행은
	// 제외된다.
	ListPendingReplies(ctx context.Context, limit int) ([]*domain.OutboundReply, error)

	MarkReplySent(ctx context.Context, id int64) error

	// MarkReplyFailed - 시도 횟수를 올리고, 상한 도달 시 failed로 종결한다.
	MarkReplyFailed(ctx context.Context, id int64, reason string, maxAttempts int) error

	// ListUnsyncedReadStatus - 프로바이더에 아직 반영되지 않은 읽음 상태 변경
	ListUnsyncedReadStatus(ctx context.Context, limit int) ([]*domain.ReadStatusChange, error)

	// MarkReadStatusSynced - 전파 완료 표시. 전파하는 사이 읽음 상태가 또
	// 바뀌었으면(read != 현재 값) 표시를 유지해 다음 패스에서 다시 민다.
	MarkReadStatusSynced(ctx context.Context, messageID int64, read bool) error
}
