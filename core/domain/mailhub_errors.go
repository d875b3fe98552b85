package domain

import "errors"

// Sentinel errors shared across the core components. API handlers map these
// onto apperr codes at the edge.
var (
	// ErrSyncInProgress - 같은 계정에 pending/syncing 상태의 실행이 이미 존재
	ErrSyncInProgress = errors.New("sync already in progress for account")

	// ErrInvalidTransition - 종료 상태의 SyncRun에 대한 전이 요청
	ErrInvalidTransition = errors.New("invalid sync run state transition")

	// ErrStaleTarget - 큐 작업의 대상이 서버 측 변경으로 이미 달라짐
	ErrStaleTarget = errors.New("operation target is stale")

	// ErrInvalidOperation - enqueue 검증 실패
	ErrInvalidOperation = errors.New("invalid queued operation")

	// ErrRunNotFound - 보존 기간 경과 포함
	ErrRunNotFound = errors.New("sync run not found")

	// ErrOperationNotFound - 존재하지 않는 큐 작업
	ErrOperationNotFound = errors.New("queued operation not found")

	// ErrAccountNotFound - 존재하지 않는 계정
	ErrAccountNotFound = errors.New("account not found")

	// ErrConnectionFailed - 연결 수준 오류. 실행 전체를 failed로 전이시킴.
	ErrConnectionFailed = errors.New("provider connection failed")
)
