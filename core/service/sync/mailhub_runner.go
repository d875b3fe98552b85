package sync

import (
	"context"
	"fmt"
	"time"

	"mailhub_server/core/domain"
	"mailhub_server/core/port/out"
	"mailhub_server/pkg/logger"
)

// =============================================================================
// Runner - 계정 1개에 대한 동기화 1회 실행
// =============================================================================
//
// 커서 이후의 새 메시지를 페이지 단위로 가져와 미러에 저장합니다. 메시지
// 단위 오류는 실행을 중단시키지 않고 오류 목록에 쌓이며, 연결 수준 오류만
// 실행 전체를 failed로 보냅니다. 배치 사이마다 취소 플래그를 확인합니다.

const (
	DefaultBatchSize      = 100
	DefaultMaxPerRun      = 500 // 실행 1회당 최대 저장 메시지 수
	DefaultConnectTimeout = 30 * time.Second
)

type RunnerConfig struct {
	BatchSize      int
	MaxPerRun      int
	ConnectTimeout time.Duration
}

func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		BatchSize:      DefaultBatchSize,
		MaxPerRun:      DefaultMaxPerRun,
		ConnectTimeout: DefaultConnectTimeout,
	}
}

type Runner struct {
	accounts out.AccountRepository
	creds    out.CredentialStore
	clients  out.FetchClientFactory
	tracker  *Tracker
	store    out.MessageStore
	bodies   out.MessageBodyStore
	cfg      RunnerConfig
}

func NewRunner(
	accounts out.AccountRepository,
	creds out.CredentialStore,
	clients out.FetchClientFactory,
	tracker *Tracker,
	store out.MessageStore,
	bodies out.MessageBodyStore,
	cfg RunnerConfig,
) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxPerRun <= 0 {
		cfg.MaxPerRun = DefaultMaxPerRun
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Runner{
		accounts: accounts,
		creds:    creds,
		clients:  clients,
		tracker:  tracker,
		store:    store,
		bodies:   bodies,
		cfg:      cfg,
	}
}

// Run executes one synchronization pass for the account.
func (r *Runner) Run(ctx context.Context, accountID int64) error {
	account, err := r.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return domain.ErrAccountNotFound
	}

	syncType := domain.SyncTypeIncremental
	if account.Settings.Cursor == "" {
		syncType = domain.SyncTypeInitial
	}

	run, err := r.tracker.CreateRun(ctx, account.ID, account.UserID, syncType)
	if err != nil {
		return err
	}

	// active에서만 syncing으로 진입한다. paused 계정의 수동 트리거는 상태를
	// 건드리지 않고 실행만 한다.
	entered, err := r.accounts.TransitionStatus(ctx, account.ID, domain.AccountStatusActive, domain.AccountStatusSyncing)
	if err != nil {
		logger.Warn("[Runner] Failed to mark account %d syncing: %v", account.ID, err)
	}
	// 실행이 어떻게 끝나든 syncing 상태는 해제 - 단, 실행 중 pause 등으로
	// 상태가 이미 바뀌었으면 그대로 둔다
	defer func() {
		if !entered {
			return
		}
		if _, err := r.accounts.TransitionStatus(context.WithoutCancel(ctx), account.ID,
			domain.AccountStatusSyncing, domain.AccountStatusActive); err != nil {
			logger.Warn("[Runner] Failed to clear syncing status for account %d: %v", account.ID, err)
		}
	}()

	session, err := r.connect(ctx, account)
	if err != nil {
		r.failRun(ctx, run, account, err)
		return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	defer session.Close()

	if err := r.tracker.MarkSyncing(ctx, run); err != nil {
		// 외부 취소가 pending 단계에서 먼저 도착한 경우
		logger.Info("[Runner] Run %s not started: %v", run.ID, err)
		return nil
	}

	cursor, err := r.drainPages(ctx, run, account, session)
	if err != nil {
		r.failRun(ctx, run, account, err)
		return err
	}

	if run.Status == domain.SyncRunCancelled {
		// 부분 진행 카운트는 롤백하지 않고 그대로 남김
		logger.Info("[Runner] Run %s cancelled after %d messages", run.ID, run.Counts.Processed)
		return nil
	}

	if cursor != "" {
		if err := r.accounts.UpdateCursor(ctx, account.ID, cursor, time.Now()); err != nil {
			logger.Error("[Runner] Failed to advance cursor for account %d: %v", account.ID, err)
		}
	}

	health := domain.HealthHealthy
	if run.Counts.Failed > 0 {
		health = domain.HealthDegraded
	}
	if err := r.accounts.UpdateHealth(ctx, account.ID, health, ""); err != nil {
		logger.Warn("[Runner] Failed to update health for account %d: %v", account.ID, err)
	}

	if err := r.tracker.Complete(ctx, run); err != nil {
		return err
	}

	logger.Info("[Runner] Account %d synced: %d processed, %d stored, %d failed",
		account.ID, run.Counts.Processed, run.Counts.Stored, run.Counts.Failed)
	return nil
}

func (r *Runner) connect(ctx context.Context, account *domain.Account) (out.FetchSession, error) {
	creds, err := r.creds.GetByAccountID(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	client, err := r.clients.ForProtocol(account.Protocol)
	if err != nil {
		return nil, err
	}
	connectCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()
	return client.Connect(connectCtx, creds)
}

// drainPages pages messages since the account cursor and stores them. Returns
// the cursor to persist. 목록/저장 루프. 배치마다 진행 상황을 기록하고 취소를
// 확인합니다.
func (r *Runner) drainPages(ctx context.Context, run *domain.SyncRun, account *domain.Account, session out.FetchSession) (string, error) {
	cursor := account.Settings.Cursor
	run.Batch.Size = r.cfg.BatchSize

	for {
		cancelled, err := r.tracker.Cancelled(ctx, run.ID)
		if err != nil {
			return cursor, err
		}
		if cancelled {
			run.Status = domain.SyncRunCancelled
			return cursor, r.tracker.SaveProgress(ctx, run)
		}

		page, err := session.ListSince(ctx, cursor, r.cfg.BatchSize)
		if err != nil {
			return cursor, fmt.Errorf("list messages: %w", err)
		}

		run.Batch.Current++
		run.Counts.Total += len(page.Messages)

		for _, pm := range page.Messages {
			run.Counts.Processed++
			created, err := r.storeMessage(ctx, account, pm)
			if err != nil {
				run.Counts.Failed++
				run.AddError(pm.ExternalID, err.Error())
				continue
			}
			if created {
				run.Counts.Stored++
			}
		}

		if page.NextCursor != "" {
			cursor = page.NextCursor
		}
		run.Batch.Total = run.Batch.Current
		if page.HasMore {
			run.Batch.Total++ // 최소 한 배치 더 남음
		}
		if err := r.tracker.SaveProgress(ctx, run); err != nil {
			logger.Warn("[Runner] Failed to save progress for run %s: %v", run.ID, err)
		}

		if !page.HasMore || run.Counts.Processed >= r.cfg.MaxPerRun {
			return cursor, nil
		}
	}
}

func (r *Runner) storeMessage(ctx context.Context, account *domain.Account, pm *out.ProviderMessage) (bool, error) {
	msg := &domain.Message{
		UserID:          account.UserID,
		AccountID:       account.ID,
		ExternalID:      pm.ExternalID,
		Subject:         pm.Subject,
		FromEmail:       pm.FromEmail,
		FromName:        pm.FromName,
		Snippet:         pm.Snippet,
		Folder:          pm.Folder,
		IsRead:          pm.IsRead,
		ServerUpdatedAt: time.Now(),
		ReceivedAt:      pm.ReceivedAt,
	}
	if msg.Folder == "" {
		msg.Folder = "inbox"
	}

	created, err := r.store.Upsert(ctx, msg)
	if err != nil {
		return false, err
	}

	if created && (pm.HTML != "" || pm.Text != "") {
		body := &domain.MessageBody{
			MessageID: msg.ID,
			AccountID: account.ID,
			HTML:      pm.HTML,
			Text:      pm.Text,
			FetchedAt: time.Now(),
		}
		if err := r.bodies.Save(ctx, body); err != nil {
			// 본문 저장 실패는 메시지 오류로만 기록
			return created, fmt.Errorf("save body: %w", err)
		}
	}
	return created, nil
}

func (r *Runner) failRun(ctx context.Context, run *domain.SyncRun, account *domain.Account, cause error) {
	if err := r.tracker.Fail(ctx, run, cause.Error()); err != nil {
		logger.Error("[Runner] Failed to mark run %s failed: %v", run.ID, err)
	}
	if err := r.accounts.UpdateHealth(ctx, account.ID, domain.HealthError, cause.Error()); err != nil {
		logger.Warn("[Runner] Failed to update health for account %d: %v", account.ID, err)
	}
}
