package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mailhub_server/core/domain"
)

// =============================================================================
// Scheduler - 계정별 동기화 타이머
// =============================================================================
//
// 계정마다 취소 가능한 타이머 고루틴 하나를 유지합니다. 느린 동기화가 다른
// 계정의 틱을 막지 않도록 틱 처리도 타이머 고루틴 안에서 수행합니다.
// 전체 재스캔 타이머가 새로 연결된 계정을 주기적으로 집어 옵니다.

const (
	DefaultSyncInterval   = 5 * time.Minute
	DefaultRescanInterval = 15 * time.Minute
	DefaultBootDelay      = 10 * time.Second
	DefaultMaxConcurrent  = 5

	// DefaultFailureThreshold - 연속 실패 이 횟수에 도달하면 계정을 error로
	// 전이시키고 스케줄에서 제외합니다.
	DefaultFailureThreshold = 3
)

// SyncRunner executes one pass for one account.
type SyncRunner interface {
	Run(ctx context.Context, accountID int64) error
}

// AccountLoader is the slice of the account repository the scheduler needs.
type AccountLoader interface {
	GetByID(ctx context.Context, id int64) (*domain.Account, error)
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*domain.Account, error)
	FindSchedulable(ctx context.Context) ([]*domain.Account, error)
	UpdateStatus(ctx context.Context, id int64, status domain.AccountSyncStatus) error
	UpdateHealth(ctx context.Context, id int64, health domain.AccountHealth, lastError string) error
}

type SchedulerConfig struct {
	Enabled          bool
	DefaultInterval  time.Duration
	RescanInterval   time.Duration
	BootDelay        time.Duration
	MaxConcurrent    int
	FailureThreshold int
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Enabled:          true,
		DefaultInterval:  DefaultSyncInterval,
		RescanInterval:   DefaultRescanInterval,
		BootDelay:        DefaultBootDelay,
		MaxConcurrent:    DefaultMaxConcurrent,
		FailureThreshold: DefaultFailureThreshold,
	}
}

// SchedulerConfigPatch - 핫 리로드용 부분 설정
type SchedulerConfigPatch struct {
	Enabled         *bool
	DefaultInterval *time.Duration
	MaxConcurrent   *int
}

type accountTimer struct {
	stop chan struct{}
}

type Scheduler struct {
	accounts AccountLoader
	runner   SyncRunner
	log      zerolog.Logger

	mu       sync.Mutex
	cfg      SchedulerConfig
	timers   map[int64]*accountTimer
	failures map[int64]int
	started  bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(accounts AccountLoader, runner SyncRunner, cfg SchedulerConfig, log zerolog.Logger) *Scheduler {
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = DefaultSyncInterval
	}
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = DefaultRescanInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		accounts: accounts,
		runner:   runner,
		log:      log.With().Str("component", "sync_scheduler").Logger(),
		cfg:      cfg,
		timers:   make(map[int64]*accountTimer),
		failures: make(map[int64]int),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start begins scheduling: one pass after the boot delay, then a periodic
// rescan that picks up newly connected accounts.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.started = true
	bootDelay := s.cfg.BootDelay
	rescan := s.cfg.RescanInterval
	ctx := s.ctx
	s.mu.Unlock()

	s.log.Info().Dur("rescan_interval", rescan).Msg("scheduler starting")

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(bootDelay):
		}
		s.ScheduleAllAccounts()

		ticker := time.NewTicker(rescan)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ScheduleAllAccounts()
			}
		}
	}()
}

// Shutdown cancels every timer. Called on process termination.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	for id, t := range s.timers {
		close(t.stop)
		delete(s.timers, id)
	}
	s.started = false
	s.log.Info().Msg("scheduler stopped")
}

// UpdateConfig hot-reloads the default interval, enabled flag, and
// concurrency ceiling. Toggling enabled off tears everything down; on
// restarts scheduling.
func (s *Scheduler) UpdateConfig(patch SchedulerConfigPatch) {
	s.mu.Lock()
	if patch.DefaultInterval != nil && *patch.DefaultInterval > 0 {
		s.cfg.DefaultInterval = *patch.DefaultInterval
	}
	if patch.MaxConcurrent != nil && *patch.MaxConcurrent > 0 {
		s.cfg.MaxConcurrent = *patch.MaxConcurrent
	}
	var toggled *bool
	if patch.Enabled != nil && *patch.Enabled != s.cfg.Enabled {
		s.cfg.Enabled = *patch.Enabled
		toggled = patch.Enabled
	}
	s.mu.Unlock()

	if toggled == nil {
		return
	}
	if *toggled {
		s.mu.Lock()
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.mu.Unlock()
		s.Start()
	} else {
		s.Shutdown()
	}
}

// runCtx returns the current run context under the lock. UpdateConfig가
// disable→enable 토글에서 ctx를 교체하므로 직접 읽으면 안 된다.
func (s *Scheduler) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// =============================================================================
// Scheduling
// =============================================================================

// ScheduleAllAccounts loads every schedulable account and arms its timer.
// 필터에 걸리지 않은 계정은 건드리지 않습니다 (암묵적 해제 없음).
func (s *Scheduler) ScheduleAllAccounts() {
	ctx, cancel := context.WithTimeout(s.runCtx(), time.Minute)
	defer cancel()

	accounts, err := s.accounts.FindSchedulable(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load schedulable accounts")
		return
	}
	for _, a := range accounts {
		if a.Status == domain.AccountStatusPaused {
			continue // 명시적 resume을 기다림
		}
		s.scheduleWithInterval(a.ID, a.SyncInterval(s.defaultInterval()))
	}
	s.log.Info().Int("accounts", len(accounts)).Msg("scheduling pass complete")
}

// ScheduleAccount clears any existing timer for the account, arms a recurring
// timer at its configured interval, and triggers one sync immediately so a
// new account does not wait a full interval.
func (s *Scheduler) ScheduleAccount(ctx context.Context, accountID int64) error {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return domain.ErrAccountNotFound
	}
	s.scheduleWithInterval(accountID, account.SyncInterval(s.defaultInterval()))
	return nil
}

func (s *Scheduler) scheduleWithInterval(accountID int64, interval time.Duration) {
	s.mu.Lock()
	if old, ok := s.timers[accountID]; ok {
		close(old.stop)
	}
	t := &accountTimer{stop: make(chan struct{})}
	s.timers[accountID] = t
	ctx := s.ctx
	s.mu.Unlock()

	go func() {
		// 스케줄 직후 1회 즉시 동기화
		s.syncAccount(accountID)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stop:
				return
			case <-ticker.C:
				s.syncAccount(accountID)
			}
		}
	}()
}

// UnscheduleAccount cancels the timer; no-op when none exists.
func (s *Scheduler) UnscheduleAccount(accountID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[accountID]; ok {
		close(t.stop)
		delete(s.timers, accountID)
		s.log.Info().Int64("account_id", accountID).Msg("account unscheduled")
	}
}

// Scheduled reports whether the account currently has a timer.
func (s *Scheduler) Scheduled(accountID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[accountID]
	return ok
}

// =============================================================================
// Tick
// =============================================================================

// syncAccount runs one tick for the account. The overlap guard is the
// persisted "syncing" status: a tick landing while the previous run is still
// going is skipped, not queued.
func (s *Scheduler) syncAccount(accountID int64) {
	ctx, cancel := context.WithTimeout(s.runCtx(), 10*time.Minute)
	defer cancel()

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		s.log.Error().Err(err).Int64("account_id", accountID).Msg("failed to load account")
		return
	}
	if account == nil {
		s.UnscheduleAccount(accountID)
		return
	}
	if account.Status == domain.AccountStatusSyncing {
		s.log.Debug().Int64("account_id", accountID).Msg("tick skipped: sync in progress")
		return
	}

	err = s.runner.Run(ctx, accountID)
	if err == nil {
		s.resetFailures(accountID)
		return
	}
	if errors.Is(err, domain.ErrSyncInProgress) {
		return // 다른 경로(수동 트리거 등)가 이미 실행 중
	}

	s.log.Warn().Err(err).Int64("account_id", accountID).Msg("sync tick failed")
	s.recordFailure(ctx, accountID, err)
}

// recordFailure applies the escalation policy: transient failures retry on
// the next tick; FailureThreshold consecutive failures mark the account
// "error" and unschedule it so it is not hammered forever.
func (s *Scheduler) recordFailure(ctx context.Context, accountID int64, cause error) {
	s.mu.Lock()
	s.failures[accountID]++
	count := s.failures[accountID]
	threshold := s.cfg.FailureThreshold
	s.mu.Unlock()

	if count < threshold {
		return
	}

	s.log.Error().Int64("account_id", accountID).Int("consecutive_failures", count).
		Msg("failure threshold reached, isolating account")

	if err := s.accounts.UpdateStatus(ctx, accountID, domain.AccountStatusError); err != nil {
		s.log.Error().Err(err).Int64("account_id", accountID).Msg("failed to persist error status")
	}
	if err := s.accounts.UpdateHealth(ctx, accountID, domain.HealthError, cause.Error()); err != nil {
		s.log.Error().Err(err).Int64("account_id", accountID).Msg("failed to persist health")
	}
	s.UnscheduleAccount(accountID)
	s.resetFailures(accountID)
}

func (s *Scheduler) resetFailures(accountID int64) {
	s.mu.Lock()
	delete(s.failures, accountID)
	s.mu.Unlock()
}

func (s *Scheduler) defaultInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.DefaultInterval
}

func (s *Scheduler) maxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MaxConcurrent
}

// =============================================================================
// On-demand Triggers
// =============================================================================

// TriggerSync runs one sync outside the timer cadence.
func (s *Scheduler) TriggerSync(ctx context.Context, accountID int64) error {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return domain.ErrAccountNotFound
	}
	if account.Status == domain.AccountStatusSyncing {
		return domain.ErrSyncInProgress
	}
	return s.runner.Run(ctx, accountID)
}

type triggerWorker struct {
	s *Scheduler
}

func (w *triggerWorker) Do(ctx context.Context, accountID int64) error {
	if err := w.s.TriggerSync(ctx, accountID); err != nil &&
		!errors.Is(err, domain.ErrSyncInProgress) {
		w.s.log.Warn().Err(err).Int64("account_id", accountID).Msg("user-triggered sync failed")
	}
	return nil
}

// TriggerUserSync syncs all of a user's enabled accounts in a bounded pool so
// bulk triggers do not overwhelm downstream fetch clients.
func (s *Scheduler) TriggerUserSync(ctx context.Context, userID uuid.UUID) error {
	accounts, err := s.accounts.GetByUserID(ctx, userID)
	if err != nil {
		return err
	}

	p := pool.New[int64](s.maxConcurrent(), &triggerWorker{s: s}).WithContinueOnError()
	if err := p.Go(ctx); err != nil {
		return err
	}
	for _, a := range accounts {
		if !a.Settings.Enabled {
			continue
		}
		p.Submit(a.ID)
	}
	return p.Close(ctx)
}

// =============================================================================
// Pause / Resume
// =============================================================================

// PauseAccount persists paused status and drops the timer.
func (s *Scheduler) PauseAccount(ctx context.Context, accountID int64) error {
	if err := s.accounts.UpdateStatus(ctx, accountID, domain.AccountStatusPaused); err != nil {
		return err
	}
	s.UnscheduleAccount(accountID)
	return nil
}

// ResumeAccount persists active status and re-arms the timer.
func (s *Scheduler) ResumeAccount(ctx context.Context, accountID int64) error {
	if err := s.accounts.UpdateStatus(ctx, accountID, domain.AccountStatusActive); err != nil {
		return err
	}
	s.resetFailures(accountID)
	return s.ScheduleAccount(ctx, accountID)
}
