package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mailhub_server/core/domain"
)

// countingRunner records Run calls and returns a scripted error.
type countingRunner struct {
	mu   sync.Mutex
	runs int
	err  error
}

func (r *countingRunner) Run(context.Context, int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	return r.err
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func (r *countingRunner) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func newTestScheduler(accounts *fakeAccounts, runner SyncRunner) *Scheduler {
	cfg := DefaultSchedulerConfig()
	cfg.BootDelay = time.Millisecond
	cfg.RescanInterval = time.Hour
	return NewScheduler(accounts, runner, cfg, zerolog.Nop())
}

// =============================================================================
// Tests
// =============================================================================

func TestScheduleAccountTriggersImmediateSync(t *testing.T) {
	account := testAccount(1)
	account.Settings.FrequencySec = 3600
	runner := &countingRunner{}
	s := newTestScheduler(newFakeAccounts(account), runner)
	defer s.Shutdown()

	if err := s.ScheduleAccount(context.Background(), account.ID); err != nil {
		t.Fatalf("ScheduleAccount: %v", err)
	}
	if !s.Scheduled(account.ID) {
		t.Fatal("account should have a timer")
	}
	// 새로 연결된 계정은 한 주기를 기다리지 않고 바로 동기화됨
	if !waitFor(t, time.Second, func() bool { return runner.count() >= 1 }) {
		t.Fatalf("immediate sync never fired (runs=%d)", runner.count())
	}
}

func TestScheduleAccountUnknown(t *testing.T) {
	s := newTestScheduler(newFakeAccounts(), &countingRunner{})
	defer s.Shutdown()

	if err := s.ScheduleAccount(context.Background(), 42); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("ScheduleAccount error = %v, want ErrAccountNotFound", err)
	}
}

func TestUnscheduleAccountStopsTicks(t *testing.T) {
	account := testAccount(1)
	account.Settings.FrequencySec = 0 // 기본 주기 사용
	runner := &countingRunner{}
	accounts := newFakeAccounts(account)

	cfg := DefaultSchedulerConfig()
	cfg.DefaultInterval = 20 * time.Millisecond
	cfg.RescanInterval = time.Hour
	s := NewScheduler(accounts, runner, cfg, zerolog.Nop())
	defer s.Shutdown()

	if err := s.ScheduleAccount(context.Background(), account.ID); err != nil {
		t.Fatalf("ScheduleAccount: %v", err)
	}
	if !waitFor(t, time.Second, func() bool { return runner.count() >= 2 }) {
		t.Fatalf("ticker never fired (runs=%d)", runner.count())
	}

	s.UnscheduleAccount(account.ID)
	if s.Scheduled(account.ID) {
		t.Fatal("timer should be gone")
	}
	before := runner.count()
	time.Sleep(100 * time.Millisecond)
	if after := runner.count(); after != before {
		t.Errorf("runs advanced after unschedule: %d -> %d", before, after)
	}

	// 없는 타이머 해제는 조용한 no-op
	s.UnscheduleAccount(account.ID)
	s.UnscheduleAccount(999)
}

func TestSyncTickSkipsWhileAlreadySyncing(t *testing.T) {
	account := testAccount(1)
	account.Status = domain.AccountStatusSyncing
	runner := &countingRunner{}
	s := newTestScheduler(newFakeAccounts(account), runner)
	defer s.Shutdown()

	s.syncAccount(account.ID)

	if runner.count() != 0 {
		t.Errorf("runner invoked %d times, want 0 (overlap guard)", runner.count())
	}
}

func TestSyncTickUnschedulesDeletedAccount(t *testing.T) {
	runner := &countingRunner{}
	s := newTestScheduler(newFakeAccounts(), runner)
	defer s.Shutdown()

	s.mu.Lock()
	s.timers[7] = &accountTimer{stop: make(chan struct{})}
	s.mu.Unlock()

	s.syncAccount(7)

	if s.Scheduled(7) {
		t.Error("deleted account should be unscheduled")
	}
	if runner.count() != 0 {
		t.Errorf("runner invoked %d times, want 0", runner.count())
	}
}

func TestConsecutiveFailuresEscalateToErrorStatus(t *testing.T) {
	account := testAccount(1)
	runner := &countingRunner{err: errors.New("mailbox unreachable")}
	accounts := newFakeAccounts(account)
	s := newTestScheduler(accounts, runner)
	defer s.Shutdown()

	s.mu.Lock()
	s.timers[account.ID] = &accountTimer{stop: make(chan struct{})}
	s.mu.Unlock()

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		s.syncAccount(account.ID)
		if got := accounts.get(account.ID); got.Status != domain.AccountStatusActive {
			t.Fatalf("after %d failures status = %s, want still active", i+1, got.Status)
		}
	}

	s.syncAccount(account.ID)

	got := accounts.get(account.ID)
	if got.Status != domain.AccountStatusError {
		t.Errorf("status = %s, want error at threshold", got.Status)
	}
	if got.Health != domain.HealthError {
		t.Errorf("health = %s, want error", got.Health)
	}
	if got.LastError == "" {
		t.Error("last error should carry the failure reason")
	}
	if s.Scheduled(account.ID) {
		t.Error("escalated account should be unscheduled")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	account := testAccount(1)
	runner := &countingRunner{err: errors.New("flaky")}
	accounts := newFakeAccounts(account)
	s := newTestScheduler(accounts, runner)
	defer s.Shutdown()

	s.syncAccount(account.ID)
	s.syncAccount(account.ID)
	runner.setErr(nil)
	s.syncAccount(account.ID) // 성공이 연속 실패 카운트를 리셋
	runner.setErr(errors.New("flaky"))
	s.syncAccount(account.ID)
	s.syncAccount(account.ID)

	if got := accounts.get(account.ID); got.Status != domain.AccountStatusActive {
		t.Errorf("status = %s, want active (no escalation after reset)", got.Status)
	}
}

func TestSyncInProgressDoesNotCountAsFailure(t *testing.T) {
	account := testAccount(1)
	runner := &countingRunner{err: domain.ErrSyncInProgress}
	accounts := newFakeAccounts(account)
	s := newTestScheduler(accounts, runner)
	defer s.Shutdown()

	for i := 0; i < DefaultFailureThreshold+1; i++ {
		s.syncAccount(account.ID)
	}

	if got := accounts.get(account.ID); got.Status != domain.AccountStatusError {
		return // 정상: 에스컬레이션 없음
	}
	t.Error("overlapping syncs must not escalate the account")
}

func TestScheduleAllAccountsSkipsPausedAndDisabled(t *testing.T) {
	active := testAccount(1)
	paused := testAccount(2)
	paused.Status = domain.AccountStatusPaused
	disabled := testAccount(3)
	disabled.Settings.Enabled = false
	errored := testAccount(4)
	errored.Status = domain.AccountStatusError

	runner := &countingRunner{}
	s := newTestScheduler(newFakeAccounts(active, paused, disabled, errored), runner)
	defer s.Shutdown()

	s.ScheduleAllAccounts()

	if !s.Scheduled(active.ID) {
		t.Error("active account should be scheduled")
	}
	for _, a := range []*domain.Account{paused, disabled, errored} {
		if s.Scheduled(a.ID) {
			t.Errorf("account %d (status=%s enabled=%t) should not be scheduled",
				a.ID, a.Status, a.Settings.Enabled)
		}
	}
}

func TestTriggerSyncRejectsWhileSyncing(t *testing.T) {
	account := testAccount(1)
	account.Status = domain.AccountStatusSyncing
	runner := &countingRunner{}
	s := newTestScheduler(newFakeAccounts(account), runner)
	defer s.Shutdown()

	if err := s.TriggerSync(context.Background(), account.ID); !errors.Is(err, domain.ErrSyncInProgress) {
		t.Fatalf("TriggerSync error = %v, want ErrSyncInProgress", err)
	}
	if runner.count() != 0 {
		t.Errorf("runner invoked %d times, want 0", runner.count())
	}
}

func TestTriggerUserSyncRunsEnabledAccounts(t *testing.T) {
	a1 := testAccount(1)
	a2 := testAccount(2)
	a2.UserID = a1.UserID
	a2.Settings.Enabled = false
	runner := &countingRunner{}
	s := newTestScheduler(newFakeAccounts(a1, a2), runner)
	defer s.Shutdown()

	if err := s.TriggerUserSync(context.Background(), a1.UserID); err != nil {
		t.Fatalf("TriggerUserSync: %v", err)
	}
	if runner.count() != 1 {
		t.Errorf("runner invoked %d times, want 1 (disabled account skipped)", runner.count())
	}
}

func TestPauseAndResume(t *testing.T) {
	account := testAccount(1)
	account.Settings.FrequencySec = 3600
	runner := &countingRunner{}
	accounts := newFakeAccounts(account)
	s := newTestScheduler(accounts, runner)
	defer s.Shutdown()

	ctx := context.Background()
	if err := s.ScheduleAccount(ctx, account.ID); err != nil {
		t.Fatalf("ScheduleAccount: %v", err)
	}

	if err := s.PauseAccount(ctx, account.ID); err != nil {
		t.Fatalf("PauseAccount: %v", err)
	}
	if s.Scheduled(account.ID) {
		t.Error("paused account should be unscheduled")
	}
	if got := accounts.get(account.ID); got.Status != domain.AccountStatusPaused {
		t.Errorf("status = %s, want paused", got.Status)
	}

	if err := s.ResumeAccount(ctx, account.ID); err != nil {
		t.Fatalf("ResumeAccount: %v", err)
	}
	if !s.Scheduled(account.ID) {
		t.Error("resumed account should be rescheduled")
	}
	if got := accounts.get(account.ID); got.Status != domain.AccountStatusActive {
		t.Errorf("status = %s, want active", got.Status)
	}
}

func TestUpdateConfigDisableTearsDownTimers(t *testing.T) {
	account := testAccount(1)
	account.Settings.FrequencySec = 3600
	runner := &countingRunner{}
	s := newTestScheduler(newFakeAccounts(account), runner)

	if err := s.ScheduleAccount(context.Background(), account.ID); err != nil {
		t.Fatalf("ScheduleAccount: %v", err)
	}

	off := false
	s.UpdateConfig(SchedulerConfigPatch{Enabled: &off})
	if s.Scheduled(account.ID) {
		t.Error("disabling the scheduler should drop all timers")
	}
}

func TestUpdateConfigReEnableResumesTicking(t *testing.T) {
	account := testAccount(1)
	account.Settings.FrequencySec = 0 // 기본 주기 사용
	runner := &countingRunner{}

	cfg := DefaultSchedulerConfig()
	cfg.DefaultInterval = 20 * time.Millisecond
	cfg.RescanInterval = time.Hour
	s := NewScheduler(newFakeAccounts(account), runner, cfg, zerolog.Nop())
	defer s.Shutdown()

	off, on := false, true
	s.UpdateConfig(SchedulerConfigPatch{Enabled: &off})
	s.UpdateConfig(SchedulerConfigPatch{Enabled: &on})

	// 재활성화 뒤 잡힌 타이머는 새 실행 컨텍스트로 계속 돌아야 한다
	if err := s.ScheduleAccount(context.Background(), account.ID); err != nil {
		t.Fatalf("ScheduleAccount: %v", err)
	}
	if !waitFor(t, time.Second, func() bool { return runner.count() >= 3 }) {
		t.Fatalf("ticker stalled after re-enable (runs=%d)", runner.count())
	}
}
