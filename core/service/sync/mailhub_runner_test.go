package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"mailhub_server/core/domain"
	"mailhub_server/core/port/out"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[int64]*domain.Account
}

func newFakeAccounts(accounts ...*domain.Account) *fakeAccounts {
	f := &fakeAccounts{accounts: make(map[int64]*domain.Account)}
	for _, a := range accounts {
		f.accounts[a.ID] = a
	}
	return f
}

func (f *fakeAccounts) GetByID(_ context.Context, id int64) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

func (f *fakeAccounts) GetByUserID(_ context.Context, userID uuid.UUID) ([]*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Account
	for _, a := range f.accounts {
		if a.UserID == userID {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

func (f *fakeAccounts) FindSchedulable(_ context.Context) ([]*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Account
	for _, a := range f.accounts {
		if a.Schedulable() {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

func (f *fakeAccounts) ListUserIDsWithActiveAccount(_ context.Context) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, a := range f.accounts {
		if a.Status == domain.AccountStatusActive && !seen[a.UserID] {
			seen[a.UserID] = true
			out = append(out, a.UserID)
		}
	}
	return out, nil
}

func (f *fakeAccounts) UpdateStatus(_ context.Context, id int64, status domain.AccountSyncStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.accounts[id]; ok {
		a.Status = status
	}
	return nil
}

func (f *fakeAccounts) TransitionStatus(_ context.Context, id int64, from, to domain.AccountSyncStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok || a.Status != from {
		return false, nil
	}
	a.Status = to
	return true, nil
}

func (f *fakeAccounts) UpdateHealth(_ context.Context, id int64, health domain.AccountHealth, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.accounts[id]; ok {
		a.Health = health
		a.LastError = lastError
	}
	return nil
}

func (f *fakeAccounts) UpdateCursor(_ context.Context, id int64, cursor string, syncedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.accounts[id]; ok {
		a.Settings.Cursor = cursor
		a.LastSyncAt = syncedAt
	}
	return nil
}

func (f *fakeAccounts) get(id int64) *domain.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *f.accounts[id]
	return &c
}

type fakeCredStore struct{}

func (fakeCredStore) GetByAccountID(_ context.Context, accountID int64) (*domain.Credentials, error) {
	return &domain.Credentials{AccountID: accountID, AccessToken: "token"}, nil
}

// fakeSession serves a fixed page sequence and can run a hook per page.
type fakeSession struct {
	pages  []*out.ProviderPage
	onPage func(n int)

	mu    sync.Mutex
	calls int
}

func (s *fakeSession) ListSince(_ context.Context, _ string, _ int) (*out.ProviderPage, error) {
	s.mu.Lock()
	n := s.calls
	s.calls++
	s.mu.Unlock()
	if s.onPage != nil {
		s.onPage(n)
	}
	if n >= len(s.pages) {
		return &out.ProviderPage{}, nil
	}
	return s.pages[n], nil
}

func (s *fakeSession) MarkRead(context.Context, string, bool) error { return nil }
func (s *fakeSession) Send(context.Context, *out.OutgoingReply) error {
	return nil
}
func (s *fakeSession) Close() error { return nil }

type fakeFetchClient struct {
	session    *fakeSession
	connectErr error
}

func (c *fakeFetchClient) Protocol() domain.Protocol { return domain.ProtocolGmail }
func (c *fakeFetchClient) Connect(context.Context, *domain.Credentials) (out.FetchSession, error) {
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	return c.session, nil
}

type fakeFactory struct{ client out.FetchClient }

func (f *fakeFactory) ForProtocol(domain.Protocol) (out.FetchClient, error) {
	return f.client, nil
}

// fakeMessageStore records upserts; failOn makes one external id fail.
type fakeMessageStore struct {
	mu     sync.Mutex
	nextID int64
	byExt  map[string]*domain.Message
	failOn string
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{byExt: make(map[string]*domain.Message)}
}

func (f *fakeMessageStore) GetByID(context.Context, int64, uuid.UUID) (*domain.Message, error) {
	return nil, nil
}

func (f *fakeMessageStore) GetByExternalID(_ context.Context, _ int64, externalID string) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byExt[externalID], nil
}

func (f *fakeMessageStore) ListUnanalyzed(context.Context, uuid.UUID, int) ([]*domain.Message, error) {
	return nil, nil
}

func (f *fakeMessageStore) Upsert(_ context.Context, msg *domain.Message) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.ExternalID == f.failOn {
		return false, errors.New("storage rejected message")
	}
	if existing, ok := f.byExt[msg.ExternalID]; ok {
		msg.ID = existing.ID
		return false, nil
	}
	f.nextID++
	msg.ID = f.nextID
	c := *msg
	f.byExt[msg.ExternalID] = &c
	return true, nil
}

func (f *fakeMessageStore) UpdateReadStatus(context.Context, int64, uuid.UUID, bool) error {
	return nil
}
func (f *fakeMessageStore) Archive(context.Context, int64, uuid.UUID, bool) error    { return nil }
func (f *fakeMessageStore) Categorize(context.Context, int64, uuid.UUID, string) error { return nil }
func (f *fakeMessageStore) Trash(context.Context, int64, uuid.UUID, bool) error      { return nil }
func (f *fakeMessageStore) Restore(context.Context, int64, uuid.UUID) error          { return nil }
func (f *fakeMessageStore) Delete(context.Context, int64, uuid.UUID) error           { return nil }
func (f *fakeMessageStore) SetAnalysis(context.Context, int64, uuid.UUID, float64, float64, time.Time) error {
	return nil
}
func (f *fakeMessageStore) SendReply(context.Context, int64, uuid.UUID, string, string, string) error {
	return nil
}

type fakeBodyStore struct {
	mu    sync.Mutex
	saved int
}

func (f *fakeBodyStore) Save(context.Context, *domain.MessageBody) error {
	f.mu.Lock()
	f.saved++
	f.mu.Unlock()
	return nil
}
func (f *fakeBodyStore) Get(context.Context, int64) (*domain.MessageBody, error) { return nil, nil }
func (f *fakeBodyStore) DeleteByAccount(context.Context, int64) error            { return nil }

// =============================================================================
// Helpers
// =============================================================================

func testAccount(id int64) *domain.Account {
	return &domain.Account{
		ID:       id,
		UserID:   uuid.New(),
		Email:    fmt.Sprintf("user%d@example.com", id),
		Protocol: domain.ProtocolGmail,
		Settings: domain.SyncSettings{Enabled: true},
		Status:   domain.AccountStatusActive,
		Health:   domain.HealthHealthy,
	}
}

func providerMessages(prefix string, n int) []*out.ProviderMessage {
	msgs := make([]*out.ProviderMessage, n)
	for i := range msgs {
		msgs[i] = &out.ProviderMessage{
			ExternalID: fmt.Sprintf("%s-%d", prefix, i),
			Subject:    "hello",
			FromEmail:  "sender@example.com",
			Text:       "body",
			ReceivedAt: time.Now(),
		}
	}
	return msgs
}

type runnerFixture struct {
	accounts *fakeAccounts
	repo     *fakeRunRepo
	tracker  *Tracker
	store    *fakeMessageStore
	bodies   *fakeBodyStore
	runner   *Runner
}

func newRunnerFixture(account *domain.Account, session *fakeSession, connectErr error) *runnerFixture {
	accounts := newFakeAccounts(account)
	repo := newFakeRunRepo()
	tracker := NewTracker(repo)
	store := newFakeMessageStore()
	bodies := &fakeBodyStore{}
	runner := NewRunner(accounts, fakeCredStore{},
		&fakeFactory{client: &fakeFetchClient{session: session, connectErr: connectErr}},
		tracker, store, bodies, RunnerConfig{BatchSize: 2, MaxPerRun: 100, ConnectTimeout: time.Second})
	return &runnerFixture{accounts: accounts, repo: repo, tracker: tracker, store: store, bodies: bodies, runner: runner}
}

func (fx *runnerFixture) lastRun(t *testing.T, userID uuid.UUID) *domain.SyncRun {
	t.Helper()
	runs, err := fx.repo.GetRecentByUser(context.Background(), userID, 1)
	if err != nil || len(runs) == 0 {
		t.Fatalf("no runs recorded (err=%v)", err)
	}
	return runs[0]
}

// =============================================================================
// Tests
// =============================================================================

func TestRunStoresAllPagesAndAdvancesCursor(t *testing.T) {
	account := testAccount(1)
	session := &fakeSession{pages: []*out.ProviderPage{
		{Messages: providerMessages("a", 2), NextCursor: "c1", HasMore: true},
		{Messages: providerMessages("b", 2), NextCursor: "c2", HasMore: false},
	}}
	fx := newRunnerFixture(account, session, nil)

	if err := fx.runner.Run(context.Background(), account.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	run := fx.lastRun(t, account.UserID)
	if run.Status != domain.SyncRunCompleted {
		t.Errorf("run status = %s, want completed", run.Status)
	}
	if run.Counts.Processed != 4 || run.Counts.Stored != 4 || run.Counts.Failed != 0 {
		t.Errorf("counts = %+v, want 4 processed / 4 stored / 0 failed", run.Counts)
	}
	if run.Type != domain.SyncTypeInitial {
		t.Errorf("run type = %s, want initial (empty cursor)", run.Type)
	}

	got := fx.accounts.get(account.ID)
	if got.Settings.Cursor != "c2" {
		t.Errorf("cursor = %q, want c2", got.Settings.Cursor)
	}
	if got.Status != domain.AccountStatusActive {
		t.Errorf("account status = %s, want active after run", got.Status)
	}
	if got.Health != domain.HealthHealthy {
		t.Errorf("health = %s, want healthy", got.Health)
	}
	if fx.bodies.saved != 4 {
		t.Errorf("bodies saved = %d, want 4", fx.bodies.saved)
	}
}

func TestRunPerMessageErrorsDoNotAbort(t *testing.T) {
	account := testAccount(1)
	session := &fakeSession{pages: []*out.ProviderPage{
		{Messages: providerMessages("m", 3), HasMore: false},
	}}
	fx := newRunnerFixture(account, session, nil)
	fx.store.failOn = "m-1"

	if err := fx.runner.Run(context.Background(), account.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	run := fx.lastRun(t, account.UserID)
	if run.Status != domain.SyncRunCompleted {
		t.Errorf("run status = %s, want completed despite message failure", run.Status)
	}
	if run.Counts.Processed != 3 || run.Counts.Stored != 2 || run.Counts.Failed != 1 {
		t.Errorf("counts = %+v, want 3/2/1", run.Counts)
	}
	if len(run.Errors) != 1 || run.Errors[0].MessageID != "m-1" {
		t.Errorf("errors = %+v, want one error for m-1", run.Errors)
	}
	if got := fx.accounts.get(account.ID); got.Health != domain.HealthDegraded {
		t.Errorf("health = %s, want degraded", got.Health)
	}
}

func TestRunConnectionFailureFailsTheRun(t *testing.T) {
	account := testAccount(1)
	fx := newRunnerFixture(account, nil, errors.New("imap: connection refused"))

	err := fx.runner.Run(context.Background(), account.ID)
	if !errors.Is(err, domain.ErrConnectionFailed) {
		t.Fatalf("Run error = %v, want ErrConnectionFailed", err)
	}

	run := fx.lastRun(t, account.UserID)
	if run.Status != domain.SyncRunFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
	if len(run.Errors) == 0 || !strings.Contains(run.Errors[0].Message, "connection refused") {
		t.Errorf("errors = %+v, want connection reason recorded", run.Errors)
	}

	got := fx.accounts.get(account.ID)
	if got.Health != domain.HealthError {
		t.Errorf("health = %s, want error", got.Health)
	}
	if got.Status != domain.AccountStatusActive {
		t.Errorf("account status = %s, want active (syncing cleared)", got.Status)
	}
}

func TestRunStopsBetweenBatchesOnCancel(t *testing.T) {
	account := testAccount(1)
	session := &fakeSession{pages: []*out.ProviderPage{
		{Messages: providerMessages("a", 2), NextCursor: "c1", HasMore: true},
		{Messages: providerMessages("b", 2), NextCursor: "c2", HasMore: false},
	}}
	fx := newRunnerFixture(account, session, nil)

	// 첫 페이지를 돌려준 직후 외부 취소가 도착하는 상황
	session.onPage = func(n int) {
		if n == 0 {
			runs, _ := fx.repo.GetActiveByAccount(context.Background(), account.ID)
			if runs != nil {
				if err := fx.tracker.CancelSync(context.Background(), runs.ID); err != nil {
					t.Errorf("CancelSync: %v", err)
				}
			}
		}
	}

	if err := fx.runner.Run(context.Background(), account.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	run := fx.lastRun(t, account.UserID)
	if run.Status != domain.SyncRunCancelled {
		t.Fatalf("run status = %s, want cancelled", run.Status)
	}
	// 부분 진행은 보존되고 두 번째 페이지는 처리되지 않음
	if run.Counts.Processed != 2 {
		t.Errorf("processed = %d, want 2 (first page only)", run.Counts.Processed)
	}
	if session.calls != 1 {
		t.Errorf("ListSince calls = %d, want 1", session.calls)
	}
	if got := fx.accounts.get(account.ID); got.Status != domain.AccountStatusActive {
		t.Errorf("account status = %s, want active after cancel", got.Status)
	}
}

func TestRunRespectsMaxPerRun(t *testing.T) {
	account := testAccount(1)
	session := &fakeSession{pages: []*out.ProviderPage{
		{Messages: providerMessages("a", 2), NextCursor: "c1", HasMore: true},
		{Messages: providerMessages("b", 2), NextCursor: "c2", HasMore: true},
		{Messages: providerMessages("c", 2), NextCursor: "c3", HasMore: true},
	}}
	fx := newRunnerFixture(account, session, nil)
	fx.runner.cfg.MaxPerRun = 4

	if err := fx.runner.Run(context.Background(), account.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	run := fx.lastRun(t, account.UserID)
	if run.Counts.Processed != 4 {
		t.Errorf("processed = %d, want 4 (cap)", run.Counts.Processed)
	}
	if run.Status != domain.SyncRunCompleted {
		t.Errorf("run status = %s, want completed", run.Status)
	}
	// 다음 실행이 이어받을 수 있게 커서는 마지막 처리 페이지까지 전진
	if got := fx.accounts.get(account.ID); got.Settings.Cursor != "c2" {
		t.Errorf("cursor = %q, want c2", got.Settings.Cursor)
	}
}

func TestRunRejectsWhenRunAlreadyActive(t *testing.T) {
	account := testAccount(1)
	session := &fakeSession{}
	fx := newRunnerFixture(account, session, nil)

	if _, err := fx.tracker.CreateRun(context.Background(), account.ID, account.UserID, domain.SyncTypeIncremental); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if err := fx.runner.Run(context.Background(), account.ID); !errors.Is(err, domain.ErrSyncInProgress) {
		t.Fatalf("Run error = %v, want ErrSyncInProgress", err)
	}
}

func TestRunUnknownAccount(t *testing.T) {
	fx := newRunnerFixture(testAccount(1), &fakeSession{}, nil)
	if err := fx.runner.Run(context.Background(), 999); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("Run error = %v, want ErrAccountNotFound", err)
	}
}

func TestRunPreservesPauseIssuedMidRun(t *testing.T) {
	account := testAccount(1)
	var fx *runnerFixture
	session := &fakeSession{
		pages: []*out.ProviderPage{
			{Messages: providerMessages("a", 2), HasMore: false},
		},
		onPage: func(int) {
			// 실행 중 사용자가 계정을 일시정지
			_ = fx.accounts.UpdateStatus(context.Background(), account.ID, domain.AccountStatusPaused)
		},
	}
	fx = newRunnerFixture(account, session, nil)

	if err := fx.runner.Run(context.Background(), account.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := fx.accounts.get(account.ID); got.Status != domain.AccountStatusPaused {
		t.Fatalf("account status = %s, want paused to survive the run", got.Status)
	}
}

func TestRunOnPausedAccountLeavesStatusPaused(t *testing.T) {
	account := testAccount(1)
	account.Status = domain.AccountStatusPaused
	session := &fakeSession{pages: []*out.ProviderPage{
		{Messages: providerMessages("a", 1), HasMore: false},
	}}
	fx := newRunnerFixture(account, session, nil)

	// 수동 트리거는 paused 계정도 실행하되 상태는 건드리지 않는다
	if err := fx.runner.Run(context.Background(), account.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := fx.accounts.get(account.ID); got.Status != domain.AccountStatusPaused {
		t.Fatalf("account status = %s, want paused", got.Status)
	}
}
