package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mailhub_server/core/domain"
	"mailhub_server/core/port/out"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeOutbox struct {
	mu      sync.Mutex
	replies []*domain.OutboundReply
	reads   []*domain.ReadStatusChange
	sent    []int64
	failed  map[int64]string
	synced  []int64
}

func newFakeOutbox() *fakeOutbox {
	return &fakeOutbox{failed: make(map[int64]string)}
}

func (f *fakeOutbox) ListPendingReplies(_ context.Context, _ int) ([]*domain.OutboundReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.OutboundReply(nil), f.replies...), nil
}

func (f *fakeOutbox) MarkReplySent(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeOutbox) MarkReplyFailed(_ context.Context, id int64, reason string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = reason
	return nil
}

func (f *fakeOutbox) ListUnsyncedReadStatus(_ context.Context, _ int) ([]*domain.ReadStatusChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.ReadStatusChange(nil), f.reads...), nil
}

func (f *fakeOutbox) MarkReadStatusSynced(_ context.Context, messageID int64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, messageID)
	return nil
}

type fakeDispatchAccounts struct {
	accounts map[int64]*domain.Account
}

func (f *fakeDispatchAccounts) GetByID(_ context.Context, id int64) (*domain.Account, error) {
	return f.accounts[id], nil
}
func (f *fakeDispatchAccounts) GetByUserID(context.Context, uuid.UUID) ([]*domain.Account, error) {
	return nil, nil
}
func (f *fakeDispatchAccounts) FindSchedulable(context.Context) ([]*domain.Account, error) {
	return nil, nil
}
func (f *fakeDispatchAccounts) ListUserIDsWithActiveAccount(context.Context) ([]uuid.UUID, error) {
	return nil, nil
}
func (f *fakeDispatchAccounts) UpdateStatus(context.Context, int64, domain.AccountSyncStatus) error {
	return nil
}
func (f *fakeDispatchAccounts) TransitionStatus(context.Context, int64, domain.AccountSyncStatus, domain.AccountSyncStatus) (bool, error) {
	return true, nil
}
func (f *fakeDispatchAccounts) UpdateHealth(context.Context, int64, domain.AccountHealth, string) error {
	return nil
}
func (f *fakeDispatchAccounts) UpdateCursor(context.Context, int64, string, time.Time) error {
	return nil
}

type fakeCreds struct{}

func (fakeCreds) GetByAccountID(_ context.Context, accountID int64) (*domain.Credentials, error) {
	return &domain.Credentials{AccountID: accountID}, nil
}

// fakeOutSession records pushed replies and read flags.
type fakeOutSession struct {
	mu       sync.Mutex
	sendErr  error
	sends    []*out.OutgoingReply
	marks    []string
	closed   bool
	closeErr error
}

func (s *fakeOutSession) ListSince(context.Context, string, int) (*out.ProviderPage, error) {
	return &out.ProviderPage{}, nil
}

func (s *fakeOutSession) MarkRead(_ context.Context, externalID string, read bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks = append(s.marks, fmt.Sprintf("%s:%t", externalID, read))
	return nil
}

func (s *fakeOutSession) Send(_ context.Context, reply *out.OutgoingReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sends = append(s.sends, reply)
	return nil
}

func (s *fakeOutSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

type fakeOutClient struct {
	mu         sync.Mutex
	session    *fakeOutSession
	connectErr error
	connects   int
}

func (c *fakeOutClient) Protocol() domain.Protocol { return domain.ProtocolIMAP }

func (c *fakeOutClient) Connect(context.Context, *domain.Credentials) (out.FetchSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	return c.session, nil
}

type fakeOutFactory struct {
	client *fakeOutClient
}

func (f *fakeOutFactory) ForProtocol(domain.Protocol) (out.FetchClient, error) {
	return f.client, nil
}

func dispatchFixture(outbox *fakeOutbox, client *fakeOutClient) *Dispatcher {
	accounts := &fakeDispatchAccounts{accounts: map[int64]*domain.Account{
		1: {ID: 1, UserID: uuid.New(), Protocol: domain.ProtocolIMAP},
		2: {ID: 2, UserID: uuid.New(), Protocol: domain.ProtocolIMAP},
	}}
	return NewDispatcher(outbox, accounts, fakeCreds{}, &fakeOutFactory{client: client},
		DefaultDispatcherConfig(), zerolog.Nop())
}

// =============================================================================
// Dispatch
// =============================================================================

func TestDispatchSendsStagedReplies(t *testing.T) {
	outbox := newFakeOutbox()
	outbox.replies = []*domain.OutboundReply{
		{ID: 11, MessageID: 100, AccountID: 1, ExternalID: "ext-100",
			ReplyTo: "sender@example.com", Subject: "Re: hello", Body: "thanks"},
	}
	session := &fakeOutSession{}
	d := dispatchFixture(outbox, &fakeOutClient{session: session})

	stats, err := d.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("DispatchOnce: %v", err)
	}
	if stats.RepliesSent != 1 || stats.Errors != 0 {
		t.Errorf("stats = %+v, want 1 reply sent", stats)
	}
	if len(session.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(session.sends))
	}
	sent := session.sends[0]
	if sent.To != "sender@example.com" || sent.InReplyTo != "ext-100" || sent.Subject != "Re: hello" {
		t.Errorf("outgoing reply = %+v", sent)
	}
	if len(outbox.sent) != 1 || outbox.sent[0] != 11 {
		t.Errorf("marked sent = %v, want [11]", outbox.sent)
	}
	if !session.closed {
		t.Error("session not closed after pass")
	}
}

func TestDispatchPropagatesReadStatus(t *testing.T) {
	outbox := newFakeOutbox()
	outbox.reads = []*domain.ReadStatusChange{
		{MessageID: 100, AccountID: 1, ExternalID: "ext-100", IsRead: true},
		{MessageID: 200, AccountID: 1, ExternalID: "ext-200", IsRead: false},
	}
	session := &fakeOutSession{}
	d := dispatchFixture(outbox, &fakeOutClient{session: session})

	stats, err := d.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("DispatchOnce: %v", err)
	}
	if stats.ReadSynced != 2 || stats.Errors != 0 {
		t.Errorf("stats = %+v, want 2 read synced", stats)
	}
	if len(session.marks) != 2 || session.marks[0] != "ext-100:true" || session.marks[1] != "ext-200:false" {
		t.Errorf("marks = %v", session.marks)
	}
	if len(outbox.synced) != 2 {
		t.Errorf("synced = %v, want both messages", outbox.synced)
	}
}

func TestDispatchSendFailureMarksFailedAndContinues(t *testing.T) {
	outbox := newFakeOutbox()
	outbox.replies = []*domain.OutboundReply{
		{ID: 11, MessageID: 100, AccountID: 1, ExternalID: "ext-100", ReplyTo: "a@example.com"},
	}
	outbox.reads = []*domain.ReadStatusChange{
		{MessageID: 200, AccountID: 1, ExternalID: "ext-200", IsRead: true},
	}
	session := &fakeOutSession{sendErr: errors.New("smtp 451")}
	d := dispatchFixture(outbox, &fakeOutClient{session: session})

	stats, err := d.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("DispatchOnce: %v", err)
	}
	if stats.RepliesSent != 0 || stats.Errors != 1 {
		t.Errorf("stats = %+v, want 0 sent / 1 error", stats)
	}
	if outbox.failed[11] != "smtp 451" {
		t.Errorf("failure not recorded: %v", outbox.failed)
	}
	if len(outbox.sent) != 0 {
		t.Errorf("marked sent = %v, want none", outbox.sent)
	}
	// 전송 실패가 같은 계정의 읽음 상태 전파를 막지 않는다
	if stats.ReadSynced != 1 {
		t.Errorf("read synced = %d, want 1", stats.ReadSynced)
	}
}

func TestDispatchReusesOneSessionPerAccount(t *testing.T) {
	outbox := newFakeOutbox()
	outbox.replies = []*domain.OutboundReply{
		{ID: 11, MessageID: 100, AccountID: 1, ExternalID: "ext-100", ReplyTo: "a@example.com"},
		{ID: 12, MessageID: 101, AccountID: 1, ExternalID: "ext-101", ReplyTo: "b@example.com"},
	}
	outbox.reads = []*domain.ReadStatusChange{
		{MessageID: 100, AccountID: 1, ExternalID: "ext-100", IsRead: true},
	}
	client := &fakeOutClient{session: &fakeOutSession{}}
	d := dispatchFixture(outbox, client)

	if _, err := d.DispatchOnce(context.Background()); err != nil {
		t.Fatalf("DispatchOnce: %v", err)
	}
	if client.connects != 1 {
		t.Errorf("connects = %d, want one session for the whole pass", client.connects)
	}
}

func TestDispatchConnectFailureSkipsAccount(t *testing.T) {
	outbox := newFakeOutbox()
	outbox.replies = []*domain.OutboundReply{
		{ID: 11, MessageID: 100, AccountID: 1, ExternalID: "ext-100", ReplyTo: "a@example.com"},
		{ID: 12, MessageID: 101, AccountID: 1, ExternalID: "ext-101", ReplyTo: "b@example.com"},
	}
	client := &fakeOutClient{connectErr: errors.New("connection refused")}
	d := dispatchFixture(outbox, client)

	stats, err := d.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("DispatchOnce: %v", err)
	}
	if stats.RepliesSent != 0 || stats.Errors != 2 {
		t.Errorf("stats = %+v, want 0 sent / 2 errors", stats)
	}
	// 같은 패스에서 재연결을 반복하지 않는다
	if client.connects != 1 {
		t.Errorf("connects = %d, want 1", client.connects)
	}
	if len(outbox.failed) != 0 {
		t.Errorf("connect failure must not consume retry attempts: %v", outbox.failed)
	}
}
