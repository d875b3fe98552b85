package out

import (
	"context"
	"time"

	"mailhub_server/core/domain"
)

// =============================================================================
// Fetch Client Port - 프로토콜별 메일 프로바이더
// =============================================================================

// ProviderMessage is a fetched message before it becomes a mirror record.
type ProviderMessage struct {
	ExternalID string
	Subject    string
	FromEmail  string
	FromName   string
	Snippet    string
	Folder     string
	IsRead     bool
	HTML       string
	Text       string
	ReceivedAt time.Time
}

// ProviderPage is one page of a listing.
type ProviderPage struct {
	Messages []*ProviderMessage

	// NextCursor - 다음 증분 동기화 시작점. 빈 값이면 마지막 페이지.
	NextCursor string
	HasMore    bool
}

// OutgoingReply - 전송할 답장
type OutgoingReply struct {
	To        string
	Subject   string
	Body      string
	IsHTML    bool
	InReplyTo string // 원본 external id
}

// FetchSession is an authenticated connection to one account's mailbox.
type FetchSession interface {
	// ListSince pages messages newer than the cursor.
	ListSince(ctx context.Context, cursor string, pageSize int) (*ProviderPage, error)

	MarkRead(ctx context.Context, externalID string, read bool) error
	Send(ctx context.Context, reply *OutgoingReply) error

	Close() error
}

// FetchClient connects to one protocol's provider.
type FetchClient interface {
	Protocol() domain.Protocol
	Connect(ctx context.Context, creds *domain.Credentials) (FetchSession, error)
}

// FetchClientFactory resolves the fetch client for an account's protocol.
type FetchClientFactory interface {
	ForProtocol(p domain.Protocol) (FetchClient, error)
}

// CredentialStore - 자격증명 저장소 (외부 협력자)
type CredentialStore interface {
	GetByAccountID(ctx context.Context, accountID int64) (*domain.Credentials, error)
}
