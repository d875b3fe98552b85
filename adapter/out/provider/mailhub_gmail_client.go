package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"mailhub_server/core/domain"
	"mailhub_server/core/port/out"
)

// =============================================================================
// Gmail Fetch Client
// =============================================================================

// GmailConfig holds Gmail OAuth configuration.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// GmailClient implements out.FetchClient for Gmail.
type GmailClient struct {
	config *oauth2.Config
}

func NewGmailClient(cfg *GmailConfig) *GmailClient {
	return &GmailClient{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes: []string{
				gmail.GmailReadonlyScope,
				gmail.GmailModifyScope,
				gmail.GmailSendScope,
			},
			Endpoint: google.Endpoint,
		},
	}
}

func (c *GmailClient) Protocol() domain.Protocol {
	return domain.ProtocolGmail
}

// Connect builds an authenticated session. 토큰이 만료되었으면 oauth2가 자동
// 갱신합니다.
func (c *GmailClient) Connect(ctx context.Context, creds *domain.Credentials) (out.FetchSession, error) {
	token := &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       creds.Expiry,
	}

	client := c.config.Client(ctx, token)
	service, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}

	return &gmailSession{service: service}, nil
}

// =============================================================================
// Gmail Session
// =============================================================================

type gmailSession struct {
	service *gmail.Service
}

// gmailCursor is the opaque cursor: a received-at watermark plus the Gmail
// page token for a listing still in flight. 페이지 토큰이 남아 있으면 같은
// 스냅샷을 이어서 읽습니다.
type gmailCursor struct {
	Watermark int64 // unix seconds of newest stored message
	PageToken string
}

func decodeGmailCursor(s string) gmailCursor {
	var c gmailCursor
	if s == "" {
		return c
	}
	parts := strings.SplitN(s, "|", 2)
	c.Watermark, _ = strconv.ParseInt(parts[0], 10, 64)
	if len(parts) == 2 {
		c.PageToken = parts[1]
	}
	return c
}

func (c gmailCursor) encode() string {
	if c.PageToken == "" {
		return strconv.FormatInt(c.Watermark, 10)
	}
	return strconv.FormatInt(c.Watermark, 10) + "|" + c.PageToken
}

// ListSince pages messages newer than the cursor watermark.
func (s *gmailSession) ListSince(ctx context.Context, cursor string, pageSize int) (*out.ProviderPage, error) {
	cur := decodeGmailCursor(cursor)

	req := s.service.Users.Messages.List("me").LabelIds("INBOX")
	if cur.Watermark > 0 {
		req = req.Q(fmt.Sprintf("after:%d", cur.Watermark))
	}
	if cur.PageToken != "" {
		req = req.PageToken(cur.PageToken)
	}
	if pageSize > 0 {
		req = req.MaxResults(int64(pageSize))
	}

	resp, err := req.Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	messages, err := s.fetchAll(ctx, resp.Messages)
	if err != nil {
		return nil, err
	}

	next := cur
	next.PageToken = resp.NextPageToken
	if resp.NextPageToken == "" {
		// 마지막 페이지 - 워터마크를 가장 최근 메시지로 전진
		for _, m := range messages {
			if ts := m.ReceivedAt.Unix(); ts > next.Watermark {
				next.Watermark = ts
			}
		}
	}

	return &out.ProviderPage{
		Messages:   messages,
		NextCursor: next.encode(),
		HasMore:    resp.NextPageToken != "",
	}, nil
}

// fetchAll hydrates listed ids with bounded concurrency to avoid rate limits.
func (s *gmailSession) fetchAll(ctx context.Context, refs []*gmail.Message) ([]*out.ProviderMessage, error) {
	if len(refs) == 0 {
		return []*out.ProviderMessage{}, nil
	}

	const maxConcurrency = 5
	type result struct {
		index int
		msg   *out.ProviderMessage
		err   error
	}

	results := make(chan result, len(refs))
	semaphore := make(chan struct{}, maxConcurrency)

	for i, ref := range refs {
		go func(idx int, id string) {
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			full, err := s.service.Users.Messages.Get("me", id).
				Format("full").
				Context(ctx).
				Do()
			if err != nil {
				results <- result{index: idx, err: err}
				return
			}
			results <- result{index: idx, msg: parseGmailMessage(full)}
		}(i, ref.Id)
	}

	ordered := make([]*out.ProviderMessage, len(refs))
	var firstErr error
	for range refs {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		ordered[r.index] = r.msg
	}
	if firstErr != nil {
		return nil, fmt.Errorf("fetch message: %w", firstErr)
	}

	return ordered, nil
}

func (s *gmailSession) MarkRead(ctx context.Context, externalID string, read bool) error {
	mod := &gmail.ModifyMessageRequest{RemoveLabelIds: []string{"UNREAD"}}
	if !read {
		mod = &gmail.ModifyMessageRequest{AddLabelIds: []string{"UNREAD"}}
	}
	_, err := s.service.Users.Messages.Modify("me", externalID, mod).Context(ctx).Do()
	return err
}

func (s *gmailSession) Send(ctx context.Context, reply *out.OutgoingReply) error {
	msg := &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString([]byte(buildRawReply(reply))),
	}

	// 원본 스레드에 이어 붙이기. 조회 실패 시 스레딩 없이 전송합니다.
	if reply.InReplyTo != "" {
		orig, err := s.service.Users.Messages.Get("me", reply.InReplyTo).
			Format("minimal").
			Context(ctx).
			Do()
		if err == nil {
			msg.ThreadId = orig.ThreadId
		}
	}

	if _, err := s.service.Users.Messages.Send("me", msg).Context(ctx).Do(); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (s *gmailSession) Close() error {
	// HTTP 기반이라 닫을 연결이 없습니다.
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func buildRawReply(reply *out.OutgoingReply) string {
	var sb strings.Builder

	sb.WriteString("To: " + reply.To + "\r\n")
	sb.WriteString("Subject: " + reply.Subject + "\r\n")
	if reply.IsHTML {
		sb.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	} else {
		sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	}
	sb.WriteString("\r\n")
	sb.WriteString(reply.Body)

	return sb.String()
}

func parseGmailMessage(msg *gmail.Message) *out.ProviderMessage {
	pm := &out.ProviderMessage{
		ExternalID: msg.Id,
		Snippet:    msg.Snippet,
		Folder:     gmailFolder(msg.LabelIds),
		IsRead:     !containsLabel(msg.LabelIds, "UNREAD"),
		ReceivedAt: time.Unix(msg.InternalDate/1000, 0),
	}

	if msg.Payload != nil {
		for _, header := range msg.Payload.Headers {
			switch header.Name {
			case "From":
				pm.FromEmail, pm.FromName = parseAddress(header.Value)
			case "Subject":
				pm.Subject = header.Value
			}
		}
		pm.HTML, pm.Text = parseGmailBody(msg.Payload)
	}

	return pm
}

func gmailFolder(labels []string) string {
	switch {
	case containsLabel(labels, "TRASH"):
		return "trash"
	case containsLabel(labels, "SENT"):
		return "sent"
	case containsLabel(labels, "INBOX"):
		return "inbox"
	default:
		return "archive"
	}
}

func parseAddress(value string) (email, name string) {
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return strings.TrimSpace(value), ""
	}
	return addr.Address, addr.Name
}

func parseGmailBody(payload *gmail.MessagePart) (html, text string) {
	if payload == nil {
		return "", ""
	}

	if payload.Body != nil {
		switch payload.MimeType {
		case "text/html":
			data, _ := base64.URLEncoding.DecodeString(payload.Body.Data)
			html = string(data)
		case "text/plain":
			data, _ := base64.URLEncoding.DecodeString(payload.Body.Data)
			text = string(data)
		}
	}

	for _, part := range payload.Parts {
		h, t := parseGmailBody(part)
		if html == "" {
			html = h
		}
		if text == "" {
			text = t
		}
	}

	return html, text
}

func containsLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

var _ out.FetchClient = (*GmailClient)(nil)
