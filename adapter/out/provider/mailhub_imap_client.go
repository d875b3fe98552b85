package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/mail"
	"net/smtp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"mailhub_server/core/domain"
	"mailhub_server/core/port/out"
)

// =============================================================================
// IMAP Fetch Client
// =============================================================================

const imapSnippetLen = 200

// ImapClient implements out.FetchClient over IMAP, with SMTP for sending.
type ImapClient struct{}

func NewImapClient() *ImapClient {
	return &ImapClient{}
}

func (c *ImapClient) Protocol() domain.Protocol {
	return domain.ProtocolIMAP
}

func (c *ImapClient) Connect(ctx context.Context, creds *domain.Credentials) (out.FetchSession, error) {
	addr := fmt.Sprintf("%s:%d", creds.Host, creds.Port)
	conn, err := client.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if err := conn.Login(creds.Username, creds.Password); err != nil {
		conn.Logout()
		return nil, fmt.Errorf("imap login %s: %w", creds.Username, err)
	}

	return &imapSession{conn: conn, creds: creds}, nil
}

// =============================================================================
// IMAP Session
// =============================================================================

type imapSession struct {
	conn  *client.Client
	creds *domain.Credentials
}

// ListSince pages INBOX messages with UID greater than the cursor. UID는
// 메일박스 안에서 단조 증가하므로 그대로 증분 커서로 씁니다.
func (s *imapSession) ListSince(ctx context.Context, cursor string, pageSize int) (*out.ProviderPage, error) {
	lastUID, _ := strconv.ParseUint(cursor, 10, 32)

	if _, err := s.conn.Select("INBOX", false); err != nil {
		return nil, fmt.Errorf("select inbox: %w", err)
	}

	search := new(imap.SeqSet)
	search.AddRange(uint32(lastUID)+1, 0)
	criteria := imap.NewSearchCriteria()
	criteria.Uid = search

	uids, err := s.conn.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("uid search: %w", err)
	}

	// last+1:* 범위는 새 메일이 없어도 가장 최근 UID를 돌려주므로 걸러냅니다.
	fresh := uids[:0]
	for _, uid := range uids {
		if uint64(uid) > lastUID {
			fresh = append(fresh, uid)
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i] < fresh[j] })

	if len(fresh) == 0 {
		return &out.ProviderPage{Messages: []*out.ProviderMessage{}, NextCursor: cursor}, nil
	}

	hasMore := pageSize > 0 && len(fresh) > pageSize
	if hasMore {
		fresh = fresh[:pageSize]
	}

	messages, err := s.fetchByUID(ctx, fresh)
	if err != nil {
		return nil, err
	}

	return &out.ProviderPage{
		Messages:   messages,
		NextCursor: strconv.FormatUint(uint64(fresh[len(fresh)-1]), 10),
		HasMore:    hasMore,
	}, nil
}

func (s *imapSession) fetchByUID(ctx context.Context, uids []uint32) ([]*out.ProviderMessage, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchUid,
		imap.FetchInternalDate,
		section.FetchItem(),
	}

	ch := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- s.conn.UidFetch(seqSet, items, ch)
	}()

	messages := make([]*out.ProviderMessage, 0, len(uids))
	for msg := range ch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		messages = append(messages, parseImapMessage(msg, section))
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("uid fetch: %w", err)
	}
	return messages, nil
}

func (s *imapSession) MarkRead(ctx context.Context, externalID string, read bool) error {
	uid, err := strconv.ParseUint(externalID, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid uid %q: %w", externalID, err)
	}

	if _, err := s.conn.Select("INBOX", false); err != nil {
		return fmt.Errorf("select inbox: %w", err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uint32(uid))

	op := imap.FlagsOp(imap.AddFlags)
	if !read {
		op = imap.FlagsOp(imap.RemoveFlags)
	}
	item := imap.FormatFlagsOp(op, true)
	return s.conn.UidStore(seqSet, item, []interface{}{imap.SeenFlag}, nil)
}

// Send delivers a reply over SMTP. SMTP 호스트는 IMAP 호스트에서 유도합니다
// (imap.example.com -> smtp.example.com).
func (s *imapSession) Send(ctx context.Context, reply *out.OutgoingReply) error {
	server := strings.Replace(s.creds.Host, "imap.", "smtp.", 1)
	addr := fmt.Sprintf("%s:%d", server, 587)

	c, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	defer c.Close()

	if err := c.StartTLS(&tls.Config{ServerName: server}); err != nil {
		return fmt.Errorf("smtp starttls: %w", err)
	}

	auth := smtp.PlainAuth("", s.creds.Username, s.creds.Password, server)
	if err := c.Auth(auth); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}

	if err := c.Mail(s.creds.Username); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(reply.To); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := io.WriteString(w, buildSMTPMessage(s.creds.Username, reply)); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}

	return c.Quit()
}

func (s *imapSession) Close() error {
	return s.conn.Logout()
}

// =============================================================================
// Helpers
// =============================================================================

func buildSMTPMessage(from string, reply *out.OutgoingReply) string {
	contentType := "text/plain"
	if reply.IsHTML {
		contentType = "text/html"
	}

	var sb strings.Builder
	sb.WriteString("From: " + from + "\r\n")
	sb.WriteString("To: " + reply.To + "\r\n")
	sb.WriteString("Subject: " + reply.Subject + "\r\n")
	sb.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("Content-Type: " + contentType + "; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(reply.Body)
	return sb.String()
}

func parseImapMessage(msg *imap.Message, section *imap.BodySectionName) *out.ProviderMessage {
	pm := &out.ProviderMessage{
		ExternalID: strconv.FormatUint(uint64(msg.Uid), 10),
		Folder:     "inbox",
		ReceivedAt: msg.InternalDate,
	}

	for _, flag := range msg.Flags {
		if flag == imap.SeenFlag {
			pm.IsRead = true
		}
	}

	if env := msg.Envelope; env != nil {
		pm.Subject = env.Subject
		if !env.Date.IsZero() {
			pm.ReceivedAt = env.Date
		}
		if len(env.From) > 0 && env.From[0] != nil {
			pm.FromEmail = env.From[0].Address()
			pm.FromName = env.From[0].PersonalName
		}
	}

	if r := msg.GetBody(section); r != nil {
		pm.Text = readPlainBody(r)
		pm.Snippet = snippet(pm.Text)
	}

	return pm
}

// readPlainBody extracts the body of a raw RFC822 message as plain text.
// 멀티파트 본문은 그대로 싣습니다. 파이프라인은 텍스트만 봅니다.
func readPlainBody(r io.Reader) string {
	m, err := mail.ReadMessage(r)
	if err != nil {
		return ""
	}
	body, err := io.ReadAll(m.Body)
	if err != nil {
		return ""
	}
	return string(body)
}

func snippet(text string) string {
	t := strings.TrimSpace(text)
	if len(t) <= imapSnippetLen {
		return t
	}
	// 멀티바이트 문자 중간에서 자르지 않는다
	cut := imapSnippetLen
	for cut > 0 && !utf8.RuneStart(t[cut]) {
		cut--
	}
	return t[:cut]
}

var _ out.FetchClient = (*ImapClient)(nil)
