package offline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mailhub_server/core/domain"
	"mailhub_server/core/port/out"
)

// =============================================================================
// Dispatcher - 아웃박스 전파
// =============================================================================
//
// 큐가 미러에만 적용해 둔 변경을 실제 메일 서버로 밀어 넣습니다. 답장은
// outbound_replies에서, 읽음 상태는 read_dirty 표시에서 읽어 계정별로 세션
// 하나를 열어 순서대로 전파합니다. 계정 하나의 연결 실패가 다른 계정을 막지
// 않습니다.

const (
	DefaultDispatchInterval = time.Minute
	DefaultDispatchBatch    = 100
	DefaultDispatchTimeout  = 30 * time.Second
)

type DispatcherConfig struct {
	Enabled        bool
	Interval       time.Duration
	BatchSize      int
	ConnectTimeout time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Enabled:        true,
		Interval:       DefaultDispatchInterval,
		BatchSize:      DefaultDispatchBatch,
		ConnectTimeout: DefaultDispatchTimeout,
	}
}

type Dispatcher struct {
	outbox   out.OutboxRepository
	accounts out.AccountRepository
	creds    out.CredentialStore
	clients  out.FetchClientFactory

	cfg DispatcherConfig
	log zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewDispatcher(
	outbox out.OutboxRepository,
	accounts out.AccountRepository,
	creds out.CredentialStore,
	clients out.FetchClientFactory,
	cfg DispatcherConfig,
	log zerolog.Logger,
) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultDispatchInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultDispatchBatch
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultDispatchTimeout
	}
	return &Dispatcher{
		outbox:   outbox,
		accounts: accounts,
		creds:    creds,
		clients:  clients,
		cfg:      cfg,
		log:      log.With().Str("component", "outbox-dispatcher").Logger(),
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the periodic dispatch loop.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running || !d.cfg.Enabled {
		return
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.running = true

	d.wg.Add(1)
	go d.dispatchLoop()
	d.log.Info().Dur("interval", d.cfg.Interval).Msg("Outbox dispatcher started")
}

// Stop halts the loop and waits for the in-flight pass to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	d.log.Info().Msg("Outbox dispatcher stopped")
}

func (d *Dispatcher) dispatchLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			stats, err := d.DispatchOnce(d.ctx)
			if err != nil {
				d.log.Error().Err(err).Msg("Dispatch pass failed")
				continue
			}
			if stats.RepliesSent+stats.ReadSynced+stats.Errors > 0 {
				d.log.Info().
					Int("replies", stats.RepliesSent).
					Int("read_synced", stats.ReadSynced).
					Int("errors", stats.Errors).
					Msg("Dispatch pass completed")
			}
		}
	}
}

// =============================================================================
// Dispatch
// =============================================================================

// DispatchOnce runs one pass: staged replies first, then read-status changes,
// one provider session per account.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (*domain.DispatchStats, error) {
	replies, err := d.outbox.ListPendingReplies(ctx, d.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	reads, err := d.outbox.ListUnsyncedReadStatus(ctx, d.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	stats := &domain.DispatchStats{}
	sessions := newSessionPool(d, ctx)
	defer sessions.closeAll()

	for _, reply := range replies {
		session, err := sessions.get(reply.AccountID)
		if err != nil {
			// 연결 실패: 이 계정의 나머지 행은 다음 패스로
			stats.Errors++
			continue
		}
		if err := d.sendReply(ctx, session, reply); err != nil {
			d.log.Warn().Err(err).
				Int64("reply_id", reply.ID).
				Int64("account_id", reply.AccountID).
				Msg("Reply dispatch failed")
			stats.Errors++
			continue
		}
		stats.RepliesSent++
	}

	for _, change := range reads {
		session, err := sessions.get(change.AccountID)
		if err != nil {
			stats.Errors++
			continue
		}
		if err := session.MarkRead(ctx, change.ExternalID, change.IsRead); err != nil {
			d.log.Warn().Err(err).
				Int64("message_id", change.MessageID).
				Msg("Read status dispatch failed")
			stats.Errors++
			continue
		}
		if err := d.outbox.MarkReadStatusSynced(ctx, change.MessageID, change.IsRead); err != nil {
			stats.Errors++
			continue
		}
		stats.ReadSynced++
	}

	return stats, nil
}

func (d *Dispatcher) sendReply(ctx context.Context, session out.FetchSession, reply *domain.OutboundReply) error {
	err := session.Send(ctx, &out.OutgoingReply{
		To:        reply.ReplyTo,
		Subject:   reply.Subject,
		Body:      reply.Body,
		InReplyTo: reply.ExternalID,
	})
	if err != nil {
		if markErr := d.outbox.MarkReplyFailed(ctx, reply.ID, err.Error(), domain.OutboundMaxAttempts); markErr != nil {
			d.log.Warn().Err(markErr).Int64("reply_id", reply.ID).Msg("Failed to record reply failure")
		}
		return err
	}
	return d.outbox.MarkReplySent(ctx, reply.ID)
}

// connect opens a provider session for the account, mirroring the sync path.
func (d *Dispatcher) connect(ctx context.Context, accountID int64) (out.FetchSession, error) {
	account, err := d.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrAccountNotFound
	}
	creds, err := d.creds.GetByAccountID(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	client, err := d.clients.ForProtocol(account.Protocol)
	if err != nil {
		return nil, err
	}
	connectCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()
	return client.Connect(connectCtx, creds)
}

// sessionPool lazily opens one session per account for the duration of a
// dispatch pass. 실패한 계정은 기억해 같은 패스에서 재시도하지 않는다.
type sessionPool struct {
	d        *Dispatcher
	ctx      context.Context
	sessions map[int64]out.FetchSession
	failed   map[int64]error
}

func newSessionPool(d *Dispatcher, ctx context.Context) *sessionPool {
	return &sessionPool{
		d:        d,
		ctx:      ctx,
		sessions: make(map[int64]out.FetchSession),
		failed:   make(map[int64]error),
	}
}

func (p *sessionPool) get(accountID int64) (out.FetchSession, error) {
	if err, ok := p.failed[accountID]; ok {
		return nil, err
	}
	if session, ok := p.sessions[accountID]; ok {
		return session, nil
	}
	session, err := p.d.connect(p.ctx, accountID)
	if err != nil {
		p.d.log.Warn().Err(err).Int64("account_id", accountID).Msg("Dispatch connect failed")
		p.failed[accountID] = err
		return nil, err
	}
	p.sessions[accountID] = session
	return session, nil
}

func (p *sessionPool) closeAll() {
	for id, session := range p.sessions {
		if err := session.Close(); err != nil {
			p.d.log.Warn().Err(err).Int64("account_id", id).Msg("Session close failed")
		}
	}
}
