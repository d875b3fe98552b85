// Package automation implements the background pipeline that scores incoming
// messages and performs opt-in autonomous actions: spam auto-delete and
// confidence-gated auto-reply. Every action leaves an immutable audit log.
package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mailhub_server/core/domain"
	"mailhub_server/core/port/out"
)

// =============================================================================
// Pipeline - 자동 처리 파이프라인
// =============================================================================
//
// 주기 스윕마다 활성 계정 사용자를 돌며 미분석 메시지를 스코어링합니다.
// 메시지당 AI 호출은 정확히 1회, 결과 저장(analyzed_at)이 재분석을 막습니다.
// AI 오류는 해당 메시지를 건너뛸 뿐 스윕을 멈추지 않습니다.

const (
	DefaultSweepInterval    = 10 * time.Minute
	DefaultUserConcurrency  = 3
	DefaultMessagesPerSweep = 50
	DefaultLogLimit         = 50

	// pipelineDedupTTL - 자동 답장 전송 가드 키 보존 기간
	pipelineDedupTTL = 24 * time.Hour
)

type PipelineConfig struct {
	Enabled          bool
	SweepInterval    time.Duration
	UserConcurrency  int
	MessagesPerSweep int
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Enabled:          true,
		SweepInterval:    DefaultSweepInterval,
		UserConcurrency:  DefaultUserConcurrency,
		MessagesPerSweep: DefaultMessagesPerSweep,
	}
}

type Pipeline struct {
	accounts out.AccountRepository
	store    out.MessageStore
	bodies   out.MessageBodyStore
	settings out.AutomationSettingsRepository
	logs     out.ActionLogRepository
	budget   out.ReplyBudget
	deduper  out.ReplyDeduper
	decider  out.DecisionService

	cfg PipelineConfig
	log zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewPipeline(
	accounts out.AccountRepository,
	store out.MessageStore,
	bodies out.MessageBodyStore,
	settings out.AutomationSettingsRepository,
	logs out.ActionLogRepository,
	budget out.ReplyBudget,
	deduper out.ReplyDeduper,
	decider out.DecisionService,
	cfg PipelineConfig,
	log zerolog.Logger,
) *Pipeline {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.UserConcurrency <= 0 {
		cfg.UserConcurrency = DefaultUserConcurrency
	}
	if cfg.MessagesPerSweep <= 0 {
		cfg.MessagesPerSweep = DefaultMessagesPerSweep
	}
	return &Pipeline{
		accounts: accounts,
		store:    store,
		bodies:   bodies,
		settings: settings,
		logs:     logs,
		budget:   budget,
		deduper:  deduper,
		decider:  decider,
		cfg:      cfg,
		log:      log.With().Str("component", "automation-pipeline").Logger(),
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the periodic sweep loop.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || !p.cfg.Enabled {
		return
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.running = true

	p.wg.Add(1)
	go p.sweepLoop()
	p.log.Info().Dur("interval", p.cfg.SweepInterval).Msg("Automation pipeline started")
}

// Stop halts the sweep loop and waits for the in-flight sweep to finish.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info().Msg("Automation pipeline stopped")
}

func (p *Pipeline) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			stats, err := p.ProcessAllUsers(p.ctx)
			if err != nil {
				p.log.Error().Err(err).Msg("Sweep failed")
				continue
			}
			p.log.Info().
				Int("users", stats.UsersProcessed).
				Int("analyzed", stats.MessagesAnalyzed).
				Int("trashed", stats.SpamTrashed).
				Int("replied", stats.RepliesSent).
				Int("errors", stats.Errors).
				Msg("Sweep completed")
		}
	}
}

// =============================================================================
// Sweep
// =============================================================================

// ProcessAllUsers runs one sweep over every user with an active account.
// 사용자 단위로 격리: 한 사용자의 실패가 다른 사용자를 막지 않습니다.
func (p *Pipeline) ProcessAllUsers(ctx context.Context) (*domain.SweepStats, error) {
	userIDs, err := p.accounts.ListUserIDsWithActiveAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sweep targets: %w", err)
	}

	var mu sync.Mutex
	total := &domain.SweepStats{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.UserConcurrency)
	for _, userID := range userIDs {
		g.Go(func() error {
			stats, err := p.ProcessUserMessages(gctx, userID)
			mu.Lock()
			defer mu.Unlock()
			total.UsersProcessed++
			if err != nil {
				p.log.Error().Err(err).Str("user_id", userID.String()).Msg("User sweep failed")
				total.Errors++
				return nil
			}
			total.MessagesAnalyzed += stats.MessagesAnalyzed
			total.SpamTrashed += stats.SpamTrashed
			total.RepliesSent += stats.RepliesSent
			total.Errors += stats.Errors
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return total, err
	}
	return total, nil
}

// ProcessUserMessages scores and acts on one user's unanalyzed inbox.
func (p *Pipeline) ProcessUserMessages(ctx context.Context, userID uuid.UUID) (*domain.SweepStats, error) {
	stats := &domain.SweepStats{}

	settings, err := p.settings.GetByUserID(ctx, userID)
	if err != nil {
		return stats, err
	}
	// 두 자동화가 모두 꺼져 있으면 AI 비용을 쓰지 않습니다.
	if !settings.AutoDeleteEnabled && !settings.AutoReplyEnabled {
		return stats, nil
	}

	messages, err := p.store.ListUnanalyzed(ctx, userID, p.cfg.MessagesPerSweep)
	if err != nil {
		return stats, err
	}

	for _, msg := range messages {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}
		if msg.Analyzed() {
			continue
		}

		bodyText := p.bodyText(ctx, msg)
		decision, err := p.decider.Analyze(ctx, msg, bodyText)
		if err != nil {
			// analyzed_at을 남기지 않아 다음 스윕에서 다시 시도됩니다.
			p.log.Warn().Err(err).Int64("message_id", msg.ID).Msg("Analysis failed, skipping")
			stats.Errors++
			continue
		}
		stats.MessagesAnalyzed++

		if _, err := p.actOn(ctx, msg, settings, decision, stats); err != nil {
			stats.Errors++
			p.log.Error().Err(err).Int64("message_id", msg.ID).Msg("Automation action failed")
		}

		now := time.Now()
		if err := p.store.SetAnalysis(ctx, msg.ID, userID, decision.SpamProbability, decision.ReplyConfidence, now); err != nil {
			p.log.Error().Err(err).Int64("message_id", msg.ID).Msg("Failed to persist analysis")
			stats.Errors++
		}
	}
	return stats, nil
}

// actOn applies at most one autonomous action per message; auto-delete wins
// over auto-reply. 임계값에 못 미치는 메시지는 로그 없이 통과합니다.
func (p *Pipeline) actOn(ctx context.Context, msg *domain.Message, settings *domain.AutomationSettings, d *out.Decision, stats *domain.SweepStats) (bool, error) {
	spamScore := d.SpamProbability * 100
	if settings.AutoDeleteEnabled && spamScore >= float64(settings.SpamThreshold) {
		if err := p.trashSpam(ctx, msg, settings, spamScore); err != nil {
			return false, err
		}
		stats.SpamTrashed++
		return true, nil
	}

	confidence := d.ReplyConfidence * 100
	if settings.AutoReplyEnabled && d.ReplyDraft != "" && confidence >= float64(settings.ReplyConfidenceThreshold) {
		sent, err := p.autoReply(ctx, msg, settings, d, confidence)
		if err != nil {
			return false, err
		}
		if sent {
			stats.RepliesSent++
		}
		return sent, nil
	}
	return false, nil
}

func (p *Pipeline) trashSpam(ctx context.Context, msg *domain.Message, settings *domain.AutomationSettings, score float64) error {
	if err := p.store.Trash(ctx, msg.ID, msg.UserID, true); err != nil {
		return fmt.Errorf("auto-delete message %d: %w", msg.ID, err)
	}
	log := domain.NewActionLog(msg.ExternalID, msg.UserID, domain.ActionTrashed,
		score, float64(settings.SpamThreshold), domain.OutcomeSuccess, "spam score over threshold")
	if err := p.logs.Append(ctx, log); err != nil {
		p.log.Error().Err(err).Int64("message_id", msg.ID).Msg("Failed to append trash log")
	}
	p.log.Info().Int64("message_id", msg.ID).Float64("score", score).Msg("Message auto-deleted as spam")
	return nil
}

// autoReply sends a drafted reply after passing every gate: sender lists,
// business hours, daily budget, send dedup. Returns whether a reply went out.
func (p *Pipeline) autoReply(ctx context.Context, msg *domain.Message, settings *domain.AutomationSettings, d *out.Decision, confidence float64) (bool, error) {
	// 게이트 불통과는 로그 없는 무동작입니다. 감사 로그는 수행된 행동만 남깁니다.
	if !settings.SenderAllowed(msg.FromEmail) {
		return false, nil
	}
	now := time.Now()
	if !settings.WithinBusinessHours(now) {
		return false, nil
	}

	sent, err := p.budget.RepliesSentToday(ctx, msg.UserID, now)
	if err != nil {
		return false, err
	}
	if settings.MaxRepliesPerDay > 0 && sent >= settings.MaxRepliesPerDay {
		p.log.Info().Str("user_id", msg.UserID.String()).Int("sent", sent).Msg("Daily reply budget exhausted")
		return false, nil
	}

	// 스윕 중 크래시 후 재분석되더라도 같은 메시지에 두 번 답장하지 않도록
	// 전송 전에 메시지 단위 키를 선점합니다.
	dedupKey := fmt.Sprintf("autoreply:%d", msg.ID)
	claimed, err := p.deduper.Claim(ctx, dedupKey, pipelineDedupTTL)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	subject := "Re: " + msg.Subject
	if err := p.store.SendReply(ctx, msg.ID, msg.UserID, d.ReplyDraft, subject, dedupKey); err != nil {
		if relErr := p.deduper.Release(ctx, dedupKey); relErr != nil {
			p.log.Warn().Err(relErr).Str("key", dedupKey).Msg("Failed to release reply dedup key")
		}
		return false, fmt.Errorf("auto-reply message %d: %w", msg.ID, err)
	}
	if _, err := p.budget.RecordReply(ctx, msg.UserID, now); err != nil {
		p.log.Warn().Err(err).Str("user_id", msg.UserID.String()).Msg("Failed to record reply against budget")
	}

	log := domain.NewActionLog(msg.ExternalID, msg.UserID, domain.ActionReplied,
		confidence, float64(settings.ReplyConfidenceThreshold), domain.OutcomeSuccess, "auto-reply sent")
	if err := p.logs.Append(ctx, log); err != nil {
		p.log.Error().Err(err).Int64("message_id", msg.ID).Msg("Failed to append reply log")
	}
	p.log.Info().Int64("message_id", msg.ID).Float64("confidence", confidence).Msg("Auto-reply sent")
	return true, nil
}

func (p *Pipeline) bodyText(ctx context.Context, msg *domain.Message) string {
	body, err := p.bodies.Get(ctx, msg.ID)
	if err != nil || body == nil {
		return msg.Snippet
	}
	if body.Text != "" {
		return body.Text
	}
	return msg.Snippet
}

// =============================================================================
// Restore & Audit
// =============================================================================

// RestoreFromTrash reverses an automated deletion. Returns false when the
// message was not auto-deleted (or already restored).
func (p *Pipeline) RestoreFromTrash(ctx context.Context, userID uuid.UUID, messageID int64) (bool, error) {
	msg, err := p.store.GetByID(ctx, messageID, userID)
	if err != nil {
		return false, err
	}
	if msg == nil || !msg.Restorable() {
		return false, nil
	}

	if err := p.store.Restore(ctx, messageID, userID); err != nil {
		return false, err
	}

	score := 0.0
	if msg.SpamScore != nil {
		score = *msg.SpamScore * 100
	}
	log := domain.NewActionLog(msg.ExternalID, userID, domain.ActionRestored,
		score, 0, domain.OutcomeSuccess, "restored by user")
	if err := p.logs.Append(ctx, log); err != nil {
		p.log.Error().Err(err).Int64("message_id", messageID).Msg("Failed to append restore log")
	}
	return true, nil
}

// AutoDeleteLogs returns recent auto-delete audit entries.
func (p *Pipeline) AutoDeleteLogs(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.ActionLog, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return p.logs.GetByUserAndAction(ctx, userID, domain.ActionTrashed, limit)
}

// AutoReplyLogs returns recent auto-reply audit entries.
func (p *Pipeline) AutoReplyLogs(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.ActionLog, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return p.logs.GetByUserAndAction(ctx, userID, domain.ActionReplied, limit)
}
