// Package ai implements the AI decision adapter for the automation pipeline.
package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"

	"mailhub_server/core/domain"
	"mailhub_server/core/port/out"
)

// =============================================================================
// OpenAI Decision Adapter
// =============================================================================

const (
	DefaultModel = "gpt-4o-mini"

	defaultCallTimeout = 20 * time.Second
	maxBodyChars       = 4000
)

const systemPrompt = `You score emails for an automation pipeline. Given one email,
respond with strict JSON only, no markdown:
{"spam_probability": <0..1>, "reply_draft": "<short reply or empty string>", "reply_confidence": <0..1>}
Only draft a reply when the email clearly asks for a response you can answer
generically. Otherwise leave reply_draft empty and reply_confidence 0.`

// DecisionConfig holds OpenAI configuration.
type DecisionConfig struct {
	APIKey      string
	Model       string
	CallTimeout time.Duration
}

// OpenAIDecision implements out.DecisionService. 호출은 서킷 브레이커와
// 타임아웃으로 감쌉니다. 실패는 해당 메시지 스킵으로 끝나야 합니다.
type OpenAIDecision struct {
	client      *openai.Client
	model       string
	callTimeout time.Duration
	cb          *gobreaker.CircuitBreaker
	logger      zerolog.Logger
}

func NewOpenAIDecision(cfg *DecisionConfig, logger zerolog.Logger) *OpenAIDecision {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	callTimeout := cfg.CallTimeout
	if callTimeout == 0 {
		callTimeout = defaultCallTimeout
	}

	lg := logger.With().Str("component", "openai-decision").Logger()

	cbSettings := gobreaker.Settings{
		Name:        "openai-decision",
		MaxRequests: 3,                // Half-open 상태에서 허용할 요청 수
		Interval:    60 * time.Second, // Closed 상태에서 카운터 리셋 간격
		Timeout:     30 * time.Second, // Open 상태 유지 시간 (이후 Half-open)
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			lg.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}

	return &OpenAIDecision{
		client:      openai.NewClient(cfg.APIKey),
		model:       model,
		callTimeout: callTimeout,
		cb:          gobreaker.NewCircuitBreaker(cbSettings),
		logger:      lg,
	}
}

// Analyze scores one message in a single bounded completion call.
func (a *OpenAIDecision) Analyze(ctx context.Context, msg *domain.Message, bodyText string) (*out.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	result, err := a.cb.Execute(func() (interface{}, error) {
		return a.complete(ctx, msg, bodyText)
	})
	if err != nil {
		return nil, fmt.Errorf("analyze message %d: %w", msg.ID, err)
	}

	return result.(*out.Decision), nil
}

func (a *OpenAIDecision) complete(ctx context.Context, msg *domain.Message, bodyText string) (*out.Decision, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildUserPrompt(msg, bodyText)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty completion")
	}

	var decision out.Decision
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &decision); err != nil {
		return nil, fmt.Errorf("parse decision: %w", err)
	}

	decision.SpamProbability = clamp01(decision.SpamProbability)
	decision.ReplyConfidence = clamp01(decision.ReplyConfidence)
	return &decision, nil
}

func buildUserPrompt(msg *domain.Message, bodyText string) string {
	if len(bodyText) > maxBodyChars {
		bodyText = bodyText[:maxBodyChars]
	}

	var sb strings.Builder
	sb.WriteString("From: " + msg.FromEmail + "\n")
	sb.WriteString("Subject: " + msg.Subject + "\n")
	sb.WriteString("Body:\n" + bodyText)
	return sb.String()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var _ out.DecisionService = (*OpenAIDecision)(nil)
