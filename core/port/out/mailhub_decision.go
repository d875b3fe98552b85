package out

import (
	"context"

	"mailhub_server/core/domain"
)

// =============================================================================
// AI Decision Service Port
// =============================================================================

// Decision is the result of one AI pass over a message: spam probability plus
// an optional reply draft. 메시지당 호출은 정확히 1회입니다.
type Decision struct {
	// SpamProbability ∈ [0,1]
	SpamProbability float64 `json:"spam_probability"`

	// ReplyDraft is empty when the service declines to draft a reply.
	ReplyDraft string `json:"reply_draft,omitempty"`

	// ReplyConfidence ∈ [0,1]
	ReplyConfidence float64 `json:"reply_confidence"`
}

// DecisionService scores and drafts in a single bounded call. Timeout or
// error means "skip automation for this message", never pipeline-fatal.
type DecisionService interface {
	Analyze(ctx context.Context, msg *domain.Message, bodyText string) (*Decision, error)
}
