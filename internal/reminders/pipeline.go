package reminders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/medication-reminders/internal/dedup"
	"github.com/bissquit/medication-reminders/internal/delivery"
	"github.com/bissquit/medication-reminders/internal/domain"
	"github.com/bissquit/medication-reminders/internal/pkg/ctxlog"
)

// Outcome is what happened to a candidate in the pipeline.
type Outcome string

// Pipeline outcomes.
const (
	OutcomeSent         Outcome = "sent"
	OutcomeSuppressed   Outcome = "suppressed"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// DeliveryResult describes one candidate's trip through the pipeline.
type DeliveryResult struct {
	Outcome      Outcome
	Attempts     int
	MessageID    string
	DeadLetterID string
}

// Gate is the dedup gate of the pipeline.
type Gate interface {
	ShouldSend(ctx context.Context, key domain.DedupKey) bool
	RecordSent(ctx context.Context, key domain.DedupKey, rec dedup.SendRecord) error
}

// Renderer turns a candidate into a chat message.
type Renderer interface {
	Render(channelType domain.ChannelType, candidate domain.NotificationCandidate) (subject, body string, err error)
}

// Sender sends a rendered message to a recipient.
type Sender interface {
	Send(ctx context.Context, recipient domain.Recipient, subject, body string) (string, error)
}

// DeadLetterQueue records terminal delivery failures.
type DeadLetterQueue interface {
	Enqueue(ctx context.Context, candidate domain.NotificationCandidate, sendErr error, retryCount int, correlationID string) (string, error)
}

// RecipientLookup resolves the recipient of a subject.
type RecipientLookup interface {
	GetRecipient(ctx context.Context, subjectID string) (*domain.Recipient, error)
}

// Pipeline runs candidates through dedup, rendering, delivery with retries
// and dead-lettering.
type Pipeline struct {
	gate       Gate
	renderer   Renderer
	sender     Sender
	executor   *delivery.Executor
	dlq        DeadLetterQueue
	recipients RecipientLookup
	recorder   delivery.Recorder
	policy     delivery.Policy
	now        func() time.Time
}

// PipelineDeps are the collaborators of a Pipeline.
type PipelineDeps struct {
	Gate       Gate
	Renderer   Renderer
	Sender     Sender
	Executor   *delivery.Executor
	DLQ        DeadLetterQueue
	Recipients RecipientLookup
	// Recorder receives failures that never reach the executor.
	Recorder delivery.Recorder
}

// NewPipeline creates a new delivery pipeline.
func NewPipeline(deps PipelineDeps, policy delivery.Policy) *Pipeline {
	executor := deps.Executor
	if executor == nil {
		executor = delivery.NewExecutor(deps.Recorder)
	}
	return &Pipeline{
		gate:       deps.Gate,
		renderer:   deps.Renderer,
		sender:     deps.Sender,
		executor:   executor,
		dlq:        deps.DLQ,
		recipients: deps.Recipients,
		recorder:   deps.Recorder,
		policy:     policy,
		now:        time.Now,
	}
}

// Deliver takes a due candidate through the pipeline. The returned error is
// set only when a terminal failure could not be dead-lettered.
func (p *Pipeline) Deliver(ctx context.Context, recipient domain.Recipient, candidate domain.NotificationCandidate) (DeliveryResult, error) {
	var res DeliveryResult
	err := ctxlog.Run(ctx, candidate.CorrelationID, func(ctx context.Context) error {
		var err error
		res, err = p.deliver(ctx, recipient, candidate)
		return err
	})
	return res, err
}

func (p *Pipeline) deliver(ctx context.Context, recipient domain.Recipient, candidate domain.NotificationCandidate) (DeliveryResult, error) {
	candidate.CorrelationID = ctxlog.CorrelationID(ctx)
	key := candidate.DedupKey()
	logger := ctxlog.FromContext(ctx).With(
		"subject_id", candidate.SubjectID,
		"kind", candidate.Kind,
		"protocol_id", candidate.ProtocolID,
	)

	if !p.gate.ShouldSend(ctx, key) {
		logger.Debug("notification suppressed by dedup window")
		return DeliveryResult{Outcome: OutcomeSuppressed}, nil
	}

	subject, body, err := p.renderer.Render(recipient.ChannelType, candidate)
	if err != nil {
		renderErr := delivery.NewSendError(domain.ErrorCategoryBadRequest, "RENDER", err.Error())
		if p.recorder != nil {
			p.recorder.RecordFailure(renderErr.Category, false)
		}
		return p.deadLetter(ctx, candidate, renderErr, 0)
	}

	send := func(ctx context.Context) (string, error) {
		return p.sender.Send(ctx, recipient, subject, body)
	}
	result := p.executor.Execute(ctx, send, p.policy)

	if !result.Success {
		res, err := p.deadLetter(ctx, candidate, result.Err, result.Attempts-1)
		res.Attempts = result.Attempts
		return res, err
	}

	p.recordSent(ctx, key, candidate, result.MessageID)
	logger.Info("notification delivered",
		"attempts", result.Attempts,
		"message_id", result.MessageID,
	)
	return DeliveryResult{
		Outcome:   OutcomeSent,
		Attempts:  result.Attempts,
		MessageID: result.MessageID,
	}, nil
}

// deadLetter enqueues a terminal failure. The write survives cancellation of
// ctx so a shutdown mid-delivery does not lose the failure.
func (p *Pipeline) deadLetter(ctx context.Context, candidate domain.NotificationCandidate, sendErr error, retryCount int) (DeliveryResult, error) {
	id, err := p.dlq.Enqueue(context.WithoutCancel(ctx), candidate, sendErr, retryCount, candidate.CorrelationID)
	if err != nil {
		ctxlog.FromContext(ctx).Error("failed to dead-letter notification",
			"subject_id", candidate.SubjectID,
			"kind", candidate.Kind,
			"send_error", sendErr,
			"error", err,
		)
		return DeliveryResult{}, fmt.Errorf("dead-letter %s for %s: %w", candidate.Kind, candidate.SubjectID, err)
	}
	return DeliveryResult{Outcome: OutcomeDeadLettered, DeadLetterID: id}, nil
}

func (p *Pipeline) recordSent(ctx context.Context, key domain.DedupKey, candidate domain.NotificationCandidate, messageID string) {
	err := p.gate.RecordSent(context.WithoutCancel(ctx), key, dedup.SendRecord{
		Slot:          candidate.Slot,
		SentAt:        p.now(),
		CorrelationID: candidate.CorrelationID,
		MessageID:     messageID,
	})
	if err != nil {
		ctxlog.FromContext(ctx).Error("failed to record sent notification", "error", err)
	}
}

// Redeliver replays a dead-lettered candidate with a single attempt and no
// dedup gate. The send is recorded under the correlation id of ctx, the
// retry action, not the one of the original delivery. It implements
// deadletter.Redeliverer.
func (p *Pipeline) Redeliver(ctx context.Context, candidate domain.NotificationCandidate) (string, error) {
	ctx = ctxlog.EnsureCorrelationID(ctx)
	candidate.CorrelationID = ctxlog.CorrelationID(ctx)

	recipient, err := p.recipients.GetRecipient(ctx, candidate.SubjectID)
	if errors.Is(err, ErrRecipientNotFound) {
		return "", delivery.NewSendError(domain.ErrorCategoryInvalidChat, "NO_RECIPIENT", err.Error())
	}
	if err != nil {
		return "", fmt.Errorf("get recipient: %w", err)
	}

	subject, body, err := p.renderer.Render(recipient.ChannelType, candidate)
	if err != nil {
		return "", delivery.NewSendError(domain.ErrorCategoryBadRequest, "RENDER", err.Error())
	}

	send := func(ctx context.Context) (string, error) {
		return p.sender.Send(ctx, *recipient, subject, body)
	}
	result := p.executor.Execute(ctx, send, p.policy.SingleAttempt())
	if !result.Success {
		return "", result.Err
	}

	p.recordSent(ctx, candidate.DedupKey(), candidate, result.MessageID)
	return result.MessageID, nil
}
