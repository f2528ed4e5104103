// Package chat runs a chat turn: it records the user message, hands the
// generation to the job queue, waits for the answer and records it.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/ragchat/internal/conversation"
	"github.com/fyrsmithlabs/ragchat/internal/jobqueue"
	"github.com/fyrsmithlabs/ragchat/internal/logging"
	"github.com/fyrsmithlabs/ragchat/internal/pipeline"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/ragchat/internal/chat"

var (
	// ErrInvalidRequest indicates a request that fails validation.
	ErrInvalidRequest = errors.New("invalid chat request")

	// ErrNotFound indicates a conversation that does not exist or belongs
	// to another nickname.
	ErrNotFound = conversation.ErrNotFound
)

// Conversations is the conversation store.
type Conversations interface {
	Create(ctx context.Context, nickname, title string) (*conversation.Conversation, error)
	Get(ctx context.Context, id string) (*conversation.Conversation, error)
	ListForNickname(ctx context.Context, nickname string) ([]conversation.Conversation, error)
	AddMessage(ctx context.Context, conversationID, role, content string) (*conversation.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]conversation.Message, error)
	LastMessage(ctx context.Context, conversationID string) (*conversation.Message, error)
}

// Jobs is the submitting side of the job queue.
type Jobs interface {
	Enqueue(ctx context.Context, input json.RawMessage) (jobqueue.Handle, error)
	WaitForResult(ctx context.Context, jobID string, timeout, pollInterval time.Duration) (json.RawMessage, error)
}

// Service coordinates the conversation store and the job queue.
type Service struct {
	store  Conversations
	jobs   Jobs
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	// Zero values select the queue defaults.
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// NewService creates a Service.
func NewService(store Conversations, jobs Jobs, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		jobs:   jobs,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		now:    time.Now,
	}
}

// Validate checks a chat request.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	if err := conversation.ValidateNickname(r.Nickname); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// Process runs one chat turn. Without a conversation id a new conversation
// is created for the nickname. The user message is stored before the job
// is enqueued, so it survives a failed generation.
func (s *Service) Process(ctx context.Context, req Request) (resp *Response, err error) {
	ctx, span := s.tracer.Start(ctx, "Chat.Process", trace.WithAttributes(
		attribute.Bool("new_conversation", req.ConversationID == ""),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	conv, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("conversation_id", conv.ID))
	ctx = logging.WithConversationID(ctx, conv.ID)
	log := s.logger.With(logging.ContextFields(ctx)...)

	if _, err := s.store.AddMessage(ctx, conv.ID, conversation.RoleUser, req.Message); err != nil {
		return nil, fmt.Errorf("recording user message: %w", err)
	}

	input, err := json.Marshal(GenerationInput{Message: req.Message, ConversationID: conv.ID})
	if err != nil {
		return nil, fmt.Errorf("encoding generation input: %w", err)
	}
	handle, err := s.jobs.Enqueue(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("enqueueing generation: %w", err)
	}
	log.Debug("generation enqueued", zap.String("job_id", handle.JobID))

	raw, err := s.jobs.WaitForResult(ctx, handle.JobID, s.WaitTimeout, s.PollInterval)
	if err != nil {
		log.Warn("generation did not complete", zap.String("job_id", handle.JobID), zap.Error(err))
		return nil, err
	}

	var out GenerationOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding generation result: %w", err)
	}
	reply := out.Response.Text()

	if _, err := s.store.AddMessage(ctx, conv.ID, conversation.RoleAssistant, reply); err != nil {
		return nil, fmt.Errorf("recording assistant message: %w", err)
	}

	history, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	if out.Context == nil {
		out.Context = []pipeline.ContextItem{}
	}
	return &Response{
		ConversationID: conv.ID,
		Response:       reply,
		Context:        out.Context,
		CreatedAt:      s.now().UTC(),
		Messages:       fromStored(history),
	}, nil
}

func (s *Service) resolve(ctx context.Context, req Request) (*conversation.Conversation, error) {
	if req.ConversationID == "" {
		return s.store.Create(ctx, req.Nickname, "")
	}
	return s.Owned(ctx, req.ConversationID, req.Nickname)
}

// Owned returns the conversation when it belongs to nickname and
// ErrNotFound otherwise.
func (s *Service) Owned(ctx context.Context, id, nickname string) (*conversation.Conversation, error) {
	conv, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Nickname != nickname {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return conv, nil
}

// List returns the nickname's conversations, most recently updated first,
// each with a preview of its last message.
func (s *Service) List(ctx context.Context, nickname string) ([]Summary, error) {
	if err := conversation.ValidateNickname(nickname); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	convs, err := s.store.ListForNickname(ctx, nickname)
	if err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(convs))
	for _, c := range convs {
		sum := Summary{Conversation: c}
		last, err := s.store.LastMessage(ctx, c.ID)
		switch {
		case errors.Is(err, conversation.ErrNotFound):
		case err != nil:
			return nil, err
		default:
			p := Preview(last.Content)
			sum.LastMessagePreview = &p
		}
		out = append(out, sum)
	}
	return out, nil
}

// Thread returns a conversation owned by nickname with all its messages.
func (s *Service) Thread(ctx context.Context, id, nickname string) (*Thread, error) {
	if err := conversation.ValidateNickname(nickname); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	conv, err := s.Owned(ctx, id, nickname)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Thread{Conversation: *conv, Messages: msgs}, nil
}
