package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/ragchat/internal/jobqueue"
	"github.com/fyrsmithlabs/ragchat/internal/pipeline"
)

// Answerer produces a retrieval-augmented answer.
type Answerer interface {
	Answer(ctx context.Context, message, conversationID string) (*pipeline.Answer, error)
}

// GenerationHandler returns the worker handler that answers a
// GenerationInput and encodes the GenerationOutput. Gateway errors keep
// their retry classification; bad input is never retried.
func GenerationHandler(a Answerer) jobqueue.Handler {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in GenerationInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("decoding generation input: %w", err)
		}
		if strings.TrimSpace(in.Message) == "" {
			return nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
		}

		ans, err := a.Answer(ctx, in.Message, in.ConversationID)
		if err != nil {
			return nil, err
		}
		if ans.Context == nil {
			ans.Context = []pipeline.ContextItem{}
		}
		return json.Marshal(ans)
	}
}
