package chat

import (
	"time"

	"github.com/fyrsmithlabs/ragchat/internal/conversation"
	"github.com/fyrsmithlabs/ragchat/internal/pipeline"
)

// PreviewLength is the rune length of a conversation summary preview.
const PreviewLength = 120

// Request is a chat turn submitted by a user.
type Request struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	Nickname       string `json:"nickname"`
}

// Message is a turn as returned to clients.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Response is the result of a chat turn. Messages holds the whole
// conversation including the new user and assistant turns.
type Response struct {
	ConversationID string                 `json:"conversation_id"`
	Response       string                 `json:"response"`
	Context        []pipeline.ContextItem `json:"context"`
	CreatedAt      time.Time              `json:"created_at"`
	Messages       []Message              `json:"messages"`
}

// GenerationInput is the work descriptor of a generation job.
type GenerationInput struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

// GenerationOutput is the result of a generation job.
type GenerationOutput = pipeline.Answer

// Summary is a conversation listed for a nickname.
type Summary struct {
	conversation.Conversation
	LastMessagePreview *string `json:"last_message_preview"`
}

// Thread is a conversation with its messages.
type Thread struct {
	conversation.Conversation
	Messages []conversation.Message `json:"messages"`
}

func fromStored(msgs []conversation.Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = Message{Role: m.Role, Content: m.Content, Timestamp: m.CreatedAt}
	}
	return out
}

// Preview returns the first PreviewLength runes of s.
func Preview(s string) string {
	r := []rune(s)
	if len(r) <= PreviewLength {
		return s
	}
	return string(r[:PreviewLength])
}
