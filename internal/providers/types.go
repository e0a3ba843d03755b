package providers

import "context"

// Backend is the interface an answer-generating AI service must implement.
// The gateway treats it as an opaque producer of a text stream.
type Backend interface {
	// Name returns the backend identifier (e.g. "dify").
	Name() string

	// Chat sends a query in blocking mode and returns the complete answer.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// OpenStream sends a query in streaming mode. The returned Stream yields
	// fragments lazily; the caller must Close it.
	OpenStream(ctx context.Context, req ChatRequest) (Stream, error)
}

// HistoryBackend is implemented by backends that can list past messages
// of a conversation.
type HistoryBackend interface {
	Messages(ctx context.Context, userID, conversationID string, limit int) ([]HistoryMessage, error)
}

// Stream is a finite sequence of answer fragments.
// Recv returns io.EOF once the upstream body is exhausted.
type Stream interface {
	Recv() (Fragment, error)
	Close() error
}

// ChatRequest contains the input for a Chat/OpenStream call.
type ChatRequest struct {
	Query          string `json:"query"`
	UserID         string `json:"user"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ChatResponse is the result of a blocking call.
type ChatResponse struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// FragmentKind tags a streamed fragment.
type FragmentKind int

const (
	// FragmentDelta carries an incremental piece of the answer.
	FragmentDelta FragmentKind = iota
	// FragmentEnd terminates the stream and carries the final ids.
	FragmentEnd
)

func (k FragmentKind) String() string {
	switch k {
	case FragmentDelta:
		return "delta"
	case FragmentEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Fragment is one piece of a streamed answer.
type Fragment struct {
	Kind           FragmentKind `json:"event"`
	AnswerDelta    string       `json:"answer_delta,omitempty"`
	ConversationID string       `json:"conversation_id,omitempty"`
	MessageID      string       `json:"message_id,omitempty"`
}

// HistoryMessage is one query/answer pair from a conversation history.
type HistoryMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Query          string `json:"query"`
	Answer         string `json:"answer"`
	CreatedAt      int64  `json:"created_at"`
}
