// Package llm defines the provider-neutral contract the conversation engine
// speaks to language models, plus the Gemini-backed implementation.
package llm

import "context"

// Role values for conversation messages.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// FinishReason mirrors the provider's candidate finish reason.
type FinishReason string

const (
	FinishStop       FinishReason = "STOP"
	FinishMaxTokens  FinishReason = "MAX_TOKENS"
	FinishSafety     FinishReason = "SAFETY"
	FinishRecitation FinishReason = "RECITATION"
	FinishOther      FinishReason = "OTHER"
	FinishUnknown    FinishReason = ""
)

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse carries a tool result back to the model.
type FunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Part is one unit of message content. Exactly one field is set.
type Part struct {
	Text             string            `json:"text,omitempty" bson:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"function_call,omitempty" bson:"function_call,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty" bson:"function_response,omitempty"`
}

// Message is one turn of conversation history, in the wire shape the
// session store persists (role + parts).
type Message struct {
	Role  string `json:"role" bson:"role"`
	Parts []Part `json:"parts" bson:"parts"`
}

// TextMessage builds a single-part text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Parts: []Part{{Text: text}}}
}

// Candidate is one model completion.
type Candidate struct {
	Parts        []Part
	FinishReason FinishReason
}

// PromptFeedback reports prompt-level blocking.
type PromptFeedback struct {
	BlockReason string
}

// Response is a full (non-streaming) model response.
type Response struct {
	Candidates     []Candidate
	PromptFeedback *PromptFeedback
}

// First returns the first candidate, or nil when the response is empty.
func (r *Response) First() *Candidate {
	if r == nil || len(r.Candidates) == 0 {
		return nil
	}
	return &r.Candidates[0]
}

// Text concatenates the text parts of the first candidate.
func (r *Response) Text() string {
	c := r.First()
	if c == nil {
		return ""
	}
	var out string
	for _, p := range c.Parts {
		out += p.Text
	}
	return out
}

// FunctionCalls returns all function calls in the first candidate, in order.
func (r *Response) FunctionCalls() []FunctionCall {
	c := r.First()
	if c == nil {
		return nil
	}
	var calls []FunctionCall
	for _, p := range c.Parts {
		if p.FunctionCall != nil {
			calls = append(calls, *p.FunctionCall)
		}
	}
	return calls
}

// Blocked reports whether the prompt itself was rejected before generation.
func (r *Response) Blocked() bool {
	return r != nil && r.PromptFeedback != nil && r.PromptFeedback.BlockReason != ""
}

// Chunk is one streaming increment. Thought chunks carry model reasoning
// when native thinking is enabled; they never reach the user verbatim.
type Chunk struct {
	Text          string
	Thought       bool
	FunctionCalls []FunctionCall
	FinishReason  FinishReason
	Final         bool
}

// ToolDefinition declares a callable tool to the model. Parameters is a
// JSON-schema object in map form.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// GenerateRequest is a single model invocation. The engine always owns tool
// dispatch: implementations must not auto-execute function calls.
type GenerateRequest struct {
	Model           string
	System          string
	History         []Message
	Tools           []ToolDefinition
	Temperature     *float32
	MaxOutputTokens int32
}

// Client is the model interface the engine depends on.
type Client interface {
	// Generate performs one blocking completion.
	Generate(ctx context.Context, req GenerateRequest) (*Response, error)

	// GenerateStream performs one streaming completion. The chunk channel is
	// closed when the stream ends; at most one error is sent on errs.
	GenerateStream(ctx context.Context, req GenerateRequest) (<-chan Chunk, <-chan error)

	// Embed returns an embedding vector for text with the given
	// dimensionality.
	Embed(ctx context.Context, text string, dim int) ([]float32, error)
}
