// Package llm provides the gateway to the external chat-completions endpoint.
// The gateway exposes exactly two operations, a tool-forced structured answer
// and a free-form compression, and records a canonical serialization of every
// outbound request for auditing.
package llm

import "context"

// Usage holds the token counters reported by the provider for one request.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Add accumulates another usage record into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// ToolAnswer is the outcome of a tool-forced answer request. RequestJSON is
// the canonical key-sorted serialization of the outbound request body, the
// exact bytes that went on the wire.
type ToolAnswer struct {
	Answer      string
	Usage       Usage
	RequestJSON string
}

// Compression is the outcome of a compression request.
type Compression struct {
	CompressedTask string
	Usage          Usage
	RequestJSON    string
}

// Gateway is the interface to the chat-completions endpoint. Implementations
// must be stateless and safe for concurrent use; parallelism is the caller's
// responsibility.
type Gateway interface {
	// AnswerWithTool submits a system+user conversation that forces the model
	// to call the answer_question function with an answer drawn from options.
	// A reply that skips the tool call or omits usage is an error, as is
	// any transport failure.
	AnswerWithTool(ctx context.Context, model, system, user string, options []string) (*ToolAnswer, error)

	// Compress submits the compressing prompt as the system message and the
	// task as the user message, returning the model's free-form reply. An
	// empty reply or a missing usage block is an error.
	Compress(ctx context.Context, model, compressingPrompt, task string) (*Compression, error)
}
