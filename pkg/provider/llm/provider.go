// Package llm defines the Provider interface for the Large Language Model
// backend that powers Candor's deep credibility analysis.
//
// The deep analyzer always requests a single complete JSON document per call
// (one assessment per clip, one insight block per session), so the interface
// is deliberately non-streaming: a Provider takes a prompt and returns the
// full response. Implementations wrap a remote or local model API (OpenAI,
// Anthropic, Gemini, Ollama, …) without leaking SDK types.
//
// Implementations must be safe for concurrent use and must return promptly
// when ctx is cancelled.
package llm

import "context"

// Message is a single entry in the conversation handed to the model.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs for one response.
// Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is a high-priority instruction injected before Messages.
	// Providers that lack a dedicated system field prepend it as a
	// "system"-role message.
	SystemPrompt string

	// Messages is the ordered conversation. The last message drives the
	// response.
	Messages []Message

	// Temperature controls output randomness in [0.0, 2.0]. Credibility
	// assessments are run near 0 for reproducibility.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// JSONOnly asks the backend for a JSON-object response when the model
	// supports constrained output. Providers without native support ignore
	// it; the deep analyzer extracts JSON defensively either way.
	JSONOnly bool
}

// CompletionResponse is the model's full reply.
type CompletionResponse struct {
	// Content is the complete text of the reply.
	Content string

	// Usage contains token accounting for this call.
	Usage Usage
}

// Capabilities describes static properties of the configured model.
type Capabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the per-completion generation cap.
	MaxOutputTokens int

	// SupportsJSONMode indicates native JSON-constrained output.
	SupportsJSONMode bool
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req and waits for the full response. Returns an error if
	// the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many tokens messages would consume in the
	// model's context window. Used to bound how much session history the deep
	// analyzer packs into an insight prompt. The estimate need not be exact
	// but should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata about the configured model,
	// constant for the lifetime of the Provider.
	Capabilities() Capabilities
}
