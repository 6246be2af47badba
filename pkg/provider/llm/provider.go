// Package llm defines the Provider interface for Large Language Model
// backends used by the castograph pipeline.
//
// A provider wraps one remote model API behind one API key. Multi-key quota
// management, retries, and circuit breaking live above this interface in the
// quota-managed client; providers only translate requests to their SDK and
// report token usage back.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Message is a single message in a model conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit. Zero values mean the backend did not report
// usage; callers fall back to their own estimates.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a
// response. Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. For this pipeline it is almost
	// always a single user message built from a prompt template.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction. Providers that
	// have no dedicated system slot prepend it as a "system" message.
	SystemPrompt string

	// Temperature controls randomness in [0.0, 2.0]. Zero requests the
	// provider default.
	Temperature float64

	// MaxTokens caps completion tokens. Zero means provider default.
	MaxTokens int

	// JSONOnly asks the model to emit a bare JSON document. Providers with
	// a native JSON response mode should enable it; others must rely on the
	// prompt alone.
	JSONOnly bool
}

// CompletionResponse is the full (non-streaming) model reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Capabilities describes static properties of a provider's model.
type Capabilities struct {
	// ContextWindow is the maximum token count for input plus output.
	ContextWindow int

	// MaxOutputTokens is the per-response generation cap. Long transcription
	// outputs exceed this, which is why the continuation protocol exists.
	MaxOutputTokens int

	// SupportsJSONMode indicates a native JSON response format.
	SupportsJSONMode bool

	// SupportsAudioInput indicates the model accepts inline audio parts and
	// can be used for transcription.
	SupportsAudioInput bool
}

// Provider is the abstraction over a single-key LLM backend.
type Provider interface {
	// Complete sends req and waits for the full response. Must return
	// promptly when ctx is cancelled.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many tokens messages would consume. The
	// result need not be exact but should not undercount; the quota client
	// charges this estimate against per-key daily budgets.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static model metadata. Assumed constant for the
	// lifetime of the Provider.
	Capabilities() Capabilities
}

// TranscriptionRequest asks an audio-capable model to produce a WebVTT
// transcript of the supplied audio.
type TranscriptionRequest struct {
	// Audio is the raw audio payload, sent inline.
	Audio []byte

	// MIMEType identifies the audio encoding (e.g. "audio/mp3").
	MIMEType string

	// Instruction is the transcription prompt, including any continuation
	// context from previous partial responses.
	Instruction string
}

// AudioTranscriber is implemented by providers whose model accepts audio
// input. The quota client's continuation loop is layered on top of this.
type AudioTranscriber interface {
	Transcribe(ctx context.Context, req TranscriptionRequest) (*CompletionResponse, error)
}

// EstimateTokens is the shared fallback token estimator: roughly four
// characters per token plus a small per-message overhead.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total
}
