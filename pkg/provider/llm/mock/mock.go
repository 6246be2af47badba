// Package mock provides a scripted llm.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/castograph/castograph/pkg/provider/llm"
)

// Compile-time interface checks.
var (
	_ llm.Provider         = (*Provider)(nil)
	_ llm.AudioTranscriber = (*Provider)(nil)
)

// Response is one scripted reply: either Content or Err.
type Response struct {
	Content string
	Usage   llm.Usage
	Err     error
}

// Provider replays scripted responses in order. When the script is
// exhausted, the last response repeats. A nil script yields empty
// responses. Safe for concurrent use.
type Provider struct {
	mu        sync.Mutex
	script    []Response
	pos       int
	calls     []llm.CompletionRequest
	audio     []llm.TranscriptionRequest
	caps      llm.Capabilities
	CompleteF func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// New creates a mock Provider replaying the given script.
func New(script ...Response) *Provider {
	return &Provider{
		script: script,
		caps: llm.Capabilities{
			ContextWindow:      32_000,
			MaxOutputTokens:    8192,
			SupportsJSONMode:   true,
			SupportsAudioInput: true,
		},
	}
}

// SetCapabilities overrides the reported capabilities.
func (p *Provider) SetCapabilities(caps llm.Capabilities) { p.caps = caps }

func (p *Provider) next() Response {
	if len(p.script) == 0 {
		return Response{}
	}
	r := p.script[min(p.pos, len(p.script)-1)]
	p.pos++
	return r
}

// Complete implements llm.Provider. When CompleteF is set it takes
// precedence over the script.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.calls = append(p.calls, req)
	fn := p.CompleteF
	var r Response
	if fn == nil {
		r = p.next()
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return &llm.CompletionResponse{Content: r.Content, Usage: r.Usage}, nil
}

// Transcribe implements llm.AudioTranscriber using the same script.
func (p *Provider) Transcribe(ctx context.Context, req llm.TranscriptionRequest) (*llm.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.audio = append(p.audio, req)
	r := p.next()
	p.mu.Unlock()

	if r.Err != nil {
		return nil, r.Err
	}
	return &llm.CompletionResponse{Content: r.Content, Usage: r.Usage}, nil
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.Capabilities { return p.caps }

// Calls returns a copy of all Complete requests received so far.
func (p *Provider) Calls() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.CompletionRequest, len(p.calls))
	copy(out, p.calls)
	return out
}

// TranscribeCalls returns a copy of all Transcribe requests received so far.
func (p *Provider) TranscribeCalls() []llm.TranscriptionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.TranscriptionRequest, len(p.audio))
	copy(out, p.audio)
	return out
}
