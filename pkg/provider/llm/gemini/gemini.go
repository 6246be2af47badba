// Package gemini implements llm.Provider and llm.AudioTranscriber on top of
// Google's Gemini API via the google.golang.org/genai SDK.
//
// One Provider wraps one API key. The quota-managed client constructs a
// Provider per configured key and rotates between them.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/castograph/castograph/pkg/provider/llm"
)

// DefaultModel is the model used when none is configured.
const DefaultModel = "gemini-2.0-flash"

// Compile-time interface checks.
var (
	_ llm.Provider         = (*Provider)(nil)
	_ llm.AudioTranscriber = (*Provider)(nil)
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel overrides the default Gemini model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithHTTPOptions overrides SDK HTTP options. Primarily used in tests to
// point at a local mock server.
func WithHTTPOptions(opts genai.HTTPOptions) Option {
	return func(p *Provider) { p.httpOptions = &opts }
}

// Provider implements llm.Provider for the Gemini API.
type Provider struct {
	client      *genai.Client
	model       string
	httpOptions *genai.HTTPOptions
}

// New creates a Gemini Provider for the given API key.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: apiKey must not be empty")
	}
	p := &Provider{model: DefaultModel}
	for _, o := range opts {
		o(p)
	}

	cfg := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if p.httpOptions != nil {
		cfg.HTTPOptions = *p.httpOptions
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	p.client = client
	return p, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("gemini: empty message list")
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.RoleUser
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}

	cfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}
	if req.Temperature != 0 {
		t := float32(req.Temperature)
		cfg.Temperature = &t
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.JSONOnly {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}

	return toResponse(resp)
}

// Transcribe implements llm.AudioTranscriber. The audio is sent as an inline
// data part alongside the transcription instruction.
func (p *Provider) Transcribe(ctx context.Context, req llm.TranscriptionRequest) (*llm.CompletionResponse, error) {
	if len(req.Audio) == 0 {
		return nil, fmt.Errorf("gemini: empty audio payload")
	}
	mimeType := req.MIMEType
	if mimeType == "" {
		mimeType = "audio/mp3"
	}

	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			{Text: req.Instruction},
			{InlineData: &genai.Blob{MIMEType: mimeType, Data: req.Audio}},
		},
	}}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: transcribe: %w", err)
	}
	return toResponse(resp)
}

// CountTokens implements llm.Provider using the shared local estimator.
// The remote countTokens endpoint would burn a request against the very
// quota the estimate is meant to protect.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.Capabilities {
	caps := llm.Capabilities{
		ContextWindow:      1_048_576,
		MaxOutputTokens:    8192,
		SupportsJSONMode:   true,
		SupportsAudioInput: true,
	}
	if strings.Contains(strings.ToLower(p.model), "pro") {
		caps.MaxOutputTokens = 65_536
	}
	return caps
}

// toResponse flattens a genai response into an llm.CompletionResponse.
func toResponse(resp *genai.GenerateContentResponse) (*llm.CompletionResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini: empty response")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}

	out := &llm.CompletionResponse{Content: sb.String()}
	if resp.UsageMetadata != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}
