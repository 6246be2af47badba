package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/castograph/castograph/pkg/provider/embeddings"
	embgemini "github.com/castograph/castograph/pkg/provider/embeddings/gemini"
	embopenai "github.com/castograph/castograph/pkg/provider/embeddings/openai"
	"github.com/castograph/castograph/pkg/provider/llm"
	"github.com/castograph/castograph/pkg/provider/llm/anyllm"
	llmgemini "github.com/castograph/castograph/pkg/provider/llm/gemini"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LLMFactory builds one chat provider for one API key.
type LLMFactory func(ctx context.Context, entry ProviderEntry, apiKey string) (llm.Provider, error)

// EmbeddingsFactory builds one embeddings provider for one API key.
type EmbeddingsFactory func(ctx context.Context, entry ProviderEntry, apiKey string) (embeddings.Provider, error)

// Registry maps provider names to their constructor functions. The quota
// client calls the factory once per configured key. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]LLMFactory
	embeddings map[string]EmbeddingsFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]LLMFactory),
		embeddings: make(map[string]EmbeddingsFactory),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory EmbeddingsFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// CreateLLM instantiates a chat provider using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] for unknown names.
func (r *Registry) CreateLLM(ctx context.Context, entry ProviderEntry, apiKey string) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(ctx, entry, apiKey)
}

// CreateEmbeddings instantiates an embeddings provider using the factory
// registered under entry.Name.
func (r *Registry) CreateEmbeddings(ctx context.Context, entry ProviderEntry, apiKey string) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(ctx, entry, apiKey)
}

// DefaultRegistry returns a Registry with all built-in providers registered:
// the native Gemini chat and embeddings providers, the any-llm-go multi
// backend bridge for every other chat provider name, and OpenAI embeddings.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterLLM("gemini", func(ctx context.Context, entry ProviderEntry, apiKey string) (llm.Provider, error) {
		var opts []llmgemini.Option
		if entry.Model != "" {
			opts = append(opts, llmgemini.WithModel(entry.Model))
		}
		return llmgemini.New(ctx, apiKey, opts...)
	})
	for _, name := range []string{"openai", "anthropic", "ollama", "deepseek", "mistral", "groq"} {
		r.RegisterLLM(name, func(_ context.Context, entry ProviderEntry, apiKey string) (llm.Provider, error) {
			opts := []anyllmlib.Option{anyllmlib.WithAPIKey(apiKey)}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(entry.Name, entry.Model, opts...)
		})
	}

	r.RegisterEmbeddings("gemini", func(ctx context.Context, entry ProviderEntry, apiKey string) (embeddings.Provider, error) {
		var opts []embgemini.Option
		if entry.Model != "" {
			opts = append(opts, embgemini.WithModel(entry.Model))
		}
		return embgemini.New(ctx, apiKey, opts...)
	})
	r.RegisterEmbeddings("openai", func(_ context.Context, entry ProviderEntry, apiKey string) (embeddings.Provider, error) {
		var opts []embopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, embopenai.WithBaseURL(entry.BaseURL))
		}
		return embopenai.New(apiKey, entry.Model, opts...)
	})

	return r
}
