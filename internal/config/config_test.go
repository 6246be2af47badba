package config

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/castograph/castograph/pkg/provider/llm"
	llmmock "github.com/castograph/castograph/pkg/provider/llm/mock"
)

const fullYAML = `
log_level: debug

keys:
  - secret: key-one
  - secret: key-two
    paid: true

model:
  rotation: round_robin
  retry_attempts: 3
  state_dir: /var/lib/castograph
  limits:
    rpm: 10
    rpd: 100

providers:
  llm:
    name: gemini
    model: gemini-2.0-pro
  embeddings:
    name: openai
    model: text-embedding-3-small
    base_url: https://proxy.internal/v1

pipeline:
  max_concurrent_units: 8
  unit_timeout: 90s
  failure_threshold: 0.25
  combined_extraction: false
  enable_speaker_mapping: true
  work_dir: /tmp/castograph

checkpoint:
  dir: /var/lib/castograph/checkpoints
  compress: true
  max_age: 48h

graph:
  postgres_dsn: postgres://localhost:5432/castograph
  embedding_dimensions: 1536
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	cfg, err := LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.LogLevel != LogDebug {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
	if len(cfg.Keys) != 2 || !cfg.Keys[1].Paid {
		t.Errorf("keys = %+v", cfg.Keys)
	}
	if cfg.Model.Rotation != "round_robin" || cfg.Model.RetryAttempts != 3 {
		t.Errorf("model = %+v", cfg.Model)
	}
	if cfg.Model.Limits.RPM != 10 || cfg.Model.Limits.RPD != 100 {
		t.Errorf("limits = %+v", cfg.Model.Limits)
	}
	if cfg.Pipeline.UnitTimeout.Std() != 90*time.Second {
		t.Errorf("unit_timeout = %v", cfg.Pipeline.UnitTimeout.Std())
	}
	if cfg.Pipeline.FailureThreshold != 0.25 {
		t.Errorf("failure_threshold = %v", cfg.Pipeline.FailureThreshold)
	}
	if !cfg.Pipeline.EnableSpeakerMapping {
		t.Error("enable_speaker_mapping not applied")
	}
	if cfg.Pipeline.CombinedExtraction {
		t.Error("combined_extraction: false did not override the default")
	}
	if cfg.Checkpoint.MaxAge.Std() != 48*time.Hour || !cfg.Checkpoint.Compress {
		t.Errorf("checkpoint = %+v", cfg.Checkpoint)
	}
	if cfg.Graph.EmbeddingDimensions != 1536 {
		t.Errorf("embedding_dimensions = %d", cfg.Graph.EmbeddingDimensions)
	}
}

func TestLoadFromReader_DefaultsSurviveSparseConfig(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	cfg, err := LoadFromReader(strings.NewReader("log_level: warn\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.LogLevel != LogWarn {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
	if cfg.Pipeline.MaxConcurrentUnits != 4 {
		t.Errorf("max_concurrent_units default = %d, want 4", cfg.Pipeline.MaxConcurrentUnits)
	}
	if cfg.Pipeline.UnitTimeout.Std() != 120*time.Second {
		t.Errorf("unit_timeout default = %v", cfg.Pipeline.UnitTimeout.Std())
	}
	if cfg.Pipeline.FailureThreshold != 0.5 {
		t.Errorf("failure_threshold default = %v", cfg.Pipeline.FailureThreshold)
	}
	if !cfg.Pipeline.CombinedExtraction {
		t.Error("combined_extraction should default to true")
	}
	if cfg.Providers.LLM.Name != "gemini" {
		t.Errorf("llm provider default = %q", cfg.Providers.LLM.Name)
	}
	if cfg.Checkpoint.Dir != "checkpoints" {
		t.Errorf("checkpoint dir default = %q, want %q", cfg.Checkpoint.Dir, "checkpoints")
	}
	if cfg.Checkpoint.MaxAge.Std() != 720*time.Hour {
		t.Errorf("checkpoint max_age default = %v", cfg.Checkpoint.MaxAge.Std())
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("no_such_section:\n  x: 1\n"))
	if err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestDuration_UnmarshalForms(t *testing.T) {
	var cfg struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
	}
	if err := decodeYAML("a: 2m30s\nb: 15\n", &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.A.Std() != 2*time.Minute+30*time.Second {
		t.Errorf("a = %v", cfg.A.Std())
	}
	// Bare numbers are seconds.
	if cfg.B.Std() != 15*time.Second {
		t.Errorf("b = %v", cfg.B.Std())
	}

	if err := decodeYAML("a: fortnight\n", &cfg); err == nil {
		t.Error("expected error for unparseable duration")
	}
}

func TestValidate_CollectsAllFailures(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "loud"
	cfg.Model.Rotation = "sometimes"
	cfg.Pipeline.FailureThreshold = 1.5
	cfg.Graph.EmbeddingDimensions = 0

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"log_level", "model.rotation", "failure_threshold", "embedding_dimensions"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestValidate_PaidOnlyNeedsPaidKey(t *testing.T) {
	cfg := Default()
	cfg.Keys = []KeyConfig{{Secret: "free-key"}}
	cfg.Model.UsePaidOnly = true

	if err := Validate(cfg); err == nil {
		t.Fatal("expected use_paid_only error")
	}

	cfg.Keys[0].Paid = true
	if err := Validate(cfg); err != nil {
		t.Fatalf("paid key should satisfy use_paid_only: %v", err)
	}
}

func TestApplyEnv_NumberedKeys(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "env-key-1")
	t.Setenv("GEMINI_API_KEY_2", "env-key-2")

	cfg := Default()
	cfg.Keys = []KeyConfig{{Secret: "yaml-key"}}
	ApplyEnv(cfg)

	if len(cfg.Keys) != 3 {
		t.Fatalf("keys = %+v, want yaml key plus two env keys", cfg.Keys)
	}
	if cfg.Keys[1].Secret != "env-key-1" || cfg.Keys[2].Secret != "env-key-2" {
		t.Errorf("env keys = %+v", cfg.Keys[1:])
	}

	// Duplicates of an already-listed secret are not re-added.
	t.Setenv("GEMINI_API_KEY", "yaml-key")
	cfg2 := Default()
	cfg2.Keys = []KeyConfig{{Secret: "yaml-key"}}
	ApplyEnv(cfg2)
	if len(cfg2.Keys) != 1 {
		t.Errorf("duplicate env key was added: %+v", cfg2.Keys)
	}
}

func TestApplyEnv_ResolvesAndDropsKeys(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("MY_KEY", "resolved-secret")

	cfg := Default()
	cfg.Keys = []KeyConfig{
		{Env: "MY_KEY", Paid: true},
		{Env: "UNSET_KEY_VAR"},
		{},
	}
	ApplyEnv(cfg)

	if len(cfg.Keys) != 1 {
		t.Fatalf("keys = %+v, want only the resolved one", cfg.Keys)
	}
	if cfg.Keys[0].Secret != "resolved-secret" || !cfg.Keys[0].Paid {
		t.Errorf("resolved key = %+v", cfg.Keys[0])
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("DISABLE_CHECKPOINTS", "true")
	t.Setenv("USE_PAID_KEY_ONLY", "1")
	t.Setenv("MAX_CONCURRENT_UNITS", "16")
	t.Setenv("UNIT_TIMEOUT", "45s")

	cfg := Default()
	ApplyEnv(cfg)

	if !cfg.Checkpoint.Disabled {
		t.Error("DISABLE_CHECKPOINTS not applied")
	}
	if !cfg.Model.UsePaidOnly {
		t.Error("USE_PAID_KEY_ONLY not applied")
	}
	if cfg.Pipeline.MaxConcurrentUnits != 16 {
		t.Errorf("max_concurrent_units = %d", cfg.Pipeline.MaxConcurrentUnits)
	}
	if cfg.Pipeline.UnitTimeout.Std() != 45*time.Second {
		t.Errorf("unit_timeout = %v", cfg.Pipeline.UnitTimeout.Std())
	}

	// Garbage values are ignored, not fatal.
	t.Setenv("MAX_CONCURRENT_UNITS", "lots")
	cfg2 := Default()
	ApplyEnv(cfg2)
	if cfg2.Pipeline.MaxConcurrentUnits != 4 {
		t.Errorf("invalid override applied: %d", cfg2.Pipeline.MaxConcurrentUnits)
	}
}

func TestRegistry_CreateLLM(t *testing.T) {
	r := NewRegistry()

	_, err := r.CreateLLM(context.Background(), ProviderEntry{Name: "nope"}, "k")
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("error = %v, want ErrProviderNotRegistered", err)
	}

	var gotKey string
	r.RegisterLLM("scripted", func(_ context.Context, _ ProviderEntry, apiKey string) (llm.Provider, error) {
		gotKey = apiKey
		return llmmock.New(), nil
	})
	p, err := r.CreateLLM(context.Background(), ProviderEntry{Name: "scripted"}, "secret-1")
	if err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if p == nil || gotKey != "secret-1" {
		t.Errorf("factory got key %q", gotKey)
	}
}

func TestDefaultRegistry_KnowsBuiltins(t *testing.T) {
	r := DefaultRegistry()
	for _, name := range []string{"gemini", "openai", "anthropic", "ollama"} {
		r.mu.RLock()
		_, ok := r.llm[name]
		r.mu.RUnlock()
		if !ok {
			t.Errorf("llm/%s not registered", name)
		}
	}
	for _, name := range []string{"gemini", "openai"} {
		r.mu.RLock()
		_, ok := r.embeddings[name]
		r.mu.RUnlock()
		if !ok {
			t.Errorf("embeddings/%s not registered", name)
		}
	}
}

// decodeYAML is a strict-mode decode helper for sub-struct tests.
func decodeYAML(doc string, out any) error {
	dec := yaml.NewDecoder(strings.NewReader(doc))
	dec.KnownFields(true)
	return dec.Decode(out)
}
