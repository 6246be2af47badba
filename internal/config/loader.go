package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq"},
	"embeddings": {"gemini", "openai"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default], applies
// environment overrides, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv resolves env-referenced key secrets and applies the environment
// overrides: GEMINI_API_KEY / GEMINI_API_KEY_2 / ... as additional free keys,
// DISABLE_CHECKPOINTS, USE_PAID_KEY_ONLY, MAX_CONCURRENT_UNITS, and
// UNIT_TIMEOUT.
func ApplyEnv(cfg *Config) {
	seen := map[string]bool{}
	resolved := cfg.Keys[:0]
	for i, k := range cfg.Keys {
		if k.Secret == "" && k.Env != "" {
			k.Secret = os.Getenv(k.Env)
			if k.Secret == "" {
				slog.Warn("config: key environment variable is unset, key dropped",
					"index", i, "env", k.Env)
				continue
			}
		}
		if k.Secret == "" {
			slog.Warn("config: key has neither secret nor env, key dropped", "index", i)
			continue
		}
		if seen[k.Secret] {
			continue
		}
		seen[k.Secret] = true
		resolved = append(resolved, k)
	}
	cfg.Keys = resolved

	// Numbered key variables: GEMINI_API_KEY, then GEMINI_API_KEY_2 and up
	// until the first gap.
	for i := 1; ; i++ {
		name := "GEMINI_API_KEY"
		if i > 1 {
			name = fmt.Sprintf("GEMINI_API_KEY_%d", i)
		}
		secret := os.Getenv(name)
		if secret == "" {
			break
		}
		if !seen[secret] {
			seen[secret] = true
			cfg.Keys = append(cfg.Keys, KeyConfig{Secret: secret})
		}
	}

	if envBool("DISABLE_CHECKPOINTS") {
		cfg.Checkpoint.Disabled = true
	}
	if envBool("USE_PAID_KEY_ONLY") {
		cfg.Model.UsePaidOnly = true
	}
	if v := os.Getenv("MAX_CONCURRENT_UNITS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.MaxConcurrentUnits = n
		} else {
			slog.Warn("config: invalid MAX_CONCURRENT_UNITS, ignored", "value", v)
		}
	}
	if v := os.Getenv("UNIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Pipeline.UnitTimeout = Duration(d)
		} else {
			slog.Warn("config: invalid UNIT_TIMEOUT, ignored", "value", v)
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	switch cfg.Model.Rotation {
	case "", "first", "round_robin":
	default:
		errs = append(errs, fmt.Errorf("model.rotation %q is invalid; valid values: first, round_robin", cfg.Model.Rotation))
	}
	if cfg.Model.RetryAttempts < 0 {
		errs = append(errs, fmt.Errorf("model.retry_attempts %d must not be negative", cfg.Model.RetryAttempts))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if len(cfg.Keys) == 0 {
		slog.Warn("config: no API keys configured; model calls will fail at startup")
	}
	if cfg.Model.UsePaidOnly {
		paid := false
		for _, k := range cfg.Keys {
			if k.Paid {
				paid = true
				break
			}
		}
		if !paid && len(cfg.Keys) > 0 {
			errs = append(errs, errors.New("model.use_paid_only is set but no key is marked paid"))
		}
	}

	if t := cfg.Pipeline.FailureThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("pipeline.failure_threshold %.2f is out of range [0, 1]", t))
	}
	if cfg.Pipeline.MaxConcurrentUnits < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_concurrent_units %d must not be negative", cfg.Pipeline.MaxConcurrentUnits))
	}
	if cfg.Pipeline.UnitTimeout < 0 {
		errs = append(errs, errors.New("pipeline.unit_timeout must not be negative"))
	}

	if cfg.Graph.PostgresDSN == "" {
		slog.Warn("config: graph.postgres_dsn is empty; only in-memory processing is possible")
	}
	if cfg.Providers.Embeddings.Name != "" && cfg.Graph.EmbeddingDimensions <= 0 {
		errs = append(errs, fmt.Errorf("graph.embedding_dimensions %d must be positive when an embeddings provider is configured", cfg.Graph.EmbeddingDimensions))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// envBool reads a boolean environment variable, treating unparseable values
// as false.
func envBool(name string) bool {
	v := os.Getenv(name)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("config: invalid boolean environment variable, ignored", "name", name, "value", v)
		return false
	}
	return b
}
