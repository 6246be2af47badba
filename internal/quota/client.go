// Package quota implements the multi-key, quota-aware model client that
// fronts every LLM and embedding call in the pipeline.
//
// The client owns a pool of API keys, each with persistent daily usage
// accounting (requests, estimated tokens, minute-level spacing). Every call
// selects an eligible key, executes against that key's provider, and charges
// the token estimate back to the key. Keys that the backend rejects with a
// quota error are masked until the next local-date rollover. Failures trip a
// per-(operation, key) circuit breaker.
//
// Free-tier limits default to the Gemini free tier: 5 requests/minute,
// 25 requests/day, 1M tokens/day. Paid keys skip spacing and daily budgets.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/castograph/castograph/internal/observe"
	"github.com/castograph/castograph/internal/resilience"
	"github.com/castograph/castograph/pkg/provider/embeddings"
	"github.com/castograph/castograph/pkg/provider/llm"
)

// Limits holds free-tier budgets applied to non-paid keys.
type Limits struct {
	RPM int // requests per minute (enforced as spacing of 60/RPM seconds)
	RPD int // requests per day
	TPM int // tokens per minute (informational; spacing dominates)
	TPD int // estimated tokens per day
}

// DefaultLimits is the Gemini free tier.
var DefaultLimits = Limits{RPM: 5, RPD: 25, TPM: 250_000, TPD: 1_000_000}

// Rotation strategies for choosing among equally eligible free keys.
const (
	RotationFirst      = "first"
	RotationRoundRobin = "round_robin"
)

// Key is one configured API key.
type Key struct {
	Secret string
	Paid   bool
}

// Config configures a [Client].
type Config struct {
	Keys     []Key
	Limits   Limits
	Rotation string // RotationFirst (default) or RotationRoundRobin

	// RetryAttempts is the per-call retry budget for transient errors.
	// Default: 2.
	RetryAttempts int

	// StateDir is where the usage file lives. Default: current directory.
	StateDir string

	// UsePaidOnly masks all free keys, for deployments that never want to
	// burn free-tier quota.
	UsePaidOnly bool

	// DefaultOutputCap is the expected completion size used in token
	// estimates when a request sets no MaxTokens. Default: 2048.
	DefaultOutputCap int
}

// ProviderFactory builds the per-key chat provider.
type ProviderFactory func(ctx context.Context, apiKey string) (llm.Provider, error)

// EmbedderFactory builds the per-key embeddings provider. Optional; when
// nil, [Client.Embed] returns an error.
type EmbedderFactory func(ctx context.Context, apiKey string) (embeddings.Provider, error)

// Client is the quota-managed model client. Safe for concurrent use; the
// usage table lock is held only during selection and accounting, never
// during network I/O, so calls proceed concurrently up to the number of
// eligible keys.
type Client struct {
	cfg       Config
	providers []llm.Provider
	embedders []embeddings.Provider
	usage     *UsageTable
	breakers  *resilience.BreakerSet
	metrics   *observe.Metrics

	// sleep and now are injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	// mu serializes key selection so a picked key's spacing reservation is
	// visible before the next caller inspects the table.
	mu     sync.Mutex
	rrNext int
}

// New constructs a Client, building one provider (and optionally one
// embedder) per configured key and loading persisted usage state.
func New(ctx context.Context, cfg Config, newProvider ProviderFactory, newEmbedder EmbedderFactory) (*Client, error) {
	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("quota: at least one API key is required")
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits
	}
	if cfg.Rotation == "" {
		cfg.Rotation = RotationFirst
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 2
	}
	if cfg.StateDir == "" {
		cfg.StateDir = "."
	}
	if cfg.DefaultOutputCap == 0 {
		cfg.DefaultOutputCap = 2048
	}

	paid := make([]bool, len(cfg.Keys))
	for i, k := range cfg.Keys {
		paid[i] = k.Paid
	}
	usage, err := NewUsageTable(cfg.StateDir, len(cfg.Keys), paid)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		usage:    usage,
		breakers: resilience.NewBreakerSet(resilience.CircuitBreakerConfig{Name: "model"}),
		metrics:  observe.Default(),
		sleep:    sleepCtx,
		now:      time.Now,
	}

	for i, k := range cfg.Keys {
		p, err := newProvider(ctx, k.Secret)
		if err != nil {
			return nil, fmt.Errorf("quota: build provider for key %d: %w", i+1, err)
		}
		c.providers = append(c.providers, p)

		if newEmbedder != nil {
			e, err := newEmbedder(ctx, k.Secret)
			if err != nil {
				return nil, fmt.Errorf("quota: build embedder for key %d: %w", i+1, err)
			}
			c.embedders = append(c.embedders, e)
		}
	}
	return c, nil
}

// SetMetrics overrides the metrics sink. Tests use this with an isolated
// meter provider.
func (c *Client) SetMetrics(m *observe.Metrics) { c.metrics = m }

// CallOption customises a Chat or ChatJSON request.
type CallOption func(*llm.CompletionRequest)

// WithSystemPrompt sets the system instruction.
func WithSystemPrompt(s string) CallOption {
	return func(r *llm.CompletionRequest) { r.SystemPrompt = s }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) CallOption {
	return func(r *llm.CompletionRequest) { r.Temperature = t }
}

// WithMaxTokens caps the completion size. Also tightens the token estimate
// charged against the key's daily budget.
func WithMaxTokens(n int) CallOption {
	return func(r *llm.CompletionRequest) { r.MaxTokens = n }
}

// Chat sends prompt and returns the model's text reply.
func (c *Client) Chat(ctx context.Context, prompt string, opts ...CallOption) (string, error) {
	req := llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	}
	for _, o := range opts {
		o(&req)
	}
	resp, err := c.complete(ctx, "chat", req)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// ChatJSON sends prompt expecting a JSON reply, and unmarshals it into out.
// Markdown code fences are tolerated and malformed JSON is repaired before
// parsing; output that still does not parse is [ErrInvalidResponse].
func (c *Client) ChatJSON(ctx context.Context, prompt string, out any, opts ...CallOption) error {
	req := llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: prompt}},
		JSONOnly: true,
	}
	for _, o := range opts {
		o(&req)
	}
	resp, err := c.complete(ctx, "chat_json", req)
	if err != nil {
		return err
	}
	if err := UnmarshalModelJSON(resp.Content, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

// Embed computes the embedding for text through the quota machinery.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if len(c.embedders) == 0 {
		return nil, fmt.Errorf("quota: no embedder configured")
	}

	// Embedding calls are cheap: charge input tokens only.
	estimate := llm.EstimateTokens([]llm.Message{{Content: text}})

	var vec []float32
	err := c.execute(ctx, "embed", estimate, func(key int) error {
		v, err := c.embedders[key].Embed(ctx, text)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

// complete runs a chat-style request through key selection and retries.
func (c *Client) complete(ctx context.Context, op string, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	estimate := c.estimate(req)

	var resp *llm.CompletionResponse
	err := c.execute(ctx, op, estimate, func(key int) error {
		r, err := c.providers[key].Complete(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// execute is the shared selection/retry/breaker loop. fn runs against the
// chosen key index; the estimate is charged on success.
func (c *Client) execute(ctx context.Context, op string, estimate int, fn func(key int) error) error {
	masked := make(map[int]bool)
	attempts := 0
	breakerOpen := 0
	retryKey := -1
	var lastErr error

	for {
		var key int
		if retryKey >= 0 {
			// Transient retries stay on the same key; its spacing slot is
			// already reserved and the backoff provides the gap.
			key, retryKey = retryKey, -1
		} else {
			var err error
			key, err = c.selectKey(ctx, estimate, masked)
			if err != nil {
				// When every masked key was masked by an open breaker, the
				// keys had budget; the breaker is the actual blocker.
				if errors.Is(err, ErrQuotaExceeded) && breakerOpen > 0 && breakerOpen == len(masked) {
					err = ErrCircuitOpen
				}
				if lastErr != nil {
					return fmt.Errorf("quota: %s: %w (last key error: %v)", op, err, lastErr)
				}
				return fmt.Errorf("quota: %s: %w", op, err)
			}
		}

		br := c.breakers.For(op, key)
		if err := br.Allow(); err != nil {
			masked[key] = true
			breakerOpen++
			lastErr = err
			continue
		}

		start := time.Now()
		callErr := fn(key)
		c.metrics.RecordModelCall(ctx, op, key, estimate, time.Since(start), callErr)

		if callErr == nil {
			br.Record(nil)
			c.usage.RecordCall(key, estimate)
			return nil
		}
		lastErr = callErr

		if isRateLimited(callErr) {
			// The backend disagrees with our accounting for this key: mask
			// it for the day and re-enter selection without burning a retry.
			slog.Warn("model call rate-limited, masking key",
				"operation", op, "key", key+1, "err", callErr)
			br.Trip()
			c.usage.MarkUnavailable(key)
			masked[key] = true
			continue
		}

		br.Record(callErr)

		if !isTransient(callErr) || attempts >= c.cfg.RetryAttempts {
			return fmt.Errorf("quota: %s: %w", op, callErr)
		}
		attempts++
		if err := c.sleep(ctx, backoff(attempts)); err != nil {
			return fmt.Errorf("quota: %s: %w", op, err)
		}
		retryKey = key
		slog.Debug("retrying model call", "operation", op, "attempt", attempts)
	}
}

// estimate computes the token charge for req: input estimate plus the
// expected output cap. Deliberately generous so daily budgets stay safe
// even when the backend reports no usage.
func (c *Client) estimate(req llm.CompletionRequest) int {
	in := llm.EstimateTokens(req.Messages)
	if req.SystemPrompt != "" {
		in += llm.EstimateTokens([]llm.Message{{Content: req.SystemPrompt}})
	}
	out := req.MaxTokens
	if out <= 0 {
		out = c.cfg.DefaultOutputCap
	}
	return in + out
}

// spacing returns the minimum gap between calls on one free key.
func (c *Client) spacing() time.Duration {
	rpm := c.cfg.Limits.RPM
	if rpm <= 0 {
		return 0
	}
	return time.Duration(float64(time.Minute) / float64(rpm))
}

// selectKey picks an eligible key, sleeping for at most one spacing gap
// when a key is only blocked by minute-level spacing. Returns
// [ErrQuotaExceeded] when no key can serve the call today.
func (c *Client) selectKey(ctx context.Context, estimate int, masked map[int]bool) (int, error) {
	for {
		key, wait, err := c.pickOrWait(estimate, masked)
		if err != nil {
			return 0, err
		}
		if wait == 0 {
			return key, nil
		}
		slog.Debug("all keys spacing-blocked, waiting", "wait", wait)
		if err := c.sleep(ctx, wait); err != nil {
			return 0, err
		}
	}
}

// pickOrWait inspects the usage table once. It returns either an eligible
// key (wait == 0), a bounded wait after which some key becomes eligible, or
// an error when nothing will free up today. Selection of a free key stamps
// its last-request time immediately, so concurrent callers cannot pick the
// same key inside one spacing window.
func (c *Client) pickOrWait(estimate int, masked map[int]bool) (key int, wait time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := c.usage.Snapshot()
	spacing := c.spacing()
	now := c.now()

	var freeEligible []int
	minWait := time.Duration(-1)

	for i, ku := range snapshot {
		if masked[i] || !ku.IsAvailable {
			continue
		}
		if ku.IsPaidTier {
			// Paid keys skip free-tier spacing and daily budgets.
			return i, 0, nil
		}
		if c.cfg.UsePaidOnly {
			continue
		}
		if ku.RequestsToday >= c.cfg.Limits.RPD {
			continue
		}
		if ku.TokensToday+estimate >= c.cfg.Limits.TPD {
			continue
		}
		since := now.Sub(ku.LastRequestTime)
		if since >= spacing {
			freeEligible = append(freeEligible, i)
			continue
		}
		// Blocked only by spacing: candidate for a bounded wait.
		w := spacing - since
		if minWait < 0 || w < minWait {
			minWait = w
		}
	}

	if len(freeEligible) > 0 {
		key = freeEligible[0]
		if c.cfg.Rotation == RotationRoundRobin {
			key = freeEligible[c.rrNext%len(freeEligible)]
			c.rrNext++
		}
		// Reserve the spacing slot before releasing the selection lock.
		c.usage.Touch(key)
		return key, 0, nil
	}

	if minWait >= 0 && minWait <= spacing {
		return 0, minWait, nil
	}
	return 0, 0, ErrQuotaExceeded
}

// UnmarshalModelJSON parses a model's JSON output into out, stripping
// markdown code fences and repairing malformed JSON when a plain parse
// fails with a syntax error.
func UnmarshalModelJSON(content string, out any) error {
	data := []byte(stripCodeFences(content))

	err := json.Unmarshal(data, out)
	if err == nil {
		return nil
	}
	var syn *json.SyntaxError
	if errors.As(err, &syn) || strings.Contains(err.Error(), "unexpected end") {
		fixed, repairErr := jsonrepair.JSONRepair(string(data))
		if repairErr != nil {
			return fmt.Errorf("repair: %w", repairErr)
		}
		return json.Unmarshal([]byte(fixed), out)
	}
	return err
}

// stripCodeFences removes a leading ```json / trailing ``` wrapper if the
// model added one despite the JSON-only instruction.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// backoff returns the exponential retry delay with jitter for attempt n
// (1-based): 500ms, 1s, 2s, ... each with up to 50% added jitter.
func backoff(n int) time.Duration {
	base := 500 * time.Millisecond << (n - 1)
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	return base + jitter
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
