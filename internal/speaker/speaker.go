// Package speaker replaces generic transcript labels (SPEAKER_1, ...) with
// best-guess real names, using an LLM call over a window of transcript
// context plus the episode description.
//
// This is the most failure-prone phase of the pipeline. Partial success is
// allowed: mappings below the confidence floor keep their generic label.
// Full failure (not a single speaker identified after retries) rejects the
// whole episode.
package speaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/castograph/castograph/internal/quota"
	"github.com/castograph/castograph/pkg/types"
)

// ErrNoSpeakers is returned when the model identifies no speakers at all
// after all attempts. Fatal for the episode.
var ErrNoSpeakers = errors.New("speaker: no speakers identified")

// Chatter is the slice of the model client this package needs.
type Chatter interface {
	ChatJSON(ctx context.Context, prompt string, out any, opts ...quota.CallOption) error
}

// Defaults.
const (
	DefaultWindowSize      = 50
	DefaultConfidenceFloor = 0.5
	defaultAttempts        = 2
	retryGap               = 2 * time.Second
)

// Identifier maps generic speaker labels to names.
type Identifier struct {
	client Chatter
	window int
	floor  float64
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option configures an [Identifier].
type Option func(*Identifier)

// WithWindowSize sets how many segments of context are sent to the model.
func WithWindowSize(n int) Option {
	return func(id *Identifier) { id.window = n }
}

// WithConfidenceFloor sets the minimum mapping confidence. Mappings below
// the floor keep their generic label.
func WithConfidenceFloor(f float64) Option {
	return func(id *Identifier) { id.floor = f }
}

// New creates an Identifier backed by client.
func New(client Chatter, opts ...Option) *Identifier {
	id := &Identifier{
		client: client,
		window: DefaultWindowSize,
		floor:  DefaultConfidenceFloor,
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(id)
	}
	return id
}

// mapping is one model-proposed label assignment. The model may answer
// either {"SPEAKER_1": "Alice Host (host)"} or
// {"SPEAKER_1": {"name": "Alice Host (host)", "confidence": 0.9}}; both
// decode here, the bare-string form with full confidence.
type mapping struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

func (m *mapping) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		m.Name = s
		m.Confidence = 1
		return nil
	}
	type plain mapping
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = mapping(p)
	return nil
}

// Identify rewrites the Speaker field of every segment according to the
// model's label mapping and returns the rewritten copy along with the
// number of distinct speakers identified. Segments whose label the model
// could not map (or mapped below the confidence floor) keep their generic
// label.
func (id *Identifier) Identify(ctx context.Context, segments []types.Segment, meta types.EpisodeMetadata) ([]types.Segment, int, error) {
	if len(segments) == 0 {
		return nil, 0, fmt.Errorf("speaker: no segments")
	}

	prompt := id.buildPrompt(segments, meta)

	var lastErr error
	for attempt := 1; attempt <= defaultAttempts; attempt++ {
		if attempt > 1 {
			if err := id.sleep(ctx, retryGap); err != nil {
				return nil, 0, err
			}
		}

		names, err := id.ask(ctx, prompt)
		if err != nil {
			lastErr = err
			slog.Warn("speaker identification attempt failed",
				"attempt", attempt, "err", err)
			continue
		}
		if len(names) == 0 {
			lastErr = ErrNoSpeakers
			slog.Warn("model returned no usable speaker mappings", "attempt", attempt)
			continue
		}

		out := make([]types.Segment, len(segments))
		copy(out, segments)
		for i := range out {
			if name, ok := names[out[i].Speaker]; ok {
				out[i].Speaker = name
			}
		}
		slog.Info("speakers identified", "count", len(names))
		return out, len(names), nil
	}
	return nil, 0, fmt.Errorf("speaker: identification failed after %d attempts: %w", defaultAttempts, lastErr)
}

// ask makes one model call and returns the label → name mapping that
// survives the confidence floor.
func (id *Identifier) ask(ctx context.Context, prompt string) (map[string]string, error) {
	var raw map[string]mapping
	if err := id.client.ChatJSON(ctx, prompt, &raw, quota.WithTemperature(0.2)); err != nil {
		return nil, err
	}

	names := make(map[string]string, len(raw))
	for label, m := range raw {
		name := strings.TrimSpace(m.Name)
		if name == "" || strings.EqualFold(name, "unknown") {
			continue
		}
		if m.Confidence < id.floor {
			slog.Debug("speaker mapping below confidence floor",
				"label", label, "name", name, "confidence", m.Confidence)
			continue
		}
		names[label] = name
	}
	return names, nil
}

// buildPrompt assembles the identification prompt: episode metadata (the
// description usually names the guests) plus a transcript window.
func (id *Identifier) buildPrompt(segments []types.Segment, meta types.EpisodeMetadata) string {
	labels := map[string]bool{}
	for _, s := range segments {
		labels[s.Speaker] = true
	}
	var labelList []string
	for _, s := range segments {
		if labels[s.Speaker] {
			labelList = append(labelList, s.Speaker)
			labels[s.Speaker] = false
		}
	}

	var b strings.Builder
	b.WriteString("Identify the real names of the speakers in this podcast transcript.\n\n")
	if meta.PodcastName != "" {
		fmt.Fprintf(&b, "Podcast: %s\n", meta.PodcastName)
	}
	if meta.Title != "" {
		fmt.Fprintf(&b, "Episode: %s\n", meta.Title)
	}
	if meta.PodcastHost != "" {
		fmt.Fprintf(&b, "Host: %s\n", meta.PodcastHost)
	}
	if meta.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", meta.Description)
	}
	fmt.Fprintf(&b, "\nSpeaker labels to identify: %s\n", strings.Join(labelList, ", "))

	b.WriteString("\nTranscript excerpt:\n")
	window := segments
	if len(window) > id.window {
		window = window[:id.window]
	}
	for _, s := range window {
		fmt.Fprintf(&b, "%s: %s\n", s.Speaker, s.Text)
	}

	b.WriteString(`
Respond with a JSON object mapping each label to the speaker's name and your
confidence, like:
{"SPEAKER_1": {"name": "Alice Host (host)", "confidence": 0.9}}
Use "Unknown" when you cannot identify a speaker.`)
	return b.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
