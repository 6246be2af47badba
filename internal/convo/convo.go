// Package convo groups identified transcript segments into themed
// meaningful-unit ranges via a single LLM call, with a locally checked
// coverage guarantee.
package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/castograph/castograph/internal/quota"
	"github.com/castograph/castograph/pkg/types"
)

// ErrAnalysisFailed is returned when the model produces no units, or units
// covering less than the required fraction of segments, on every attempt.
// Fatal for the episode.
var ErrAnalysisFailed = errors.New("convo: conversation analysis failed")

// MinCoverage is the fraction of segments the unit ranges must cover.
const MinCoverage = 0.9

const (
	defaultAttempts = 2
	retryGap        = 3 * time.Second

	// maxSegmentChars truncates long cue texts in the prompt. Unit
	// boundaries depend on topic flow, not full sentences.
	maxSegmentChars = 200
)

// Chatter is the slice of the model client this package needs.
type Chatter interface {
	ChatJSON(ctx context.Context, prompt string, out any, opts ...quota.CallOption) error
}

// Analyzer produces a [types.ConversationStructure] for an episode.
type Analyzer struct {
	client Chatter
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates an Analyzer backed by client.
func New(client Chatter) *Analyzer {
	return &Analyzer{client: client, sleep: sleepCtx}
}

// Analyze asks the model to partition segments into themed units and
// validates the result locally: at least one unit, and unit ranges covering
// at least [MinCoverage] of the segments. Two attempts, then
// [ErrAnalysisFailed].
func (a *Analyzer) Analyze(ctx context.Context, segments []types.Segment) (*types.ConversationStructure, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("convo: no segments")
	}

	prompt := buildPrompt(segments)

	var lastErr error
	for attempt := 1; attempt <= defaultAttempts; attempt++ {
		if attempt > 1 {
			if err := a.sleep(ctx, retryGap); err != nil {
				return nil, err
			}
		}

		var cs types.ConversationStructure
		if err := a.client.ChatJSON(ctx, prompt, &cs, quota.WithTemperature(0.3)); err != nil {
			lastErr = err
			slog.Warn("conversation analysis attempt failed", "attempt", attempt, "err", err)
			continue
		}

		if err := validate(&cs, len(segments)); err != nil {
			lastErr = err
			slog.Warn("conversation analysis output rejected", "attempt", attempt, "err", err)
			continue
		}

		clamp(&cs, len(segments))
		slog.Info("conversation analyzed",
			"units", len(cs.Units), "themes", len(cs.Themes),
			"coverage", fmt.Sprintf("%.2f", cs.Coverage(len(segments))))
		return &cs, nil
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrAnalysisFailed, defaultAttempts, lastErr)
}

// validate enforces the local post-conditions on a model response.
func validate(cs *types.ConversationStructure, segmentCount int) error {
	if len(cs.Units) == 0 {
		return errors.New("no units produced")
	}
	for _, u := range cs.Units {
		if u.EndIndex < u.StartIndex {
			return fmt.Errorf("unit range [%d,%d] is inverted", u.StartIndex, u.EndIndex)
		}
	}
	if cov := cs.Coverage(segmentCount); cov < MinCoverage {
		return fmt.Errorf("coverage %.2f below %.2f", cov, MinCoverage)
	}
	return nil
}

// clamp pins out-of-range unit indices to the segment list bounds.
func clamp(cs *types.ConversationStructure, segmentCount int) {
	for i := range cs.Units {
		if cs.Units[i].StartIndex < 0 {
			cs.Units[i].StartIndex = 0
		}
		if cs.Units[i].EndIndex >= segmentCount {
			cs.Units[i].EndIndex = segmentCount - 1
		}
	}
}

func buildPrompt(segments []types.Segment) string {
	var b strings.Builder
	b.WriteString(`Analyze this podcast transcript and partition it into meaningful units:
contiguous groups of segments each covering one coherent sub-topic.

Requirements:
- Every unit has "start_index" and "end_index" (inclusive segment indices)
  and a "unit_type" (e.g. "introduction", "discussion", "story", "q_and_a").
- The units together must cover at least 90% of the segments.
- Also list the major "themes" of the episode (with "name" and optional
  "description", "start_index", "end_index") and topic-shift "boundaries"
  (with "index" and "reason").

Respond with JSON: {"units": [...], "themes": [...], "boundaries": [...]}

Transcript:
`)
	for i, s := range segments {
		text := s.Text
		if len(text) > maxSegmentChars {
			text = text[:maxSegmentChars] + "..."
		}
		fmt.Fprintf(&b, "[%d] %s: %s\n", i, s.Speaker, text)
	}
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
