// Package units turns a conversation structure into persisted
// MeaningfulUnits: concatenated text spans with speaker statistics and an
// embedding vector.
//
// Embedding failures never fail the phase. They are collected and written
// to a dated JSON file under logs/embedding_failures/ at pipeline end so
// the vectors can be backfilled later.
package units

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/castograph/castograph/pkg/types"
)

// startLeadIn is how many seconds a unit's start time is shifted before its
// first segment, so playback navigation lands slightly ahead of the topic.
const startLeadIn = 2.0

// Embedder is the slice of the model client this package needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingFailure records one unit whose embedding call failed.
type EmbeddingFailure struct {
	UnitID    string    `json:"unit_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Builder constructs meaningful units from segments and unit ranges.
type Builder struct {
	embedder Embedder
}

// New creates a Builder. embedder may be nil, in which case all units are
// built without embeddings and no failures are recorded.
func New(embedder Embedder) *Builder {
	return &Builder{embedder: embedder}
}

// Build materialises one [types.MeaningfulUnit] per unit range, attaching
// embeddings where the embedding call succeeds. The returned failure list
// holds one entry per unit whose embedding failed; those units have a nil
// Embedding but are otherwise complete.
func (b *Builder) Build(ctx context.Context, episodeID string, segments []types.Segment, cs *types.ConversationStructure) ([]types.MeaningfulUnit, []EmbeddingFailure) {
	units := make([]types.MeaningfulUnit, 0, len(cs.Units))
	var failures []EmbeddingFailure

	for i, r := range cs.Units {
		u := buildUnit(episodeID, i, segments, r, cs.Themes)

		if b.embedder != nil && u.Text != "" {
			vec, err := b.embedder.Embed(ctx, u.Text)
			if err != nil {
				slog.Warn("unit embedding failed", "unit", u.ID, "err", err)
				failures = append(failures, EmbeddingFailure{
					UnitID:    u.ID,
					Error:     err.Error(),
					Timestamp: time.Now(),
				})
			} else {
				u.Embedding = vec
			}
		}
		units = append(units, u)
	}
	return units, failures
}

// buildUnit assembles a single unit from its segment range.
func buildUnit(episodeID string, index int, segments []types.Segment, r types.UnitRange, themes []types.Theme) types.MeaningfulUnit {
	lo, hi := r.StartIndex, r.EndIndex
	if lo < 0 {
		lo = 0
	}
	if hi >= len(segments) {
		hi = len(segments) - 1
	}

	u := types.MeaningfulUnit{
		ID:             types.UnitID(episodeID, index),
		UnitType:       r.UnitType,
		PrimarySpeaker: "Unknown",
	}
	if lo > hi {
		return u
	}

	members := segments[lo : hi+1]

	var texts []string
	durations := map[string]float64{}
	var order []string
	total := 0.0
	for _, s := range members {
		texts = append(texts, s.Text)
		if _, seen := durations[s.Speaker]; !seen {
			order = append(order, s.Speaker)
		}
		durations[s.Speaker] += s.Duration()
		total += s.Duration()
		u.SegmentRefs = append(u.SegmentRefs, s.ID)
	}
	u.Text = strings.Join(texts, " ")

	u.StartTime = members[0].StartTime - startLeadIn
	if u.StartTime < 0 {
		u.StartTime = 0
	}
	u.EndTime = members[len(members)-1].EndTime

	// Plurality speaker by spoken duration, ties broken by first occurrence.
	best := ""
	for _, sp := range order {
		if best == "" || durations[sp] > durations[best] {
			best = sp
		}
	}
	if best != "" {
		u.PrimarySpeaker = best
	}
	if total > 0 {
		u.SpeakerDistribution = make(map[string]float64, len(durations))
		for sp, d := range durations {
			u.SpeakerDistribution[sp] = d / total
		}
	}

	for _, th := range themes {
		if th.EndIndex == 0 && th.StartIndex == 0 {
			continue // theme without a span
		}
		if th.StartIndex <= hi && th.EndIndex >= lo {
			u.Themes = append(u.Themes, th.Name)
		}
	}
	return u
}

// WriteFailureLog persists embedding failures for later backfill under
// dir/logs/embedding_failures/. No-op when failures is empty.
func WriteFailureLog(dir, episodeID string, failures []EmbeddingFailure) (string, error) {
	if len(failures) == 0 {
		return "", nil
	}
	logDir := filepath.Join(dir, "logs", "embedding_failures")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", fmt.Errorf("units: create failure log dir: %w", err)
	}

	name := fmt.Sprintf("failures_%s_%s.json", time.Now().Format("20060102_150405"), episodeID)
	path := filepath.Join(logDir, name)

	data, err := json.MarshalIndent(failures, "", "  ")
	if err != nil {
		return "", fmt.Errorf("units: encode failure log: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("units: write failure log: %w", err)
	}
	slog.Info("embedding failure log written", "path", path, "failures", len(failures))
	return path, nil
}
