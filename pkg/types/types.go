// Package types defines the shared domain model for the castograph pipeline:
// transcript segments, meaningful units, extracted knowledge, and the
// per-episode processing result.
//
// All types here are plain data carriers. They are created by one pipeline
// phase, handed to the next, and eventually persisted to the graph store.
// None of them perform I/O.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Segment is a single timed transcript span: one WebVTT cue after parsing,
// enriched with a speaker label.
//
// Segments start life with generic labels such as "SPEAKER_1" and are
// rewritten exactly once by speaker identification. After that they are
// read-only. Segments are never persisted to the graph individually.
type Segment struct {
	// ID is stable within an episode (the cue index).
	ID int `json:"id"`

	// Text is the cue text with voice tags stripped.
	Text string `json:"text"`

	// StartTime and EndTime are seconds from the start of the audio.
	// EndTime is always strictly greater than StartTime.
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`

	// Speaker is the speaker label. Generic ("SPEAKER_1") until speaker
	// identification replaces it with a best-guess real name.
	Speaker string `json:"speaker"`

	// Confidence is the transcription confidence in [0, 1].
	Confidence float64 `json:"confidence"`
}

// Duration returns the segment's spoken duration in seconds.
func (s Segment) Duration() float64 {
	return s.EndTime - s.StartTime
}

// EpisodeMetadata is the caller-supplied episode header. EpisodeID is the
// only required field.
type EpisodeMetadata struct {
	EpisodeID     string `json:"episode_id"`
	Title         string `json:"title,omitempty"`
	Description   string `json:"description,omitempty"`
	PublishedDate string `json:"published_date,omitempty"`
	YoutubeURL    string `json:"youtube_url,omitempty"`
	VTTFilename   string `json:"vtt_filename,omitempty"`
	PodcastID     string `json:"podcast_id,omitempty"`
	PodcastName   string `json:"podcast_name,omitempty"`
	PodcastHost   string `json:"podcast_host,omitempty"`
}

// UnitRange is one semantic unit boundary produced by conversation analysis.
// StartIndex and EndIndex are segment indices, inclusive. Ranges are
// monotonically non-decreasing across the Units list; gaps and overlaps are
// both allowed.
type UnitRange struct {
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
	UnitType   string `json:"unit_type"`
}

// Theme is a named thematic span of the episode.
type Theme struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	StartIndex  int    `json:"start_index,omitempty"`
	EndIndex    int    `json:"end_index,omitempty"`
}

// Boundary marks a topic shift between two segments.
type Boundary struct {
	Index  int    `json:"index"`
	Reason string `json:"reason,omitempty"`
}

// ConversationStructure is the output of conversation analysis: the unit
// ranges plus episode-level themes and boundaries.
//
// Invariant: the union of unit index ranges covers at least 90% of segments.
type ConversationStructure struct {
	Units      []UnitRange `json:"units"`
	Themes     []Theme     `json:"themes"`
	Boundaries []Boundary  `json:"boundaries"`
}

// Coverage returns the fraction of segmentCount covered by the union of the
// unit ranges. Out-of-range indices are clamped.
func (cs ConversationStructure) Coverage(segmentCount int) float64 {
	if segmentCount <= 0 {
		return 0
	}
	covered := make([]bool, segmentCount)
	for _, u := range cs.Units {
		lo, hi := u.StartIndex, u.EndIndex
		if lo < 0 {
			lo = 0
		}
		if hi >= segmentCount {
			hi = segmentCount - 1
		}
		for i := lo; i <= hi; i++ {
			covered[i] = true
		}
	}
	n := 0
	for _, c := range covered {
		if c {
			n++
		}
	}
	return float64(n) / float64(segmentCount)
}

// MeaningfulUnit is a persisted semantic span: a contiguous (or nearly
// contiguous) group of segments covering one coherent sub-topic.
type MeaningfulUnit struct {
	// ID is deterministic: a hash of episode ID and unit index, so that a
	// resumed run produces the same IDs as an uninterrupted one.
	ID string `json:"id"`

	// Text is the space-joined concatenation of member segment texts.
	Text string `json:"text"`

	// StartTime is shifted 2 seconds earlier than the first member segment
	// (floored at 0) so that playback navigation lands slightly before the
	// unit begins. EndTime is the last member segment's end.
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`

	// PrimarySpeaker is the plurality speaker by spoken duration across
	// member segments, "Unknown" when the unit has no members.
	PrimarySpeaker string `json:"primary_speaker"`

	// SpeakerDistribution maps speaker name to fraction of spoken duration.
	// Fractions sum to 1 for non-empty units.
	SpeakerDistribution map[string]float64 `json:"speaker_distribution"`

	UnitType    string   `json:"unit_type"`
	Themes      []string `json:"themes,omitempty"`
	SegmentRefs []int    `json:"segment_refs"`

	// Embedding is the unit text embedding, nil when embedding failed.
	// Failures are recorded separately for later recovery.
	Embedding []float32 `json:"embedding,omitempty"`
}

// UnitID derives the deterministic meaningful-unit ID for the given episode
// and unit index.
func UnitID(episodeID string, index int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", episodeID, index)))
	return "mu_" + hex.EncodeToString(sum[:12])
}

// ExtractedEntity is a schemaless named thing emitted by extraction. Type is
// free-form; it is lowercased and trimmed only for deduplication, never
// validated against a closed enumeration.
type ExtractedEntity struct {
	// Value is the raw surface string as emitted by the model. The first
	// spelling seen survives merging as the canonical one.
	Value      string         `json:"value"`
	Type       string         `json:"type"`
	Confidence float64        `json:"confidence"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Description returns the entity's description property, if any.
func (e ExtractedEntity) Description() string {
	if e.Properties == nil {
		return ""
	}
	d, _ := e.Properties["description"].(string)
	return d
}

// UnitIDs returns the meaningful_unit_ids property as a string slice.
func (e ExtractedEntity) UnitIDs() []string {
	if e.Properties == nil {
		return nil
	}
	switch v := e.Properties["meaningful_unit_ids"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, id := range v {
			if s, ok := id.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Quote is a notable verbatim statement attributed to a speaker.
// MeaningfulUnitID must be set before the graph write.
type Quote struct {
	Text             string  `json:"text"`
	Speaker          string  `json:"speaker"`
	Confidence       float64 `json:"confidence"`
	ImportanceScore  float64 `json:"importance_score"`
	QuoteType        string  `json:"quote_type,omitempty"`
	MeaningfulUnitID string  `json:"meaningful_unit_id"`
}

// Insight is a synthesized observation derived from a unit.
// MeaningfulUnitID must be set before the graph write.
type Insight struct {
	Content            string   `json:"content"`
	Type               string   `json:"type,omitempty"`
	Confidence         float64  `json:"confidence"`
	Complexity         float64  `json:"complexity"`
	SupportingEntities []string `json:"supporting_entities,omitempty"`
	MeaningfulUnitID   string   `json:"meaningful_unit_id"`
}

// Relationship is a directed edge between two extracted entities (or an
// entity and a quote), referenced by surface value. Type is free-form.
type Relationship struct {
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Type       string         `json:"type"`
	Confidence float64        `json:"confidence"`
	Properties map[string]any `json:"properties,omitempty"`
}

// EmotionalMoment is a point of notable emotional intensity within a unit.
type EmotionalMoment struct {
	Description string  `json:"description"`
	Emotion     string  `json:"emotion"`
	Intensity   float64 `json:"intensity"`
}

// Sentiment is the per-unit sentiment record.
type Sentiment struct {
	MeaningfulUnitID   string            `json:"meaningful_unit_id"`
	OverallPolarity    string            `json:"overall_polarity"`
	Score              float64           `json:"score"`
	SpeakerEmotions    map[string]string `json:"speaker_emotions,omitempty"`
	EmotionalMoments   []EmotionalMoment `json:"emotional_moments,omitempty"`
	Trajectory         []float64         `json:"trajectory,omitempty"`
	InteractionHarmony float64           `json:"interaction_harmony"`
	Tags               []string          `json:"tags,omitempty"`
}

// UnitExtraction bundles everything extracted from a single meaningful unit.
type UnitExtraction struct {
	UnitIndex     int               `json:"unit_index"`
	UnitID        string            `json:"unit_id"`
	Entities      []ExtractedEntity `json:"entities"`
	Quotes        []Quote           `json:"quotes"`
	Insights      []Insight         `json:"insights"`
	Relationships []Relationship    `json:"relationships"`
	Sentiment     *Sentiment        `json:"sentiment,omitempty"`
}

// Status values for a pipeline Result.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Stats holds the per-episode counters reported in a Result.
type Stats struct {
	SegmentsParsed         int `json:"segments_parsed"`
	SpeakersIdentified     int `json:"speakers_identified"`
	MeaningfulUnitsCreated int `json:"meaningful_units_created"`
	EntitiesExtracted      int `json:"entities_extracted"`
	QuotesExtracted        int `json:"quotes_extracted"`
	InsightsExtracted      int `json:"insights_extracted"`
	RelationshipsExtracted int `json:"relationships_extracted"`
	NodesCreated           int `json:"nodes_created"`
	RelationshipsCreated   int `json:"relationships_created"`
}

// Result is the pipeline's final report for one episode.
type Result struct {
	EpisodeID       string                   `json:"episode_id"`
	Status          string                   `json:"status"`
	SkipReason      string                   `json:"skip_reason,omitempty"`
	ExistingEpisode string                   `json:"existing_episode,omitempty"`
	PhasesCompleted []string                 `json:"phases_completed"`
	PhaseTimings    map[string]time.Duration `json:"phase_timings"`
	Stats           Stats                    `json:"stats"`
	Errors          []string                 `json:"errors,omitempty"`
	StartTime       time.Time                `json:"start_time"`
	EndTime         time.Time                `json:"end_time"`
	TotalTime       time.Duration            `json:"total_time"`
}
