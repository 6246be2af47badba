package vtt

import (
	"sort"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/castograph/castograph/pkg/types"
)

// Stitching thresholds. A cue from a later partial is considered a duplicate
// of the previous cue when its start overlaps the previous end by more than
// overlapToleranceSec AND its text is at least duplicateSimilarity similar.
const (
	overlapToleranceSec = 2.0
	duplicateSimilarity = 0.8
)

// Stitch merges the cues of several partial transcription payloads into one
// consistent cue list. Cues are sorted by start time; near-duplicate cues at
// the seams between partials are dropped.
//
// Stitching adjacent payloads with no overlap is the identity: the result is
// exactly the cues of the first followed by the cues of the second.
func Stitch(parts ...[]types.Segment) []types.Segment {
	var all []types.Segment
	for _, p := range parts {
		all = append(all, p...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].StartTime < all[j].StartTime
	})

	out := make([]types.Segment, 0, len(all))
	for _, cue := range all {
		if len(out) > 0 {
			prev := out[len(out)-1]
			overlap := prev.EndTime - cue.StartTime
			if overlap > overlapToleranceSec && TextSimilarity(prev.Text, cue.Text) >= duplicateSimilarity {
				continue
			}
		}
		cue.ID = len(out)
		out = append(out, cue)
	}
	return out
}

// TextSimilarity returns a similarity score in [0, 1] between two cue texts
// after voice-tag stripping and case folding. Substring containment counts as
// fully similar; otherwise the score is a normalized Levenshtein ratio.
func TextSimilarity(a, b string) float64 {
	a = strings.ToLower(StripVoiceTags(a))
	b = strings.ToLower(StripVoiceTags(b))
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 1
	}
	dist := matchr.Levenshtein(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	return 1 - float64(dist)/float64(maxLen)
}

// Coverage returns the end time of the last cue divided by expectedDuration.
// Returns 0 for an empty cue list, 1 when expectedDuration is unknown.
func Coverage(segments []types.Segment, expectedDuration float64) float64 {
	if len(segments) == 0 {
		return 0
	}
	if expectedDuration <= 0 {
		return 1
	}
	return segments[len(segments)-1].EndTime / expectedDuration
}

// TailContext returns the last n cues formatted for a continuation prompt,
// so the model can resume without repeating itself.
func TailContext(segments []types.Segment, n int) string {
	if n > len(segments) {
		n = len(segments)
	}
	var b strings.Builder
	for _, s := range segments[len(segments)-n:] {
		b.WriteString(FormatTimestamp(s.StartTime))
		b.WriteString(" --> ")
		b.WriteString(FormatTimestamp(s.EndTime))
		b.WriteString("\n")
		if s.Speaker != "" {
			b.WriteString("<v " + s.Speaker + ">")
		}
		b.WriteString(s.Text)
		b.WriteString("\n")
	}
	return b.String()
}
