// Package vtt parses and serializes WebVTT transcript files.
//
// The parser understands the subset of WebVTT 1.0 that transcription models
// emit: a WEBVTT header, `HH:MM:SS.mmm --> HH:MM:SS.mmm` cue timings,
// optional `<v Speaker>` voice tags, and NOTE blocks carrying key: value
// episode metadata. Styling, regions, and cue settings are ignored.
//
// It also implements the continuation-stitching step used by long-audio
// transcription, where a single response cannot cover a full episode and
// several partial VTT payloads must be merged into one.
package vtt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/castograph/castograph/pkg/types"
)

// ErrEmpty is returned when the input contains a valid header but no cues.
var ErrEmpty = errors.New("vtt: no cues found")

// ErrBadHeader is returned when the input does not start with WEBVTT.
var ErrBadHeader = errors.New("vtt: missing WEBVTT header")

// Metadata keys recognised in NOTE blocks.
var metadataKeys = map[string]bool{
	"podcast":        true,
	"episode":        true,
	"author":         true,
	"youtube_url":    true,
	"published_date": true,
	"description":    true,
	"duration":       true,
}

var (
	timingRe   = regexp.MustCompile(`^(\d{2,}):(\d{2}):(\d{2})\.(\d{3})\s+-->\s+(\d{2,}):(\d{2}):(\d{2})\.(\d{3})`)
	voiceTagRe = regexp.MustCompile(`<v\s+([^>]+)>`)
	closeTagRe = regexp.MustCompile(`</?v[^>]*>`)
)

// Document is the result of parsing one VTT payload.
type Document struct {
	Segments []types.Segment
	Metadata map[string]string
}

// ParseFile parses the WebVTT file at path.
func ParseFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vtt: open %q: %w", path, err)
	}
	defer f.Close()
	doc, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("vtt: parse %q: %w", path, err)
	}
	return doc, nil
}

// Parse reads a WebVTT payload from r and returns its cues as segments plus
// any NOTE-block metadata. Cues with non-positive duration are dropped.
// Returns [ErrEmpty] when the payload has no usable cues.
func Parse(r io.Reader) (*Document, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !sc.Scan() {
		return nil, ErrBadHeader
	}
	header := strings.TrimPrefix(strings.TrimSpace(sc.Text()), "\uFEFF")
	if !strings.HasPrefix(header, "WEBVTT") {
		return nil, ErrBadHeader
	}

	doc := &Document{Metadata: map[string]string{}}
	lastSpeaker := "SPEAKER_1"

	var (
		inNote    bool
		pending   *types.Segment
		textLines []string
	)

	flush := func() {
		if pending == nil {
			return
		}
		pending.Text = strings.TrimSpace(strings.Join(textLines, " "))
		if pending.Text != "" && pending.EndTime > pending.StartTime {
			pending.ID = len(doc.Segments)
			doc.Segments = append(doc.Segments, *pending)
		}
		pending = nil
		textLines = nil
	}

	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			flush()
			inNote = false

		case strings.HasPrefix(trimmed, "NOTE"):
			flush()
			inNote = true
			parseNoteLine(strings.TrimSpace(strings.TrimPrefix(trimmed, "NOTE")), doc.Metadata)

		case inNote:
			parseNoteLine(trimmed, doc.Metadata)

		case timingRe.MatchString(trimmed):
			flush()
			m := timingRe.FindStringSubmatch(trimmed)
			start := timestampSeconds(m[1], m[2], m[3], m[4])
			end := timestampSeconds(m[5], m[6], m[7], m[8])
			pending = &types.Segment{StartTime: start, EndTime: end, Confidence: 1.0}

		case pending != nil:
			speaker, text := splitVoiceTag(trimmed)
			if speaker != "" {
				lastSpeaker = speaker
			}
			// Untagged cue lines inherit the most recent speaker so that a
			// tag on the first cue carries forward until the next change.
			pending.Speaker = lastSpeaker
			textLines = append(textLines, text)

			// A bare cue-identifier line before the timing line is legal
			// WebVTT; with pending == nil it simply falls through here and
			// is ignored on the next iteration.
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("vtt: read: %w", err)
	}
	flush()

	if len(doc.Segments) == 0 {
		return nil, ErrEmpty
	}
	return doc, nil
}

// Serialize renders segments back into a single WEBVTT payload, preserving
// speaker attribution through voice tags.
func Serialize(w io.Writer, segments []types.Segment) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("WEBVTT\n\n"); err != nil {
		return fmt.Errorf("vtt: serialize: %w", err)
	}
	for _, s := range segments {
		fmt.Fprintf(bw, "%s --> %s\n", FormatTimestamp(s.StartTime), FormatTimestamp(s.EndTime))
		if s.Speaker != "" {
			fmt.Fprintf(bw, "<v %s>%s\n\n", s.Speaker, s.Text)
		} else {
			fmt.Fprintf(bw, "%s\n\n", s.Text)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("vtt: serialize: %w", err)
	}
	return nil
}

// FormatTimestamp renders seconds as HH:MM:SS.mmm.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int64(seconds*1000 + 0.5)
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

// StripVoiceTags removes <v ...> markup from text, leaving the spoken words.
func StripVoiceTags(text string) string {
	return strings.TrimSpace(closeTagRe.ReplaceAllString(text, ""))
}

// splitVoiceTag extracts the speaker name from a <v Speaker> tag, returning
// the name (empty if absent) and the text with all voice markup removed.
func splitVoiceTag(line string) (speaker, text string) {
	if m := voiceTagRe.FindStringSubmatch(line); m != nil {
		speaker = strings.TrimSpace(m[1])
	}
	return speaker, StripVoiceTags(line)
}

// parseNoteLine records a "key: value" metadata line from a NOTE block.
// Unrecognised keys are ignored.
func parseNoteLine(line string, into map[string]string) {
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if metadataKeys[key] {
		into[key] = strings.TrimSpace(value)
	}
}

func timestampSeconds(h, m, s, ms string) float64 {
	hi, _ := strconv.Atoi(h)
	mi, _ := strconv.Atoi(m)
	si, _ := strconv.Atoi(s)
	msi, _ := strconv.Atoi(ms)
	return float64(hi)*3600 + float64(mi)*60 + float64(si) + float64(msi)/1000
}

