package quota

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/castograph/castograph/internal/vtt"
	"github.com/castograph/castograph/pkg/provider/llm"
	"github.com/castograph/castograph/pkg/types"
)

// Transcription continuation bounds. A single model response caps out well
// before a full episode; the transcriber keeps asking the model to resume
// from where it stopped until the cue timeline covers the audio.
const (
	// minCoverage is the fraction of the expected duration the stitched
	// transcript must reach before the loop stops asking for more.
	minCoverage = 0.85

	// maxContinuations bounds the resume loop. Each continuation re-sends the
	// full audio, so this also bounds cost.
	maxContinuations = 10

	// tailCues is how many trailing cues are quoted back to the model as
	// resume context.
	tailCues = 5
)

const transcribePrompt = `Transcribe this audio to WebVTT format with speaker diarization.
Label speakers as <v SPEAKER_1>, <v SPEAKER_2>, and so on, keeping labels
consistent across the whole recording. Emit only valid WebVTT: a WEBVTT
header followed by timestamped cues. Do not summarise or skip content.`

const continuePromptFmt = `Continue transcribing this audio to WebVTT format with speaker diarization.
A previous pass stopped partway through. The final cues produced so far are:

%s
Resume transcription from immediately after the last cue above, using the
same speaker labels. Emit only new WebVTT cues with a WEBVTT header; do not
repeat cues already transcribed.`

// Transcribe converts audio to diarized cues using the continuation
// protocol: an initial transcription call, then resume calls quoting the
// tail of the stitched transcript, until coverage of expectedDuration
// (seconds; 0 when unknown) reaches minCoverage or the continuation budget
// runs out. Overlapping duplicate cues between passes are dropped during
// stitching.
//
// The transcriber goes through the same key selection, accounting, and
// breaker machinery as chat calls. Requires the per-key providers to
// implement [llm.AudioTranscriber].
func (c *Client) Transcribe(ctx context.Context, audio []byte, mimeType string, expectedDuration float64) ([]types.Segment, error) {
	// Audio bytes dominate the charge. Inline audio is roughly 32 tokens per
	// second for Gemini; byte length over a typical MP3 bitrate approximates
	// that closely enough for budget accounting.
	estimate := len(audio)/4000 + 1024

	var stitched []types.Segment

	for pass := 0; ; pass++ {
		instruction := transcribePrompt
		if pass > 0 {
			instruction = fmt.Sprintf(continuePromptFmt, vtt.TailContext(stitched, tailCues))
		}

		start := time.Now()
		var resp *llm.CompletionResponse
		err := c.execute(ctx, "transcribe", estimate, func(key int) error {
			tr, ok := c.providers[key].(llm.AudioTranscriber)
			if !ok {
				return fmt.Errorf("provider for key %d does not accept audio input", key+1)
			}
			r, err := tr.Transcribe(ctx, llm.TranscriptionRequest{
				Audio:       audio,
				MIMEType:    mimeType,
				Instruction: instruction,
			})
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
		if err != nil {
			if pass == 0 {
				return nil, err
			}
			// Partial transcript in hand: a failed continuation degrades
			// coverage, it does not lose the episode.
			slog.Warn("transcription continuation failed, keeping partial transcript",
				"pass", pass, "coverage", vtt.Coverage(stitched, expectedDuration), "err", err)
			return stitched, nil
		}

		part, err := parseTranscriptionOutput(resp.Content)
		if err != nil {
			if pass == 0 {
				return nil, fmt.Errorf("quota: transcribe: %w: %v", ErrInvalidResponse, err)
			}
			slog.Warn("unparseable continuation output, keeping partial transcript",
				"pass", pass, "err", err)
			return stitched, nil
		}

		before := len(stitched)
		stitched = vtt.Stitch(stitched, part)
		cov := vtt.Coverage(stitched, expectedDuration)
		slog.Info("transcription pass complete",
			"pass", pass,
			"new_cues", len(part),
			"total_cues", len(stitched),
			"coverage", fmt.Sprintf("%.2f", cov),
			"elapsed", time.Since(start).Round(time.Second),
		)

		if cov >= minCoverage {
			return stitched, nil
		}
		if len(stitched) == before {
			// Everything in this pass was a duplicate. More passes will not
			// help.
			slog.Warn("transcription stalled below target coverage", "coverage", cov)
			return stitched, nil
		}
		if pass+1 > maxContinuations {
			slog.Warn("continuation budget exhausted", "coverage", cov)
			return stitched, nil
		}
	}
}

// parseTranscriptionOutput extracts cues from one model response. Responses
// sometimes wrap the VTT in a code fence or omit the WEBVTT header on
// continuations; both are tolerated.
func parseTranscriptionOutput(content string) ([]types.Segment, error) {
	content = stripCodeFences(content)
	if !strings.HasPrefix(strings.TrimSpace(content), "WEBVTT") {
		content = "WEBVTT\n\n" + content
	}
	doc, err := vtt.Parse(strings.NewReader(content))
	if err != nil {
		return nil, err
	}
	return doc.Segments, nil
}
