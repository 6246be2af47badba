package vtt

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"
)

const sampleVTT = `WEBVTT

NOTE
podcast: Deep Currents
episode: Tides of Change
description: Alice Host interviews Bob Guest about oceanography.
duration: 120.5

00:00:01.000 --> 00:00:04.500
<v SPEAKER_1>Welcome back to the show.

00:00:04.800 --> 00:00:09.250
<v SPEAKER_2>Thanks for having me, it's great to be here.

00:00:09.500 --> 00:00:12.000
So let's dive right in.
`

func TestParse_CuesAndMetadata(t *testing.T) {
	doc, err := Parse(strings.NewReader(sampleVTT))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(doc.Segments) != 3 {
		t.Fatalf("got %d segments, want 3", len(doc.Segments))
	}

	first := doc.Segments[0]
	if first.Speaker != "SPEAKER_1" {
		t.Errorf("first speaker = %q, want SPEAKER_1", first.Speaker)
	}
	if first.Text != "Welcome back to the show." {
		t.Errorf("first text = %q", first.Text)
	}
	if math.Abs(first.StartTime-1.0) > 1e-9 || math.Abs(first.EndTime-4.5) > 1e-9 {
		t.Errorf("first times = (%v, %v), want (1, 4.5)", first.StartTime, first.EndTime)
	}

	// The untagged third cue inherits the previous speaker.
	if doc.Segments[2].Speaker != "SPEAKER_2" {
		t.Errorf("third speaker = %q, want SPEAKER_2 (inherited)", doc.Segments[2].Speaker)
	}

	if got := doc.Metadata["podcast"]; got != "Deep Currents" {
		t.Errorf("metadata podcast = %q", got)
	}
	if got := doc.Metadata["description"]; !strings.Contains(got, "Bob Guest") {
		t.Errorf("metadata description = %q", got)
	}
	if got := doc.Metadata["duration"]; got != "120.5" {
		t.Errorf("metadata duration = %q", got)
	}
}

func TestParse_SegmentIDsAreSequential(t *testing.T) {
	doc, err := Parse(strings.NewReader(sampleVTT))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for i, s := range doc.Segments {
		if s.ID != i {
			t.Errorf("segment %d has ID %d", i, s.ID)
		}
	}
}

func TestParse_EmptyPayload(t *testing.T) {
	_, err := Parse(strings.NewReader("WEBVTT\n\n"))
	if !errors.Is(err, ErrEmpty) {
		t.Fatalf("err = %v, want ErrEmpty", err)
	}
}

func TestParse_MissingHeader(t *testing.T) {
	_, err := Parse(strings.NewReader("00:00:01.000 --> 00:00:02.000\nhello\n"))
	if !errors.Is(err, ErrBadHeader) {
		t.Fatalf("err = %v, want ErrBadHeader", err)
	}
}

func TestParse_DropsNonPositiveDurationCues(t *testing.T) {
	in := `WEBVTT

00:00:05.000 --> 00:00:05.000
<v SPEAKER_1>zero width

00:00:06.000 --> 00:00:07.000
<v SPEAKER_1>kept
`
	doc, err := Parse(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(doc.Segments) != 1 || doc.Segments[0].Text != "kept" {
		t.Fatalf("segments = %+v, want only the positive-duration cue", doc.Segments)
	}
}

func TestSerialize_RoundTrip(t *testing.T) {
	doc, err := Parse(strings.NewReader(sampleVTT))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	var buf bytes.Buffer
	if err := Serialize(&buf, doc.Segments); err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	again, err := Parse(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("re-Parse: %v", err)
	}
	if len(again.Segments) != len(doc.Segments) {
		t.Fatalf("round trip: %d segments, want %d", len(again.Segments), len(doc.Segments))
	}
	for i := range again.Segments {
		if again.Segments[i].Text != doc.Segments[i].Text {
			t.Errorf("segment %d text = %q, want %q", i, again.Segments[i].Text, doc.Segments[i].Text)
		}
		if again.Segments[i].Speaker != doc.Segments[i].Speaker {
			t.Errorf("segment %d speaker = %q, want %q", i, again.Segments[i].Speaker, doc.Segments[i].Speaker)
		}
	}
}

func TestFormatTimestamp(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "00:00:00.000"},
		{1.5, "00:00:01.500"},
		{3661.042, "01:01:01.042"},
		{-3, "00:00:00.000"},
	}
	for _, tt := range tests {
		if got := FormatTimestamp(tt.seconds); got != tt.want {
			t.Errorf("FormatTimestamp(%v) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}

func TestStripVoiceTags(t *testing.T) {
	if got := StripVoiceTags("<v Alice Host>hello there</v>"); got != "hello there" {
		t.Errorf("got %q", got)
	}
	if got := StripVoiceTags("plain"); got != "plain" {
		t.Errorf("got %q", got)
	}
}
