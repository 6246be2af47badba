package units

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	embmock "github.com/castograph/castograph/pkg/provider/embeddings/mock"
	"github.com/castograph/castograph/pkg/types"
)

func segs() []types.Segment {
	return []types.Segment{
		{ID: 0, Speaker: "Alice", Text: "Welcome everyone.", StartTime: 1, EndTime: 6},  // 5s
		{ID: 1, Speaker: "Bob", Text: "Happy to join.", StartTime: 6, EndTime: 8},       // 2s
		{ID: 2, Speaker: "Alice", Text: "Today we discuss Go.", StartTime: 8, EndTime: 14}, // 6s
		{ID: 3, Speaker: "Bob", Text: "My favourite topic.", StartTime: 14, EndTime: 18},   // 4s
	}
}

func structure() *types.ConversationStructure {
	return &types.ConversationStructure{
		Units: []types.UnitRange{
			{StartIndex: 0, EndIndex: 1, UnitType: "introduction"},
			{StartIndex: 2, EndIndex: 3, UnitType: "discussion"},
		},
		Themes: []types.Theme{{Name: "Go", StartIndex: 2, EndIndex: 3}},
	}
}

func TestBuild_UnitShape(t *testing.T) {
	b := New(embmock.New(8))
	units, failures := b.Build(context.Background(), "ep1", segs(), structure())
	if len(failures) != 0 {
		t.Fatalf("failures = %v", failures)
	}
	if len(units) != 2 {
		t.Fatalf("got %d units", len(units))
	}

	u := units[0]
	if u.Text != "Welcome everyone. Happy to join." {
		t.Errorf("text = %q", u.Text)
	}
	// First segment starts at 1s; lead-in floors at 0.
	if u.StartTime != 0 || u.EndTime != 8 {
		t.Errorf("times = [%v, %v]", u.StartTime, u.EndTime)
	}
	if u.PrimarySpeaker != "Alice" {
		t.Errorf("primary speaker = %q", u.PrimarySpeaker)
	}
	if got := u.SpeakerDistribution["Alice"] + u.SpeakerDistribution["Bob"]; got < 0.999 || got > 1.001 {
		t.Errorf("distribution does not sum to 1: %v", u.SpeakerDistribution)
	}
	if len(u.Embedding) != 8 {
		t.Errorf("embedding length = %d", len(u.Embedding))
	}
	if u.ID != types.UnitID("ep1", 0) {
		t.Errorf("id = %q, not deterministic", u.ID)
	}

	if got := units[1].Themes; len(got) != 1 || got[0] != "Go" {
		t.Errorf("unit 1 themes = %v", got)
	}
	if got := units[0].Themes; len(got) != 0 {
		t.Errorf("unit 0 themes = %v, want none", got)
	}
}

func TestBuild_LeadInAppliedWhenNotAtStart(t *testing.T) {
	b := New(nil)
	units, _ := b.Build(context.Background(), "ep1", segs(), &types.ConversationStructure{
		Units: []types.UnitRange{{StartIndex: 2, EndIndex: 3}},
	})
	if units[0].StartTime != 6 { // 8 - 2s lead-in
		t.Errorf("start = %v, want 6", units[0].StartTime)
	}
}

func TestBuild_TieBrokenByFirstOccurrence(t *testing.T) {
	tied := []types.Segment{
		{ID: 0, Speaker: "Bob", Text: "a", StartTime: 0, EndTime: 5},
		{ID: 1, Speaker: "Alice", Text: "b", StartTime: 5, EndTime: 10},
	}
	b := New(nil)
	units, _ := b.Build(context.Background(), "ep1", tied, &types.ConversationStructure{
		Units: []types.UnitRange{{StartIndex: 0, EndIndex: 1}},
	})
	if units[0].PrimarySpeaker != "Bob" {
		t.Errorf("primary = %q, want first-seen speaker on tie", units[0].PrimarySpeaker)
	}
}

func TestBuild_EmbeddingFailureRecordedNotFatal(t *testing.T) {
	emb := embmock.New(8)
	emb.FailOn = func(text string) error {
		if strings.Contains(text, "discuss Go") {
			return errors.New("503 embed backend down")
		}
		return nil
	}

	b := New(emb)
	units, failures := b.Build(context.Background(), "ep1", segs(), structure())
	if len(units) != 2 {
		t.Fatalf("got %d units", len(units))
	}
	if units[1].Embedding != nil {
		t.Error("failed unit should have nil embedding")
	}
	if len(failures) != 1 || failures[0].UnitID != units[1].ID {
		t.Errorf("failures = %+v", failures)
	}
}

func TestWriteFailureLog(t *testing.T) {
	dir := t.TempDir()
	failures := []EmbeddingFailure{{UnitID: "mu_x", Error: "boom"}}

	path, err := WriteFailureLog(dir, "ep1", failures)
	if err != nil {
		t.Fatalf("WriteFailureLog: %v", err)
	}
	if filepath.Dir(path) != filepath.Join(dir, "logs", "embedding_failures") {
		t.Errorf("path = %q", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got []EmbeddingFailure
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].UnitID != "mu_x" {
		t.Errorf("log contents = %+v", got)
	}
}

func TestWriteFailureLog_EmptyIsNoop(t *testing.T) {
	path, err := WriteFailureLog(t.TempDir(), "ep1", nil)
	if err != nil || path != "" {
		t.Errorf("got %q, %v", path, err)
	}
}
