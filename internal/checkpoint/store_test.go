package checkpoint

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	payload, _ := json.Marshal(map[string]int{"segments": 600})
	err = s.Save("ep1", "VTT_PARSING",
		map[string]json.RawMessage{"VTT_PARSING": payload},
		map[string]string{"vtt_filename": "ep1.vtt"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	ck, err := s.Load("ep1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ck == nil {
		t.Fatal("Load returned nil for a saved checkpoint")
	}
	if ck.Version != CurrentVersion {
		t.Errorf("version = %d, want %d", ck.Version, CurrentVersion)
	}
	if ck.LastPhase != "VTT_PARSING" {
		t.Errorf("last phase = %q", ck.LastPhase)
	}
	if ck.Metadata["vtt_filename"] != "ep1.vtt" {
		t.Errorf("metadata = %v", ck.Metadata)
	}

	var got map[string]int
	if err := json.Unmarshal(ck.Payloads["VTT_PARSING"], &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got["segments"] != 600 {
		t.Errorf("payload = %v", got)
	}
}

func TestStore_SaveMergesPayloadsAcrossPhases(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Save("ep1", "VTT_PARSING",
		map[string]json.RawMessage{"VTT_PARSING": CompletedMarker}, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Save("ep1", "SPEAKER_IDENTIFICATION",
		map[string]json.RawMessage{"SPEAKER_IDENTIFICATION": CompletedMarker}, nil); err != nil {
		t.Fatal(err)
	}

	ck, err := s.Load("ep1")
	if err != nil {
		t.Fatal(err)
	}
	if ck.LastPhase != "SPEAKER_IDENTIFICATION" {
		t.Errorf("last phase = %q", ck.LastPhase)
	}
	if len(ck.Payloads) != 2 {
		t.Errorf("payloads = %v, want both phases retained", ck.Payloads)
	}
}

func TestStore_LoadMissingIsNil(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ck, err := s.Load("nope")
	if err != nil || ck != nil {
		t.Errorf("Load(missing) = %v, %v; want nil, nil", ck, err)
	}
}

func TestStore_DeleteAndAge(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save("ep1", "ANALYSIS", nil, nil); err != nil {
		t.Fatal(err)
	}

	if age, err := s.Age("ep1"); err != nil || age < 0 {
		t.Errorf("Age = %v, %v", age, err)
	}

	if err := s.Delete("ep1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ck, _ := s.Load("ep1"); ck != nil {
		t.Error("checkpoint still loadable after Delete")
	}
	if _, err := s.Age("ep1"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Age after delete = %v, want ErrNotExist", err)
	}
	// Deleting twice is fine.
	if err := s.Delete("ep1"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestStore_Compression(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, WithCompression())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save("ep1", "ANALYSIS", nil, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "ep1.ckpt.gz")); err != nil {
		t.Fatalf("compressed file missing: %v", err)
	}
	ck, err := s.Load("ep1")
	if err != nil || ck == nil {
		t.Fatalf("Load compressed: %v, %v", ck, err)
	}
	if ck.LastPhase != "ANALYSIS" {
		t.Errorf("last phase = %q", ck.LastPhase)
	}
}

func TestStore_StaleCheckpointDiscarded(t *testing.T) {
	s, err := NewStore(t.TempDir(), WithMaxAge(time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	old := time.Now().Add(-2 * time.Hour)
	s.now = func() time.Time { return old }
	if err := s.Save("ep1", "ANALYSIS", nil, nil); err != nil {
		t.Fatal(err)
	}

	s.now = time.Now
	ck, err := s.Load("ep1")
	if err != nil {
		t.Fatal(err)
	}
	if ck != nil {
		t.Error("stale checkpoint should be discarded")
	}
}

func TestStore_MigratesV1Envelope(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	v1 := Checkpoint{
		Version:   1,
		EpisodeID: "ep1",
		LastPhase: "KNOWLEDGE_EXTRACTION",
		Timestamp: time.Now(),
		Payloads:  map[string]json.RawMessage{"KNOWLEDGE_EXTRACTION": CompletedMarker},
	}
	raw, _ := json.Marshal(v1)
	path := filepath.Join(dir, "ep1.ckpt")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	ck, err := s.Load("ep1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ck.Version != CurrentVersion {
		t.Errorf("version = %d, want %d", ck.Version, CurrentVersion)
	}
	if ck.ExtractionMode != "full" {
		t.Errorf("extraction mode = %q, want %q", ck.ExtractionMode, "full")
	}
	if ck.SchemaDiscovery == nil {
		t.Error("schema discovery section not added")
	}

	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Errorf("pre-migration backup missing: %v", err)
	}

	// The rewritten file is current, so a reload does not re-migrate.
	reloaded, err := s.Load("ep1")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Version != CurrentVersion {
		t.Errorf("reloaded version = %d", reloaded.Version)
	}
}
