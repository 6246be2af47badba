// Package checkpoint persists per-episode pipeline progress so a crashed or
// interrupted run can resume without redoing completed phases.
//
// Each episode gets one file under the store directory, holding the most
// recent completed phase and a map of phase name to serialized payload,
// wrapped in a versioned envelope. Writes are atomic (temp file + rename)
// and optionally gzip-compressed. Old envelope versions are migrated on
// load, with a .bak copy of the original written first.
//
// Checkpointing is an optimization, never a correctness requirement:
// callers treat a failed [Store.Save] as a logged warning, not a fatal
// error.
package checkpoint

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// CurrentVersion is the envelope version written by this build.
// History: v1 original; v2 added extraction_mode; v3 added the
// schema_discovery section.
const CurrentVersion = 3

// DefaultMaxAge is how old a checkpoint may be before Load discards it.
const DefaultMaxAge = 30 * 24 * time.Hour

// Checkpoint is the versioned on-disk envelope.
type Checkpoint struct {
	Version   int       `json:"version"`
	EpisodeID string    `json:"episode_id"`
	LastPhase string    `json:"last_phase"`
	Timestamp time.Time `json:"timestamp"`

	// Payloads maps phase name to that phase's serialized resumable state.
	// Phases whose state does not serialize cleanly store a
	// {"completed": true} marker instead and are regenerated on resume.
	Payloads map[string]json.RawMessage `json:"payloads"`

	Metadata map[string]string `json:"metadata,omitempty"`

	// ExtractionMode records which extraction flavour produced the
	// checkpointed state. Since v2.
	ExtractionMode string `json:"extraction_mode"`

	// SchemaDiscovery accumulates the open-vocabulary entity and
	// relationship types seen so far. Since v3.
	SchemaDiscovery *SchemaDiscovery `json:"schema_discovery"`
}

// SchemaDiscovery tracks the vocabulary the model has produced for an
// episode, since the graph itself enforces no schema.
type SchemaDiscovery struct {
	EntityTypes       []string `json:"entity_types"`
	RelationshipTypes []string `json:"relationship_types"`
}

// CompletedMarker is the payload stored for phases whose state is
// regenerated rather than restored.
var CompletedMarker = json.RawMessage(`{"completed": true}`)

// Store reads and writes checkpoint files for episodes. A single episode is
// only ever processed by one orchestrator at a time, so the store needs no
// in-memory locking; the atomic rename makes concurrent readers safe.
type Store struct {
	dir      string
	compress bool
	maxAge   time.Duration
	now      func() time.Time
}

// Option configures a [Store].
type Option func(*Store)

// WithCompression enables gzip compression of checkpoint files.
func WithCompression() Option {
	return func(s *Store) { s.compress = true }
}

// WithMaxAge overrides [DefaultMaxAge].
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) { s.maxAge = d }
}

// NewStore creates a Store rooted at dir, creating the directory if needed.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir: %w", err)
	}
	s := &Store{dir: dir, maxAge: DefaultMaxAge, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Save records phase as the latest completed phase for episodeID, merging
// payloads into any existing checkpoint and rewriting the file atomically.
// The checkpoint is durable (fsynced through the rename) before Save
// returns nil.
func (s *Store) Save(episodeID, phase string, payloads map[string]json.RawMessage, metadata map[string]string) error {
	ck, err := s.Load(episodeID)
	if err != nil {
		slog.Warn("checkpoint: unreadable existing checkpoint, starting fresh",
			"episode", episodeID, "err", err)
	}
	if ck == nil {
		ck = &Checkpoint{
			EpisodeID: episodeID,
			Payloads:  map[string]json.RawMessage{},
		}
	}

	ck.Version = CurrentVersion
	ck.LastPhase = phase
	ck.Timestamp = s.now()
	for k, v := range payloads {
		ck.Payloads[k] = v
	}
	for k, v := range metadata {
		if ck.Metadata == nil {
			ck.Metadata = map[string]string{}
		}
		ck.Metadata[k] = v
	}

	return s.write(ck)
}

// Load returns the checkpoint for episodeID, or (nil, nil) when none
// exists. Envelopes older than [CurrentVersion] are migrated in place (with
// a .bak of the original); checkpoints older than the max age are discarded.
func (s *Store) Load(episodeID string) (*Checkpoint, error) {
	path, data, err := s.read(episodeID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	var ck Checkpoint
	if err := json.Unmarshal(data, &ck); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", path, err)
	}

	if age := s.now().Sub(ck.Timestamp); s.maxAge > 0 && age > s.maxAge {
		slog.Info("checkpoint: discarding stale checkpoint",
			"episode", episodeID, "age", age.Round(time.Hour))
		if err := s.Delete(episodeID); err != nil {
			slog.Warn("checkpoint: delete stale checkpoint", "err", err)
		}
		return nil, nil
	}

	if ck.Version < CurrentVersion {
		if err := s.migrate(path, data, &ck); err != nil {
			return nil, err
		}
	}
	return &ck, nil
}

// Delete removes the checkpoint for episodeID. Deleting a nonexistent
// checkpoint is not an error.
func (s *Store) Delete(episodeID string) error {
	for _, p := range []string{s.path(episodeID, false), s.path(episodeID, true)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("checkpoint: delete: %w", err)
		}
	}
	return nil
}

// Age returns how long ago the checkpoint for episodeID was written.
// Returns [os.ErrNotExist] (wrapped) when no checkpoint exists.
func (s *Store) Age(episodeID string) (time.Duration, error) {
	ck, err := s.Load(episodeID)
	if err != nil {
		return 0, err
	}
	if ck == nil {
		return 0, fmt.Errorf("checkpoint: %s: %w", episodeID, os.ErrNotExist)
	}
	return s.now().Sub(ck.Timestamp), nil
}

// path returns the checkpoint file path for episodeID.
func (s *Store) path(episodeID string, compressed bool) string {
	name := episodeID + ".ckpt"
	if compressed {
		name += ".gz"
	}
	return filepath.Join(s.dir, name)
}

// read finds and decompresses the checkpoint file, preferring the
// compressed variant. Returns (path, nil, nil) style empty results when no
// file exists.
func (s *Store) read(episodeID string) (string, []byte, error) {
	for _, compressed := range []bool{true, false} {
		path := s.path(episodeID, compressed)
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return path, nil, fmt.Errorf("checkpoint: open: %w", err)
		}
		defer f.Close()

		var r io.Reader = f
		if compressed {
			gz, err := gzip.NewReader(f)
			if err != nil {
				return path, nil, fmt.Errorf("checkpoint: gunzip %s: %w", path, err)
			}
			defer gz.Close()
			r = gz
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return path, nil, fmt.Errorf("checkpoint: read %s: %w", path, err)
		}
		return path, data, nil
	}
	return "", nil, nil
}

// write serializes ck and renames it into place.
func (s *Store) write(ck *Checkpoint) error {
	data, err := json.MarshalIndent(ck, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}

	path := s.path(ck.EpisodeID, s.compress)
	tmp, err := os.CreateTemp(s.dir, "."+ck.EpisodeID+"-*")
	if err != nil {
		return fmt.Errorf("checkpoint: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var w io.Writer = tmp
	var gz *gzip.Writer
	if s.compress {
		gz = gzip.NewWriter(tmp)
		w = gz
	}
	if _, err := w.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: write: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			tmp.Close()
			return fmt.Errorf("checkpoint: flush gzip: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}
