package quota

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// UsageFileName is the well-known name of the persisted usage state.
const UsageFileName = ".gemini_usage.json"

// KeyUsage is the persistent accounting record for one API key.
type KeyUsage struct {
	RequestsToday   int       `json:"requests_today"`
	TokensToday     int       `json:"tokens_today"`
	LastRequestTime time.Time `json:"last_request_time"`
	LastResetDate   string    `json:"last_reset_date"` // local date, YYYY-MM-DD
	IsAvailable     bool      `json:"is_available"`
	IsPaidTier      bool      `json:"is_paid_tier"`
}

// usageFile is the on-disk envelope.
type usageFile struct {
	UpdatedAt time.Time           `json:"updated_at"`
	Keys      map[string]KeyUsage `json:"keys"`
}

// UsageTable tracks per-key usage, guarded by a single mutex held only
// during selection and post-call accounting, never during network I/O.
// State is persisted to path after every recorded call; persistence
// failures are logged and swallowed since usage tracking is an optimisation
// guard, not a correctness requirement.
type UsageTable struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
	keys []KeyUsage
}

// NewUsageTable creates a table for n keys, loading any persisted state
// from dir/UsageFileName. paid marks which key indices are paid tier.
func NewUsageTable(dir string, n int, paid []bool) (*UsageTable, error) {
	t := &UsageTable{
		path: filepath.Join(dir, UsageFileName),
		now:  time.Now,
		keys: make([]KeyUsage, n),
	}
	for i := range t.keys {
		t.keys[i] = KeyUsage{IsAvailable: true, LastResetDate: localDate(t.now())}
		if i < len(paid) {
			t.keys[i].IsPaidTier = paid[i]
		}
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

// load merges persisted usage into the in-memory table. A missing file is
// not an error; a corrupt file is logged and ignored.
func (t *UsageTable) load() error {
	data, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("quota: read usage file: %w", err)
	}

	var f usageFile
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Warn("quota: corrupt usage file ignored", "path", t.path, "err", err)
		return nil
	}
	for i := range t.keys {
		if ku, ok := f.Keys[keyID(i)]; ok {
			paid := t.keys[i].IsPaidTier // config wins over persisted tier
			t.keys[i] = ku
			t.keys[i].IsPaidTier = paid
		}
	}
	return nil
}

// Snapshot returns a copy of the current per-key records, resetting any key
// whose stored date is behind the local date.
func (t *UsageTable) Snapshot() []KeyUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetStaleLocked()
	out := make([]KeyUsage, len(t.keys))
	copy(out, t.keys)
	return out
}

// RecordCall charges estimate tokens and one request against key and
// persists the table. Called after each successful model call.
func (t *UsageTable) RecordCall(key int, estimate int) {
	t.mu.Lock()
	t.resetStaleLocked()
	t.keys[key].RequestsToday++
	t.keys[key].TokensToday += estimate
	t.keys[key].LastRequestTime = t.now()
	t.mu.Unlock()

	t.persist()
}

// Touch stamps key's last-request time now, reserving its request-spacing
// slot at selection time so concurrent callers cannot pick the same key
// inside one spacing window. In-memory only; [UsageTable.RecordCall] does
// the persisted accounting after the call completes.
func (t *UsageTable) Touch(key int) {
	t.mu.Lock()
	t.keys[key].LastRequestTime = t.now()
	t.mu.Unlock()
}

// MarkUnavailable masks key until the next daily reset. Used when the
// backend rejects the key with a quota error.
func (t *UsageTable) MarkUnavailable(key int) {
	t.mu.Lock()
	t.keys[key].IsAvailable = false
	t.mu.Unlock()

	t.persist()
}

// resetStaleLocked applies the daily reset to any key whose stored date is
// behind today. Must be called with t.mu held.
func (t *UsageTable) resetStaleLocked() {
	today := localDate(t.now())
	for i := range t.keys {
		if t.keys[i].LastResetDate < today {
			t.keys[i].RequestsToday = 0
			t.keys[i].TokensToday = 0
			t.keys[i].IsAvailable = true
			t.keys[i].LastResetDate = today
		}
	}
}

// persist writes the table atomically (temp file + rename).
func (t *UsageTable) persist() {
	t.mu.Lock()
	f := usageFile{UpdatedAt: t.now(), Keys: make(map[string]KeyUsage, len(t.keys))}
	for i, ku := range t.keys {
		f.Keys[keyID(i)] = ku
	}
	t.mu.Unlock()

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		slog.Warn("quota: marshal usage state", "err", err)
		return
	}

	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Warn("quota: write usage state", "path", tmp, "err", err)
		return
	}
	if err := os.Rename(tmp, t.path); err != nil {
		slog.Warn("quota: rename usage state", "path", t.path, "err", err)
	}
}

func keyID(i int) string { return fmt.Sprintf("key_%d", i+1) }

// localDate formats ts as a local YYYY-MM-DD date string. String comparison
// on this format matches chronological comparison.
func localDate(ts time.Time) string {
	return ts.Local().Format("2006-01-02")
}
