package checkpoint

import (
	"fmt"
	"log/slog"
	"os"
)

// migrate upgrades ck from its stored version to [CurrentVersion], writing
// a .bak copy of the raw original first and then rewriting the file.
func (s *Store) migrate(path string, original []byte, ck *Checkpoint) error {
	from := ck.Version
	if from < 1 {
		return fmt.Errorf("checkpoint: %s: unknown version %d", path, from)
	}

	if err := os.WriteFile(path+".bak", original, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write pre-migration backup: %w", err)
	}

	for ck.Version < CurrentVersion {
		switch ck.Version {
		case 1:
			migrateV1toV2(ck)
		case 2:
			migrateV2toV3(ck)
		}
		ck.Version++
	}

	if err := s.write(ck); err != nil {
		return fmt.Errorf("checkpoint: rewrite after migration: %w", err)
	}
	slog.Info("checkpoint: migrated envelope",
		"episode", ck.EpisodeID, "from_version", from, "to_version", ck.Version)
	return nil
}

// v1 envelopes predate selectable extraction flavours; everything they
// recorded came from the full extraction path.
func migrateV1toV2(ck *Checkpoint) {
	if ck.ExtractionMode == "" {
		ck.ExtractionMode = "full"
	}
}

// v2 envelopes carried no schema-discovery section. Start it empty; the
// discovered vocabulary rebuilds as remaining units are extracted.
func migrateV2toV3(ck *Checkpoint) {
	if ck.SchemaDiscovery == nil {
		ck.SchemaDiscovery = &SchemaDiscovery{}
	}
}
