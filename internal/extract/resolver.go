package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/castograph/castograph/pkg/types"
)

// EntityID derives the deterministic graph node ID for an entity from its
// normalized type and value, so that re-running an episode (or resolving
// twice) produces identical IDs.
func EntityID(entityType, value string) string {
	key := normalizeType(entityType) + "|" + normalizeValue(value)
	sum := sha256.Sum256([]byte(key))
	return "ent_" + hex.EncodeToString(sum[:12])
}

func normalizeType(t string) string  { return strings.ToLower(strings.TrimSpace(t)) }
func normalizeValue(v string) string { return strings.ToLower(strings.TrimSpace(v)) }

// Resolve deduplicates entities across units. Entities with the same
// normalized (type, value) merge into one record:
//
//   - the highest-confidence record's scalar fields win,
//   - distinct descriptions concatenate with "; ",
//   - meaningful_unit_ids union,
//   - the first value spelling seen stays canonical.
//
// The returned map takes every raw surface value seen to the canonical
// entity ID, for rewriting relationship endpoints. Resolve is idempotent:
// applied to its own output it returns the same set.
func Resolve(entities []types.ExtractedEntity) ([]types.ExtractedEntity, map[string]string) {
	type group struct {
		first  int // input position of the first member, for stable output order
		best   types.ExtractedEntity
		descs  []string
		units  []string
		values []string
	}

	groups := map[string]*group{}
	var order []string

	for i, ent := range entities {
		key := normalizeType(ent.Type) + "|" + normalizeValue(ent.Value)
		g, ok := groups[key]
		if !ok {
			g = &group{first: i, best: ent}
			groups[key] = g
			order = append(order, key)
		} else if ent.Confidence > g.best.Confidence {
			canonical := g.best.Value // first spelling survives
			g.best = ent
			g.best.Value = canonical
		}
		if d := ent.Description(); d != "" {
			g.descs = appendDistinct(g.descs, d)
		}
		for _, id := range ent.UnitIDs() {
			g.units = appendDistinct(g.units, id)
		}
		g.values = appendDistinct(g.values, ent.Value)
	}

	resolved := make([]types.ExtractedEntity, 0, len(order))
	idByValue := make(map[string]string)

	for _, key := range order {
		g := groups[key]
		ent := g.best

		props := make(map[string]any, len(ent.Properties)+2)
		for k, v := range ent.Properties {
			props[k] = v
		}
		if len(g.descs) > 0 {
			props["description"] = strings.Join(g.descs, "; ")
		}
		if len(g.units) > 0 {
			sort.Strings(g.units)
			props["meaningful_unit_ids"] = g.units
		}
		ent.Properties = props

		id := EntityID(ent.Type, ent.Value)
		for _, v := range g.values {
			idByValue[v] = id
		}
		resolved = append(resolved, ent)
	}
	return resolved, idByValue
}

func appendDistinct(list []string, s string) []string {
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}
