// Package extract performs per-unit schemaless knowledge extraction: a
// bounded-concurrency worker pool calls the model once per meaningful unit
// (plus a sentiment call), tolerates partial failure up to a threshold, and
// resolves entities across units.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/castograph/castograph/internal/quota"
	"github.com/castograph/castograph/pkg/types"
)

// Chatter is the slice of the model client this package needs.
type Chatter interface {
	ChatJSON(ctx context.Context, prompt string, out any, opts ...quota.CallOption) error
}

// Extractor runs the per-unit extraction procedure.
type Extractor struct {
	client Chatter

	// combined selects the single-call prompt producing all four arrays at
	// once. When false, each array gets its own call.
	combined bool
}

// NewExtractor creates an Extractor using the combined single-call prompt.
func NewExtractor(client Chatter) *Extractor {
	return &Extractor{client: client, combined: true}
}

// SetCombined toggles between the combined prompt and the per-array
// fallback path.
func (e *Extractor) SetCombined(v bool) { e.combined = v }

// combinedResult is the JSON contract of the combined extraction call.
type combinedResult struct {
	Entities      []types.ExtractedEntity `json:"entities"`
	Quotes        []types.Quote           `json:"quotes"`
	Relationships []types.Relationship    `json:"relationships"`
	Insights      []types.Insight         `json:"insights"`
}

// ExtractUnit obtains entities, quotes, relationships, insights, and a
// sentiment record for one unit. Extraction failure fails the unit;
// sentiment failure only logs, since sentiment is inherently noisier and a
// unit without it is still worth keeping.
func (e *Extractor) ExtractUnit(ctx context.Context, index int, unit types.MeaningfulUnit) (*types.UnitExtraction, error) {
	var res combinedResult
	var err error
	if e.combined {
		err = e.client.ChatJSON(ctx, combinedPrompt(unit), &res, quota.WithTemperature(0.2))
	} else {
		res, err = e.extractSeparate(ctx, unit)
	}
	if err != nil {
		return nil, fmt.Errorf("extract: unit %d: %w", index, err)
	}

	out := &types.UnitExtraction{
		UnitIndex:     index,
		UnitID:        unit.ID,
		Entities:      res.Entities,
		Quotes:        res.Quotes,
		Insights:      res.Insights,
		Relationships: res.Relationships,
	}

	for i := range out.Entities {
		tagEntityUnit(&out.Entities[i], unit.ID)
	}
	for i := range out.Quotes {
		if out.Quotes[i].MeaningfulUnitID == "" {
			out.Quotes[i].MeaningfulUnitID = unit.ID
		}
		out.Quotes[i].ImportanceScore = scoreQuoteImportance(out.Quotes[i])
	}
	for i := range out.Insights {
		if out.Insights[i].MeaningfulUnitID == "" {
			out.Insights[i].MeaningfulUnitID = unit.ID
		}
		out.Insights[i].Complexity = scoreInsightComplexity(out.Insights[i])
	}

	sent, err := e.analyzeSentiment(ctx, unit)
	if err != nil {
		slog.Warn("sentiment analysis failed, keeping unit without sentiment",
			"unit", unit.ID, "err", err)
	} else {
		out.Sentiment = sent
	}
	return out, nil
}

// extractSeparate is the fallback path: one call per output array.
func (e *Extractor) extractSeparate(ctx context.Context, unit types.MeaningfulUnit) (combinedResult, error) {
	var res combinedResult
	steps := []struct {
		name string
		out  any
	}{
		{"entities", &res.Entities},
		{"quotes", &res.Quotes},
		{"relationships", &res.Relationships},
		{"insights", &res.Insights},
	}
	for _, st := range steps {
		prompt := arrayPrompt(st.name, unit)
		if err := e.client.ChatJSON(ctx, prompt, st.out, quota.WithTemperature(0.2)); err != nil {
			return res, fmt.Errorf("%s: %w", st.name, err)
		}
	}
	return res, nil
}

// analyzeSentiment makes the separate sentiment call for a unit.
func (e *Extractor) analyzeSentiment(ctx context.Context, unit types.MeaningfulUnit) (*types.Sentiment, error) {
	var s types.Sentiment
	if err := e.client.ChatJSON(ctx, sentimentPrompt(unit), &s, quota.WithTemperature(0.3)); err != nil {
		return nil, err
	}
	s.MeaningfulUnitID = unit.ID
	return &s, nil
}

// tagEntityUnit ensures the entity's properties carry the unit it came from.
func tagEntityUnit(ent *types.ExtractedEntity, unitID string) {
	if ent.Properties == nil {
		ent.Properties = map[string]any{}
	}
	ids := ent.UnitIDs()
	for _, id := range ids {
		if id == unitID {
			return
		}
	}
	ent.Properties["meaningful_unit_ids"] = append(ids, unitID)
}

// scoreQuoteImportance assigns a local, model-free importance score in
// [0, 1]: weighted mix of model confidence, length, and quote type.
func scoreQuoteImportance(q types.Quote) float64 {
	words := float64(len(strings.Fields(q.Text)))
	length := words / 30
	if length > 1 {
		length = 1
	}

	typeBonus := 0.15
	switch strings.ToLower(q.QuoteType) {
	case "key_insight", "prediction", "controversial":
		typeBonus = 0.3
	case "anecdote", "humor":
		typeBonus = 0.1
	}

	score := 0.4*q.Confidence + 0.3*length + typeBonus
	if score > 1 {
		score = 1
	}
	return score
}

// scoreInsightComplexity assigns a local complexity score in [0, 1] from
// content length and the number of supporting entities.
func scoreInsightComplexity(in types.Insight) float64 {
	words := float64(len(strings.Fields(in.Content)))
	score := words/80 + 0.15*float64(len(in.SupportingEntities))
	if score > 1 {
		score = 1
	}
	return score
}
