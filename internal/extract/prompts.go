package extract

import (
	"fmt"
	"strings"

	"github.com/castograph/castograph/pkg/types"
)

func unitHeader(unit types.MeaningfulUnit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Primary speaker: %s\n", unit.PrimarySpeaker)
	if len(unit.Themes) > 0 {
		fmt.Fprintf(&b, "Themes: %s\n", strings.Join(unit.Themes, ", "))
	}
	fmt.Fprintf(&b, "\nTranscript section:\n%s\n", unit.Text)
	return b.String()
}

func combinedPrompt(unit types.MeaningfulUnit) string {
	return `Extract structured knowledge from this podcast transcript section.
Produce a JSON object with four arrays:

"entities": named things discussed. Each: {"value": surface string,
  "type": free-form lowercase type (person, company, concept, book, ...),
  "confidence": 0-1, "properties": {"description": one sentence}}.
  Invent whatever types fit; there is no fixed schema.

"quotes": notable verbatim statements. Each: {"text", "speaker",
  "quote_type" (key_insight, prediction, anecdote, controversial, humor),
  "confidence"}.

"relationships": directed links between extracted entities, referenced by
  their "value". Each: {"source", "target", "type": free-form verb phrase,
  "confidence"}.

"insights": synthesized observations. Each: {"content", "type",
  "confidence", "supporting_entities": [entity values]}.

Only include items clearly grounded in the text.

` + unitHeader(unit)
}

func arrayPrompt(kind string, unit types.MeaningfulUnit) string {
	var contract string
	switch kind {
	case "entities":
		contract = `Extract the named things discussed in this transcript section.
Respond with a JSON array: [{"value", "type" (free-form lowercase),
"confidence", "properties": {"description"}}].`
	case "quotes":
		contract = `Extract notable verbatim quotes from this transcript section.
Respond with a JSON array: [{"text", "speaker", "quote_type", "confidence"}].`
	case "relationships":
		contract = `Extract directed relationships between things discussed in this
transcript section. Respond with a JSON array:
[{"source", "target", "type" (free-form verb phrase), "confidence"}].`
	case "insights":
		contract = `Extract synthesized insights from this transcript section.
Respond with a JSON array:
[{"content", "type", "confidence", "supporting_entities"}].`
	}
	return contract + "\n\n" + unitHeader(unit)
}

func sentimentPrompt(unit types.MeaningfulUnit) string {
	return `Analyze the sentiment of this podcast transcript section.
Respond with a JSON object:
{"overall_polarity": "positive"|"negative"|"neutral"|"mixed",
 "score": -1 to 1,
 "speaker_emotions": {speaker: dominant emotion},
 "emotional_moments": [{"description", "emotion", "intensity": 0-1}],
 "trajectory": [scores over the section],
 "interaction_harmony": 0-1,
 "tags": [free-form sentiment tags]}

` + unitHeader(unit)
}
