package pipeline

// Phase is one stage of the linear per-episode state machine. The integer
// order is the execution order; a loaded checkpoint with last_phase >= P
// skips P.
type Phase int

const (
	PhaseVTTParsing Phase = iota
	PhaseSpeakerIdentification
	PhaseConversationAnalysis
	PhaseMeaningfulUnitCreation
	PhaseEpisodeStorage
	PhaseKnowledgeExtraction
	PhaseKnowledgeStorage
	PhaseAnalysis

	// PhasePostProcessSpeakers is the optional opt-in speaker mapping pass
	// after analysis. Never checkpointed; it re-runs on resume when enabled.
	PhasePostProcessSpeakers
)

var phaseNames = map[Phase]string{
	PhaseVTTParsing:             "VTT_PARSING",
	PhaseSpeakerIdentification:  "SPEAKER_IDENTIFICATION",
	PhaseConversationAnalysis:   "CONVERSATION_ANALYSIS",
	PhaseMeaningfulUnitCreation: "MEANINGFUL_UNIT_CREATION",
	PhaseEpisodeStorage:         "EPISODE_STORAGE",
	PhaseKnowledgeExtraction:    "KNOWLEDGE_EXTRACTION",
	PhaseKnowledgeStorage:       "KNOWLEDGE_STORAGE",
	PhaseAnalysis:               "ANALYSIS",
	PhasePostProcessSpeakers:    "POST_PROCESS_SPEAKERS",
}

func (p Phase) String() string {
	if n, ok := phaseNames[p]; ok {
		return n
	}
	return "UNKNOWN"
}

// PhaseFromName maps a checkpoint's phase name back to its Phase.
func PhaseFromName(name string) (Phase, bool) {
	for p, n := range phaseNames {
		if n == name {
			return p, true
		}
	}
	return 0, false
}
