package pipeline

import (
	"errors"
	"fmt"

	"github.com/castograph/castograph/internal/convo"
	"github.com/castograph/castograph/internal/extract"
	"github.com/castograph/castograph/internal/quota"
	"github.com/castograph/castograph/internal/speaker"
	"github.com/castograph/castograph/internal/vtt"
)

// Error kinds reported in results and logs.
const (
	KindVTTProcessing         = "VTTProcessingError"
	KindSpeakerIdentification = "SpeakerIdentificationError"
	KindConversationAnalysis  = "ConversationAnalysisError"
	KindExtraction            = "ExtractionError"
	KindQuotaExceeded         = "QuotaExceeded"
	KindCircuitOpen           = "CircuitOpen"
	KindInternal              = "InternalError"
)

// PipelineError wraps any fatal per-episode failure with the phase it
// occurred in and its classified kind.
type PipelineError struct {
	Phase Phase
	Kind  string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline: %s failed (%s): %v", e.Phase, e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// classify maps an underlying failure to its error kind.
func classify(phase Phase, err error) string {
	var te *extract.ThresholdError
	switch {
	case errors.Is(err, vtt.ErrEmpty), errors.Is(err, vtt.ErrBadHeader):
		return KindVTTProcessing
	case errors.Is(err, speaker.ErrNoSpeakers):
		return KindSpeakerIdentification
	case errors.Is(err, convo.ErrAnalysisFailed):
		return KindConversationAnalysis
	case errors.As(err, &te):
		return KindExtraction
	case errors.Is(err, quota.ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, quota.ErrCircuitOpen):
		return KindCircuitOpen
	}
	// The phase decides for failures without a recognizable cause: the two
	// LLM-analysis phases are their own kinds per the failure policy.
	switch phase {
	case PhaseVTTParsing:
		return KindVTTProcessing
	case PhaseSpeakerIdentification:
		return KindSpeakerIdentification
	case PhaseConversationAnalysis:
		return KindConversationAnalysis
	default:
		return KindInternal
	}
}

// fail builds the PipelineError for a phase failure.
func fail(phase Phase, err error) *PipelineError {
	return &PipelineError{Phase: phase, Kind: classify(phase, err), Err: err}
}
