// Package pipeline orchestrates the per-episode processing run: VTT parsing,
// speaker identification, conversation analysis, meaningful-unit creation,
// the two graph write stages, knowledge extraction, and final analysis.
//
// Phases execute strictly in order. After each phase the orchestrator saves a
// checkpoint (when checkpointing is enabled), so a crashed run resumes by
// skipping every phase at or before the checkpoint's last_phase and restoring
// its serialized state. Any fatal failure after the episode skeleton has been
// written triggers an episode-wide graph rollback; VTT processing failures
// never do, since nothing has been written yet.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/castograph/castograph/internal/checkpoint"
	"github.com/castograph/castograph/internal/convo"
	"github.com/castograph/castograph/internal/extract"
	"github.com/castograph/castograph/internal/observe"
	"github.com/castograph/castograph/internal/quota"
	"github.com/castograph/castograph/internal/speaker"
	"github.com/castograph/castograph/internal/units"
	"github.com/castograph/castograph/internal/vtt"
	"github.com/castograph/castograph/pkg/graph"
	"github.com/castograph/castograph/pkg/types"
)

// ModelClient is the slice of the quota-aware model client the pipeline
// needs: structured chat for the analysis phases and embeddings for units.
type ModelClient interface {
	ChatJSON(ctx context.Context, prompt string, out any, opts ...quota.CallOption) error
	Embed(ctx context.Context, text string) ([]float32, error)
}

var _ ModelClient = (*quota.Client)(nil)

// Options tunes a [Pipeline]. The zero value gives the defaults of each
// underlying component.
type Options struct {
	// MaxConcurrentUnits caps parallel unit extractions (default 4).
	MaxConcurrentUnits int

	// UnitTimeout bounds one unit's extraction (default 2 minutes).
	UnitTimeout time.Duration

	// FailureThreshold is the failed-unit fraction above which the episode
	// is rejected and rolled back (default 0.5).
	FailureThreshold float64

	// CombinedExtraction uses one model call per unit instead of four.
	CombinedExtraction bool

	// EnableSpeakerMapping turns on the optional post-analysis pass that
	// re-identifies speakers and rewrites unit speaker properties in the
	// graph. Off by default.
	EnableSpeakerMapping bool

	// WorkDir is where embedding-failure logs are written. Defaults to the
	// current directory.
	WorkDir string
}

// Pipeline runs episodes through the full processing sequence. Safe for
// concurrent use across distinct episodes.
type Pipeline struct {
	client      ModelClient
	identifier  *speaker.Identifier
	analyzer    *convo.Analyzer
	builder     *units.Builder
	pool        *extract.Pool
	writer      *graph.Writer
	checkpoints *checkpoint.Store
	metrics     *observe.Metrics
	opts        Options
}

// New wires a Pipeline over the given model client and graph store.
// checkpoints may be nil, which disables resumability entirely.
func New(client ModelClient, store graph.Store, checkpoints *checkpoint.Store, opts Options) *Pipeline {
	ex := extract.NewExtractor(client)
	ex.SetCombined(opts.CombinedExtraction)

	var poolOpts []extract.PoolOption
	if opts.MaxConcurrentUnits > 0 {
		poolOpts = append(poolOpts, extract.WithConcurrency(opts.MaxConcurrentUnits))
	}
	if opts.UnitTimeout > 0 {
		poolOpts = append(poolOpts, extract.WithUnitTimeout(opts.UnitTimeout))
	}
	if opts.FailureThreshold > 0 {
		poolOpts = append(poolOpts, extract.WithFailureThreshold(opts.FailureThreshold))
	}

	return &Pipeline{
		client:      client,
		identifier:  speaker.New(client),
		analyzer:    convo.New(client),
		builder:     units.New(client),
		pool:        extract.NewPool(ex, poolOpts...),
		writer:      graph.NewWriter(store),
		checkpoints: checkpoints,
		metrics:     observe.Default(),
		opts:        opts,
	}
}

// SetMetrics replaces the metrics sink. Tests use this with a private meter
// provider.
func (p *Pipeline) SetMetrics(m *observe.Metrics) { p.metrics = m }

// episodeState is the data flowing between phases, restored from the
// checkpoint on resume.
type episodeState struct {
	segments      []types.Segment
	structure     *types.ConversationStructure
	units         []types.MeaningfulUnit
	embedFailures []units.EmbeddingFailure

	extractions []types.UnitExtraction
	entities    []types.ExtractedEntity
	idByValue   map[string]string

	// stageABegun flips once the episode skeleton write starts. From then
	// on any fatal failure rolls the whole episode back.
	stageABegun bool
}

// extractionPayload is the checkpointed state of the extraction phase.
type extractionPayload struct {
	Extractions []types.UnitExtraction  `json:"extractions"`
	Entities    []types.ExtractedEntity `json:"entities"`
	IDByValue   map[string]string       `json:"id_by_value"`
}

// ProcessFile parses the WebVTT file at path and processes it as one
// episode. NOTE-block metadata from the file fills any EpisodeMetadata
// fields the caller left empty; a missing episode ID defaults to the file
// name without its extension.
func (p *Pipeline) ProcessFile(ctx context.Context, path string, meta types.EpisodeMetadata) (*types.Result, error) {
	doc, err := vtt.ParseFile(path)
	if err != nil {
		perr := fail(PhaseVTTParsing, err)
		res := &types.Result{
			EpisodeID:    meta.EpisodeID,
			Status:       types.StatusFailed,
			Errors:       []string{perr.Error()},
			StartTime:    time.Now(),
			EndTime:      time.Now(),
			PhaseTimings: map[string]time.Duration{},
		}
		p.metrics.RecordEpisode(ctx, types.StatusFailed)
		return res, perr
	}

	base := filepath.Base(path)
	if meta.VTTFilename == "" {
		meta.VTTFilename = base
	}
	if meta.EpisodeID == "" {
		meta.EpisodeID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	fillMetadata(&meta, doc.Metadata)

	return p.Process(ctx, doc.Segments, meta)
}

// Process runs the already-parsed segments through every phase and reports
// the outcome. The returned Result is non-nil even on failure; the error,
// when non-nil, is a [*PipelineError].
func (p *Pipeline) Process(ctx context.Context, segments []types.Segment, meta types.EpisodeMetadata) (*types.Result, error) {
	res := &types.Result{
		EpisodeID:    meta.EpisodeID,
		StartTime:    time.Now(),
		PhaseTimings: map[string]time.Duration{},
	}
	finish := func() {
		res.EndTime = time.Now()
		res.TotalTime = res.EndTime.Sub(res.StartTime)
	}

	// Idempotency: a VTT filename already in the graph means this episode
	// was fully processed by an earlier run.
	if meta.VTTFilename != "" {
		id, exists, err := p.writer.EpisodeExists(ctx, meta.VTTFilename)
		if err != nil {
			slog.Warn("pipeline: idempotency check failed, processing anyway",
				"episode", meta.EpisodeID, "err", err)
		} else if exists {
			res.Status = types.StatusSkipped
			res.SkipReason = fmt.Sprintf("episode with VTT file %q already in graph", meta.VTTFilename)
			res.ExistingEpisode = id
			p.metrics.RecordEpisode(ctx, types.StatusSkipped)
			finish()
			return res, nil
		}
	}

	st := &episodeState{segments: segments}
	ck := p.loadCheckpoint(meta.EpisodeID)
	if ck != nil {
		slog.Info("pipeline: resuming from checkpoint",
			"episode", meta.EpisodeID, "last_phase", ck.LastPhase)
	}

	if perr := p.run(ctx, st, meta, ck, res); perr != nil {
		res.Status = types.StatusFailed
		res.Errors = append(res.Errors, perr.Error())
		if st.stageABegun && perr.Kind != KindVTTProcessing {
			p.rollback(ctx, meta.EpisodeID)
			// The graph no longer holds this episode, so the checkpoint must
			// not claim the storage phases. Demote it to the last data-only
			// phase; its payloads survive for the retry.
			p.demoteCheckpoint(meta)
		}
		p.metrics.RecordEpisode(ctx, types.StatusFailed)
		finish()
		return res, perr
	}

	if p.checkpoints != nil {
		if err := p.checkpoints.Delete(meta.EpisodeID); err != nil {
			slog.Warn("pipeline: delete checkpoint after success",
				"episode", meta.EpisodeID, "err", err)
		}
	}
	if len(st.embedFailures) > 0 {
		if path, err := units.WriteFailureLog(p.opts.WorkDir, meta.EpisodeID, st.embedFailures); err != nil {
			slog.Warn("pipeline: write embedding failure log", "err", err)
		} else {
			slog.Info("pipeline: embedding failures recorded for backfill",
				"episode", meta.EpisodeID, "count", len(st.embedFailures), "path", path)
		}
	}

	res.Status = types.StatusCompleted
	p.metrics.RecordEpisode(ctx, types.StatusCompleted)
	finish()
	slog.Info("pipeline: episode completed",
		"episode", meta.EpisodeID,
		"units", res.Stats.MeaningfulUnitsCreated,
		"nodes", res.Stats.NodesCreated,
		"duration", res.TotalTime.Round(time.Millisecond))
	return res, nil
}

// run executes every phase in order, honouring checkpoint skips.
func (p *Pipeline) run(ctx context.Context, st *episodeState, meta types.EpisodeMetadata, ck *checkpoint.Checkpoint, res *types.Result) *PipelineError {
	type step struct {
		phase   Phase
		restore func(json.RawMessage) error
		fn      func(context.Context) (json.RawMessage, error)
	}

	steps := []step{
		{
			phase: PhaseVTTParsing,
			restore: func(raw json.RawMessage) error {
				var segs []types.Segment
				if err := json.Unmarshal(raw, &segs); err != nil {
					return err
				}
				if len(segs) == 0 {
					return errors.New("empty segment payload")
				}
				st.segments = segs
				res.Stats.SegmentsParsed = len(segs)
				return nil
			},
			fn: func(context.Context) (json.RawMessage, error) {
				if len(st.segments) == 0 {
					return nil, vtt.ErrEmpty
				}
				res.Stats.SegmentsParsed = len(st.segments)
				return json.Marshal(st.segments)
			},
		},
		{
			phase: PhaseSpeakerIdentification,
			restore: func(raw json.RawMessage) error {
				var segs []types.Segment
				if err := json.Unmarshal(raw, &segs); err != nil {
					return err
				}
				if len(segs) == 0 {
					return errors.New("empty segment payload")
				}
				st.segments = segs
				return nil
			},
			fn: func(ctx context.Context) (json.RawMessage, error) {
				named, n, err := p.identifier.Identify(ctx, st.segments, meta)
				if err != nil {
					return nil, err
				}
				st.segments = named
				res.Stats.SpeakersIdentified = n
				return json.Marshal(st.segments)
			},
		},
		{
			phase: PhaseConversationAnalysis,
			restore: func(raw json.RawMessage) error {
				var cs types.ConversationStructure
				if err := json.Unmarshal(raw, &cs); err != nil {
					return err
				}
				if len(cs.Units) == 0 {
					return errors.New("structure payload has no units")
				}
				st.structure = &cs
				return nil
			},
			fn: func(ctx context.Context) (json.RawMessage, error) {
				cs, err := p.analyzer.Analyze(ctx, st.segments)
				if err != nil {
					return nil, err
				}
				st.structure = cs
				return json.Marshal(cs)
			},
		},
		{
			phase: PhaseMeaningfulUnitCreation,
			restore: func(raw json.RawMessage) error {
				var built []types.MeaningfulUnit
				if err := json.Unmarshal(raw, &built); err != nil {
					return err
				}
				if len(built) == 0 {
					return errors.New("empty unit payload")
				}
				st.units = built
				res.Stats.MeaningfulUnitsCreated = len(built)
				return nil
			},
			fn: func(ctx context.Context) (json.RawMessage, error) {
				built, fails := p.builder.Build(ctx, meta.EpisodeID, st.segments, st.structure)
				st.units = built
				st.embedFailures = fails
				res.Stats.MeaningfulUnitsCreated = len(built)
				return json.Marshal(built)
			},
		},
		{
			phase: PhaseEpisodeStorage,
			fn: func(ctx context.Context) (json.RawMessage, error) {
				st.stageABegun = true
				var themes []types.Theme
				if st.structure != nil {
					themes = st.structure.Themes
				}
				stats, err := p.writer.WriteEpisodeSkeleton(ctx, meta, st.units, themes)
				if err != nil {
					return nil, err
				}
				res.Stats.NodesCreated += stats.Nodes
				res.Stats.RelationshipsCreated += stats.Edges
				return nil, nil
			},
		},
		{
			phase: PhaseKnowledgeExtraction,
			restore: func(raw json.RawMessage) error {
				var pl extractionPayload
				if err := json.Unmarshal(raw, &pl); err != nil {
					return err
				}
				if len(pl.Extractions) == 0 {
					return errors.New("empty extraction payload")
				}
				st.extractions = pl.Extractions
				st.entities = pl.Entities
				st.idByValue = pl.IDByValue
				p.countExtractions(res, st)
				return nil
			},
			fn: func(ctx context.Context) (json.RawMessage, error) {
				extractions, unitErrs, err := p.pool.Run(ctx, st.units)
				if err != nil {
					return nil, err
				}
				for _, ue := range unitErrs {
					res.Errors = append(res.Errors, fmt.Sprintf(
						"unit %d (%s) extraction failed: %s: %s",
						ue.UnitIndex, ue.UnitID, ue.ErrorType, ue.Message))
					p.metrics.RecordUnit(ctx, true)
				}
				for range extractions {
					p.metrics.RecordUnit(ctx, false)
				}

				st.extractions = extractions
				var all []types.ExtractedEntity
				for _, ex := range extractions {
					all = append(all, ex.Entities...)
				}
				st.entities, st.idByValue = extract.Resolve(all)
				p.countExtractions(res, st)

				return json.Marshal(extractionPayload{
					Extractions: st.extractions,
					Entities:    st.entities,
					IDByValue:   st.idByValue,
				})
			},
		},
		{
			phase: PhaseKnowledgeStorage,
			fn: func(ctx context.Context) (json.RawMessage, error) {
				stats, err := p.writer.WriteKnowledge(ctx, meta, st.extractions, st.entities, st.idByValue)
				if err != nil {
					return nil, err
				}
				res.Stats.NodesCreated += stats.Nodes
				res.Stats.RelationshipsCreated += stats.Edges
				return nil, nil
			},
		},
		{
			phase: PhaseAnalysis,
			fn: func(ctx context.Context) (json.RawMessage, error) {
				slog.Info("pipeline: episode analysis",
					"episode", meta.EpisodeID,
					"segments", res.Stats.SegmentsParsed,
					"speakers", res.Stats.SpeakersIdentified,
					"units", res.Stats.MeaningfulUnitsCreated,
					"entities", res.Stats.EntitiesExtracted,
					"quotes", res.Stats.QuotesExtracted,
					"insights", res.Stats.InsightsExtracted,
					"relationships", res.Stats.RelationshipsExtracted)
				return nil, nil
			},
		},
	}

	for _, s := range steps {
		// The episode skeleton from a prior run is in the graph even when
		// the phase itself is skipped, so later failures must roll it back.
		if s.phase == PhaseEpisodeStorage && p.skippable(ck, s.phase) {
			st.stageABegun = true
		}
		if perr := p.runPhase(ctx, res, ck, meta, s.phase, s.restore, s.fn); perr != nil {
			return perr
		}
	}

	if p.opts.EnableSpeakerMapping {
		if perr := p.runPhase(ctx, res, nil, meta, PhasePostProcessSpeakers, nil,
			func(ctx context.Context) (json.RawMessage, error) {
				return nil, p.postProcessSpeakers(ctx, st, meta)
			}); perr != nil {
			// The episode is already complete and stored; a failed optional
			// remapping pass is a warning, not grounds for a rollback. Its
			// exhausted batches stay replayable because nothing rolled back.
			slog.Warn("pipeline: speaker mapping pass failed", "episode", meta.EpisodeID, "err", perr)
			res.Errors = append(res.Errors, perr.Error())
			p.writer.ReplayFailures(ctx, meta.EpisodeID)
		}
	}
	return nil
}

// runPhase executes (or restores) one phase, records its timing, and saves
// the checkpoint on success.
func (p *Pipeline) runPhase(ctx context.Context, res *types.Result, ck *checkpoint.Checkpoint, meta types.EpisodeMetadata, ph Phase, restore func(json.RawMessage) error, fn func(context.Context) (json.RawMessage, error)) *PipelineError {
	if p.skippable(ck, ph) {
		if restore == nil {
			res.PhasesCompleted = append(res.PhasesCompleted, ph.String())
			slog.Debug("pipeline: phase skipped via checkpoint", "episode", meta.EpisodeID, "phase", ph)
			return nil
		}
		if raw, ok := ck.Payloads[ph.String()]; ok {
			if err := restore(raw); err == nil {
				res.PhasesCompleted = append(res.PhasesCompleted, ph.String())
				slog.Debug("pipeline: phase restored from checkpoint", "episode", meta.EpisodeID, "phase", ph)
				return nil
			}
			slog.Warn("pipeline: checkpoint payload unusable, re-running phase",
				"episode", meta.EpisodeID, "phase", ph)
		}
	}

	start := time.Now()
	payload, err := fn(ctx)
	if err != nil {
		return fail(ph, err)
	}
	elapsed := time.Since(start)
	res.PhaseTimings[ph.String()] = elapsed
	res.PhasesCompleted = append(res.PhasesCompleted, ph.String())
	p.metrics.RecordPhase(ctx, ph.String(), elapsed)

	if ph != PhasePostProcessSpeakers {
		p.saveCheckpoint(meta, ph, payload)
	}
	return nil
}

// skippable reports whether the checkpoint covers phase ph.
func (p *Pipeline) skippable(ck *checkpoint.Checkpoint, ph Phase) bool {
	if ck == nil {
		return false
	}
	last, ok := PhaseFromName(ck.LastPhase)
	return ok && last >= ph
}

func (p *Pipeline) loadCheckpoint(episodeID string) *checkpoint.Checkpoint {
	if p.checkpoints == nil {
		return nil
	}
	ck, err := p.checkpoints.Load(episodeID)
	if err != nil {
		slog.Warn("pipeline: load checkpoint", "episode", episodeID, "err", err)
		return nil
	}
	return ck
}

// saveCheckpoint persists phase completion. Failures are logged, never
// fatal; checkpointing is an optimization.
func (p *Pipeline) saveCheckpoint(meta types.EpisodeMetadata, ph Phase, payload json.RawMessage) {
	if p.checkpoints == nil {
		return
	}
	if payload == nil {
		payload = checkpoint.CompletedMarker
	}
	err := p.checkpoints.Save(meta.EpisodeID, ph.String(),
		map[string]json.RawMessage{ph.String(): payload},
		map[string]string{"vtt_filename": meta.VTTFilename, "title": meta.Title, "podcast_name": meta.PodcastName})
	if err != nil {
		slog.Warn("pipeline: save checkpoint", "episode", meta.EpisodeID, "phase", ph, "err", err)
	}
}

// demoteCheckpoint rewinds the checkpoint to the meaningful-unit phase after
// a rollback, keeping the expensive LLM-phase payloads.
func (p *Pipeline) demoteCheckpoint(meta types.EpisodeMetadata) {
	if p.checkpoints == nil {
		return
	}
	if err := p.checkpoints.Save(meta.EpisodeID, PhaseMeaningfulUnitCreation.String(), nil, nil); err != nil {
		slog.Warn("pipeline: demote checkpoint after rollback",
			"episode", meta.EpisodeID, "err", err)
	}
}

// countExtractions fills the extraction counters from the episode state.
func (p *Pipeline) countExtractions(res *types.Result, st *episodeState) {
	res.Stats.EntitiesExtracted = len(st.entities)
	res.Stats.QuotesExtracted = 0
	res.Stats.InsightsExtracted = 0
	res.Stats.RelationshipsExtracted = 0
	for _, ex := range st.extractions {
		res.Stats.QuotesExtracted += len(ex.Quotes)
		res.Stats.InsightsExtracted += len(ex.Insights)
		res.Stats.RelationshipsExtracted += len(ex.Relationships)
	}
}

// rollback removes everything written for the episode after a fatal failure.
func (p *Pipeline) rollback(ctx context.Context, episodeID string) {
	n, err := p.writer.Rollback(ctx, episodeID)
	p.metrics.RecordRollback(ctx, err)
	if err != nil {
		slog.Error("pipeline: rollback failed", "episode", episodeID, "err", err)
		return
	}
	slog.Info("pipeline: episode rolled back", "episode", episodeID, "nodes_deleted", n)
}

var genericSpeakerRe = regexp.MustCompile(`^SPEAKER_\d+$`)

// postProcessSpeakers re-runs speaker identification over segments that kept
// generic labels and rewrites the affected unit speaker properties in the
// graph via the upsert path.
func (p *Pipeline) postProcessSpeakers(ctx context.Context, st *episodeState, meta types.EpisodeMetadata) error {
	generic := false
	for _, s := range st.segments {
		if genericSpeakerRe.MatchString(s.Speaker) {
			generic = true
			break
		}
	}
	if !generic {
		return nil
	}

	named, _, err := p.identifier.Identify(ctx, st.segments, meta)
	if err != nil {
		return fmt.Errorf("re-identify speakers: %w", err)
	}

	rename := map[string]string{}
	for i := range st.segments {
		if old, now := st.segments[i].Speaker, named[i].Speaker; old != now {
			rename[old] = now
		}
	}
	if len(rename) == 0 {
		return nil
	}
	st.segments = named

	for i := range st.units {
		u := &st.units[i]
		if now, ok := rename[u.PrimarySpeaker]; ok {
			u.PrimarySpeaker = now
		}
		dist := make(map[string]float64, len(u.SpeakerDistribution))
		for name, frac := range u.SpeakerDistribution {
			if now, ok := rename[name]; ok {
				name = now
			}
			dist[name] += frac
		}
		u.SpeakerDistribution = dist
	}

	if err := p.writer.UpdateUnitSpeakers(ctx, meta.EpisodeID, st.units); err != nil {
		return fmt.Errorf("update unit speakers: %w", err)
	}
	slog.Info("pipeline: speaker mapping applied",
		"episode", meta.EpisodeID, "renamed", len(rename))
	return nil
}

// fillMetadata copies NOTE-block metadata into any empty EpisodeMetadata
// fields. Caller-supplied values always win.
func fillMetadata(meta *types.EpisodeMetadata, noted map[string]string) {
	set := func(dst *string, key string) {
		if *dst == "" {
			*dst = noted[key]
		}
	}
	set(&meta.Title, "episode")
	set(&meta.PodcastName, "podcast")
	set(&meta.PodcastHost, "author")
	set(&meta.YoutubeURL, "youtube_url")
	set(&meta.PublishedDate, "published_date")
	set(&meta.Description, "description")
}
