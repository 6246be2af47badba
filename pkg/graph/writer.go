package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castograph/castograph/pkg/types"
)

// Writer defaults.
const (
	DefaultBatchSize     = 1000
	DefaultWriteRetries  = 3
	initialRetryInterval = 250 * time.Millisecond
)

// WriteStats counts what one write stage created.
type WriteStats struct {
	Nodes int
	Edges int
}

// Writer performs the two transactional write stages for an episode and
// the episode-wide rollback. Safe for concurrent use across episodes; a
// single episode is written by one goroutine.
type Writer struct {
	store     Store
	batchSize int
	retries   int
	sleep     func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	failed []failedBatch
}

// failedBatch is a bulk write that exhausted its retries, kept for later
// best-effort replay on the same episode. The id ties queue and replay log
// lines together.
type failedBatch struct {
	id        string
	episodeID string
	nodes     []Node
	edges     []Edge
}

// WriterOption configures a [Writer].
type WriterOption func(*Writer)

// WithBatchSize caps rows per bulk statement.
func WithBatchSize(n int) WriterOption {
	return func(w *Writer) { w.batchSize = n }
}

// WithWriteRetries sets the per-batch retry budget for transient errors.
func WithWriteRetries(n int) WriterOption {
	return func(w *Writer) { w.retries = n }
}

// NewWriter creates a Writer over store.
func NewWriter(store Store, opts ...WriterOption) *Writer {
	w := &Writer{
		store:     store,
		batchSize: DefaultBatchSize,
		retries:   DefaultWriteRetries,
		sleep:     sleepCtx,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// EpisodeExists reports whether an episode with this VTT filename is
// already in the graph, for the pre-write idempotency check.
func (w *Writer) EpisodeExists(ctx context.Context, vttFilename string) (string, bool, error) {
	return w.store.FindEpisodeByFilename(ctx, vttFilename)
}

// PodcastIDFor returns the podcast node ID for meta: the explicit PodcastID
// when set, otherwise derived from the podcast name. Empty when neither is
// known.
func PodcastIDFor(meta types.EpisodeMetadata) string {
	if meta.PodcastID != "" {
		return meta.PodcastID
	}
	if meta.PodcastName == "" {
		return ""
	}
	return "pod_" + strings.ToLower(strings.ReplaceAll(meta.PodcastName, " ", "_"))
}

// WriteEpisodeSkeleton is stage A: Podcast, Episode, Topic, and
// MeaningfulUnit nodes with their structural edges, in one transaction.
// Every node carries podcast_id so multi-podcast deployments can scope
// queries to one show.
func (w *Writer) WriteEpisodeSkeleton(ctx context.Context, meta types.EpisodeMetadata, units []types.MeaningfulUnit, themes []types.Theme) (WriteStats, error) {
	var nodes []Node
	var edges []Edge

	podcastID := PodcastIDFor(meta)
	if podcastID != "" {
		nodes = append(nodes, Node{
			ID:    podcastID,
			Label: LabelPodcast,
			Props: map[string]any{"name": meta.PodcastName, "host": meta.PodcastHost, "podcast_id": podcastID},
		})
		edges = append(edges, Edge{SourceID: podcastID, TargetID: meta.EpisodeID, Type: EdgeHasEpisode})
	}

	nodes = append(nodes, Node{
		ID:    meta.EpisodeID,
		Label: LabelEpisode,
		Props: map[string]any{
			"title":          meta.Title,
			"description":    meta.Description,
			"published_date": meta.PublishedDate,
			"youtube_url":    meta.YoutubeURL,
			"vtt_filename":   meta.VTTFilename,
			"podcast_id":     podcastID,
		},
	})

	for _, th := range themes {
		topicID := "topic_" + derivedIDBody(meta.EpisodeID, th.Name)
		nodes = append(nodes, Node{
			ID:    topicID,
			Label: LabelTopic,
			Props: map[string]any{"name": th.Name, "description": th.Description, "podcast_id": podcastID},
		})
		edges = append(edges, Edge{SourceID: meta.EpisodeID, TargetID: topicID, Type: EdgeCoversTopic})
	}

	for _, u := range units {
		nodes = append(nodes, Node{
			ID:    u.ID,
			Label: LabelUnit,
			Props: map[string]any{
				"text":                 u.Text,
				"start_time":           u.StartTime,
				"end_time":             u.EndTime,
				"unit_type":            u.UnitType,
				"primary_speaker":      u.PrimarySpeaker,
				"speaker_distribution": u.SpeakerDistribution,
				"themes":               u.Themes,
				"podcast_id":           podcastID,
			},
			Embedding: u.Embedding,
		})
		edges = append(edges, Edge{SourceID: u.ID, TargetID: meta.EpisodeID, Type: EdgePartOf})
	}

	return w.writeAll(ctx, meta.EpisodeID, nodes, edges)
}

// WriteKnowledge is stage B: Entity, Quote, Insight, and Sentiment nodes
// plus all extraction edges, in one transaction. Relationship endpoints are
// resolved through idByValue (from entity resolution) and then by quote
// text; relationships resolving to neither are dropped with a warning.
func (w *Writer) WriteKnowledge(ctx context.Context, meta types.EpisodeMetadata, extractions []types.UnitExtraction, entities []types.ExtractedEntity, idByValue map[string]string) (WriteStats, error) {
	var nodes []Node
	var edges []Edge

	episodeID := meta.EpisodeID
	podcastID := PodcastIDFor(meta)

	for _, ent := range entities {
		id := idByValue[ent.Value]
		if id == "" {
			continue
		}
		props := map[string]any{
			"value":      ent.Value,
			"type":       ent.Type,
			"confidence": ent.Confidence,
		}
		for k, v := range ent.Properties {
			props[k] = v
		}
		props["podcast_id"] = podcastID
		nodes = append(nodes, Node{ID: id, Label: LabelEntity, Props: props})
		for _, unitID := range ent.UnitIDs() {
			edges = append(edges, Edge{SourceID: id, TargetID: unitID, Type: EdgeMentionedIn})
		}
	}

	quoteIDByText := map[string]string{}
	for _, ex := range extractions {
		for _, q := range ex.Quotes {
			id := QuoteID(q.MeaningfulUnitID, q.Text)
			quoteIDByText[q.Text] = id
			nodes = append(nodes, Node{
				ID:    id,
				Label: LabelQuote,
				Props: map[string]any{
					"text":             q.Text,
					"speaker":          q.Speaker,
					"quote_type":       q.QuoteType,
					"confidence":       q.Confidence,
					"importance_score": q.ImportanceScore,
					"podcast_id":       podcastID,
				},
			})
			edges = append(edges, Edge{SourceID: id, TargetID: q.MeaningfulUnitID, Type: EdgeQuotedIn})
		}
		for _, in := range ex.Insights {
			id := InsightID(in.MeaningfulUnitID, in.Content)
			nodes = append(nodes, Node{
				ID:    id,
				Label: LabelInsight,
				Props: map[string]any{
					"content":             in.Content,
					"type":                in.Type,
					"confidence":          in.Confidence,
					"complexity":          in.Complexity,
					"supporting_entities": in.SupportingEntities,
					"podcast_id":          podcastID,
				},
			})
			edges = append(edges, Edge{SourceID: id, TargetID: in.MeaningfulUnitID, Type: EdgeDerivedFrom})
		}
		if s := ex.Sentiment; s != nil {
			id := SentimentID(s.MeaningfulUnitID)
			nodes = append(nodes, Node{
				ID:    id,
				Label: LabelSentiment,
				Props: map[string]any{
					"overall_polarity":    s.OverallPolarity,
					"score":               s.Score,
					"speaker_emotions":    s.SpeakerEmotions,
					"trajectory":          s.Trajectory,
					"interaction_harmony": s.InteractionHarmony,
					"tags":                s.Tags,
					"podcast_id":          podcastID,
				},
			})
			edges = append(edges, Edge{SourceID: s.MeaningfulUnitID, TargetID: id, Type: EdgeHasSentiment})
		}
	}

	dropped := 0
	for _, ex := range extractions {
		for _, rel := range ex.Relationships {
			src := resolveEndpoint(rel.Source, idByValue, quoteIDByText)
			dst := resolveEndpoint(rel.Target, idByValue, quoteIDByText)
			if src == "" || dst == "" {
				dropped++
				slog.Warn("dropping relationship with unresolved endpoint",
					"source", rel.Source, "target", rel.Target, "type", rel.Type)
				continue
			}
			props := map[string]any{"confidence": rel.Confidence}
			for k, v := range rel.Properties {
				props[k] = v
			}
			edges = append(edges, Edge{SourceID: src, TargetID: dst, Type: rel.Type, Props: props})
		}
	}
	if dropped > 0 {
		slog.Warn("relationships dropped", "count", dropped, "episode", episodeID)
	}

	return w.writeAll(ctx, episodeID, nodes, edges)
}

// resolveEndpoint maps a relationship endpoint value to a node ID: the
// resolved-entity map first, then the quote-text map.
func resolveEndpoint(value string, idByValue, quoteIDByText map[string]string) string {
	if id := idByValue[value]; id != "" {
		return id
	}
	return quoteIDByText[value]
}

// UpdateUnitSpeakers rewrites the speaker properties of already-written
// MeaningfulUnit nodes, for the opt-in post-analysis speaker mapping pass.
// Relies on CreateNodes upsert semantics: existing nodes merge properties.
func (w *Writer) UpdateUnitSpeakers(ctx context.Context, episodeID string, units []types.MeaningfulUnit) error {
	nodes := make([]Node, 0, len(units))
	for _, u := range units {
		nodes = append(nodes, Node{
			ID:    u.ID,
			Label: LabelUnit,
			Props: map[string]any{
				"primary_speaker":      u.PrimarySpeaker,
				"speaker_distribution": u.SpeakerDistribution,
			},
		})
	}
	_, err := w.writeAll(ctx, episodeID, nodes, nil)
	return err
}

// Rollback removes every node reachable from the episode, in its own
// transaction. A rollback failure is the only state in which the store may
// hold partial episode data.
func (w *Writer) Rollback(ctx context.Context, episodeID string) (int64, error) {
	n, err := w.store.DeleteEpisodeGraph(ctx, episodeID)
	if err != nil {
		slog.Error("CRITICAL: episode rollback failed, manual cleanup required",
			"episode", episodeID, "err", err)
		return 0, fmt.Errorf("graph: rollback episode %s: %w", episodeID, err)
	}
	// Rollback supersedes any queued replay for this episode.
	w.mu.Lock()
	kept := w.failed[:0]
	for _, fb := range w.failed {
		if fb.episodeID != episodeID {
			kept = append(kept, fb)
		}
	}
	w.failed = kept
	w.mu.Unlock()

	slog.Info("episode rolled back", "episode", episodeID, "nodes_deleted", n)
	return n, nil
}

// ReplayFailures retries batches that previously exhausted their write
// retries for this episode. Best effort: batches that fail again stay
// queued.
func (w *Writer) ReplayFailures(ctx context.Context, episodeID string) {
	w.mu.Lock()
	var mine, others []failedBatch
	for _, fb := range w.failed {
		if fb.episodeID == episodeID {
			mine = append(mine, fb)
		} else {
			others = append(others, fb)
		}
	}
	w.failed = others
	w.mu.Unlock()

	for _, fb := range mine {
		if _, err := w.writeAll(ctx, fb.episodeID, fb.nodes, fb.edges); err != nil {
			slog.Warn("failed-batch replay unsuccessful",
				"episode", episodeID, "batch", fb.id, "err", err)
		} else {
			slog.Info("failed batch replayed", "episode", episodeID, "batch", fb.id)
		}
	}
}

// FailedBatches reports how many batches are queued for replay.
func (w *Writer) FailedBatches() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.failed)
}

// writeAll writes nodes then edges in one transaction, batched and with
// per-batch retries. A batch that exhausts its retries is queued for
// replay, the transaction aborts, and the stage fails.
func (w *Writer) writeAll(ctx context.Context, episodeID string, nodes []Node, edges []Edge) (WriteStats, error) {
	tx, err := w.store.Begin(ctx)
	if err != nil {
		return WriteStats{}, fmt.Errorf("graph: begin: %w", err)
	}

	for _, chunk := range chunkNodes(nodes, w.batchSize) {
		if err := w.execRetry(ctx, func() error { return tx.CreateNodes(ctx, chunk) }); err != nil {
			w.queueFailure(episodeID, chunk, nil)
			_ = tx.Rollback(ctx)
			return WriteStats{}, fmt.Errorf("graph: create nodes: %w", err)
		}
	}
	for _, chunk := range chunkEdges(edges, w.batchSize) {
		if err := w.execRetry(ctx, func() error { return tx.CreateEdges(ctx, chunk) }); err != nil {
			w.queueFailure(episodeID, nil, chunk)
			_ = tx.Rollback(ctx)
			return WriteStats{}, fmt.Errorf("graph: create edges: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return WriteStats{}, fmt.Errorf("graph: commit: %w", err)
	}
	return WriteStats{Nodes: len(nodes), Edges: len(edges)}, nil
}

func (w *Writer) queueFailure(episodeID string, nodes []Node, edges []Edge) {
	fb := failedBatch{id: uuid.NewString(), episodeID: episodeID, nodes: nodes, edges: edges}
	w.mu.Lock()
	w.failed = append(w.failed, fb)
	w.mu.Unlock()
	slog.Warn("write batch queued for replay",
		"episode", episodeID, "batch", fb.id, "nodes", len(nodes), "edges", len(edges))
}

// execRetry runs fn, retrying transient failures with exponential backoff.
func (w *Writer) execRetry(ctx context.Context, fn func() error) error {
	interval := initialRetryInterval
	var err error
	for attempt := 0; attempt <= w.retries; attempt++ {
		if attempt > 0 {
			if serr := w.sleep(ctx, interval); serr != nil {
				return serr
			}
			interval *= 2
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransientWrite(err) {
			return err
		}
		slog.Warn("transient graph write error, retrying", "attempt", attempt+1, "err", err)
	}
	return err
}

// isTransientWrite reports whether a write error is worth retrying:
// deadlocks, temporary unavailability, timeouts.
func isTransientWrite(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range []string{"deadlock", "unavailable", "timeout", "connection reset", "too many clients"} {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func chunkNodes(nodes []Node, size int) [][]Node {
	var out [][]Node
	for len(nodes) > size {
		out = append(out, nodes[:size])
		nodes = nodes[size:]
	}
	if len(nodes) > 0 {
		out = append(out, nodes)
	}
	return out
}

func chunkEdges(edges []Edge, size int) [][]Edge {
	var out [][]Edge
	for len(edges) > size {
		out = append(out, edges[:size])
		edges = edges[size:]
	}
	if len(edges) > 0 {
		out = append(out, edges)
	}
	return out
}

func derivedIDBody(a, b string) string {
	return derivedID("", a, b)[0:24]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
