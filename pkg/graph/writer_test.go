package graph_test

import (
	"context"
	"errors"
	"testing"

	"github.com/castograph/castograph/pkg/graph"
	"github.com/castograph/castograph/pkg/graph/mock"
	"github.com/castograph/castograph/pkg/types"
)

func meta() types.EpisodeMetadata {
	return types.EpisodeMetadata{
		EpisodeID:   "ep1",
		Title:       "Episode One",
		VTTFilename: "ep1.vtt",
		PodcastName: "The Show",
	}
}

func units() []types.MeaningfulUnit {
	return []types.MeaningfulUnit{
		{ID: types.UnitID("ep1", 0), Text: "intro", StartTime: 0, EndTime: 60, Embedding: []float32{1, 2}},
		{ID: types.UnitID("ep1", 1), Text: "main", StartTime: 60, EndTime: 600},
	}
}

func newWriter(store graph.Store) *graph.Writer {
	return graph.NewWriter(store)
}

func TestWriteEpisodeSkeleton(t *testing.T) {
	store := mock.New()
	w := newWriter(store)

	stats, err := w.WriteEpisodeSkeleton(context.Background(), meta(), units(), []types.Theme{{Name: "Go"}})
	if err != nil {
		t.Fatalf("WriteEpisodeSkeleton: %v", err)
	}
	// Podcast + Episode + 1 Topic + 2 Units.
	if stats.Nodes != 5 {
		t.Errorf("nodes = %d, want 5", stats.Nodes)
	}

	if _, ok := store.Node("ep1"); !ok {
		t.Fatal("episode node missing")
	}
	if got := store.EdgesByType(graph.EdgePartOf); len(got) != 2 {
		t.Errorf("PART_OF edges = %d, want 2", len(got))
	}
	if got := store.EdgesByType(graph.EdgeHasEpisode); len(got) != 1 {
		t.Errorf("HAS_EPISODE edges = %d, want 1", len(got))
	}

	// The unit embedding rides along to the store.
	un, _ := store.Node(types.UnitID("ep1", 0))
	if len(un.Embedding) != 2 {
		t.Errorf("unit embedding = %v", un.Embedding)
	}
}

func TestEpisodeExists(t *testing.T) {
	store := mock.New()
	w := newWriter(store)

	if _, ok, _ := w.EpisodeExists(context.Background(), "ep1.vtt"); ok {
		t.Fatal("empty store should have no episode")
	}
	if _, err := w.WriteEpisodeSkeleton(context.Background(), meta(), nil, nil); err != nil {
		t.Fatal(err)
	}
	id, ok, err := w.EpisodeExists(context.Background(), "ep1.vtt")
	if err != nil || !ok || id != "ep1" {
		t.Errorf("EpisodeExists = %q, %v, %v", id, ok, err)
	}
}

func knowledgeFixture() ([]types.UnitExtraction, []types.ExtractedEntity, map[string]string) {
	u0 := types.UnitID("ep1", 0)
	entities := []types.ExtractedEntity{{
		Value: "Go", Type: "language", Confidence: 0.9,
		Properties: map[string]any{"meaningful_unit_ids": []string{u0}},
	}}
	idByValue := map[string]string{"Go": "ent_go"}
	extractions := []types.UnitExtraction{{
		UnitIndex: 0,
		UnitID:    u0,
		Quotes:    []types.Quote{{Text: "Simplicity is complicated.", Speaker: "Alice", MeaningfulUnitID: u0}},
		Insights:  []types.Insight{{Content: "Design favours simplicity.", MeaningfulUnitID: u0}},
		Relationships: []types.Relationship{
			{Source: "Go", Target: "Simplicity is complicated.", Type: "illustrated by", Confidence: 0.7},
			{Source: "Go", Target: "Nobody Mentioned This", Type: "dangling", Confidence: 0.7},
		},
		Sentiment: &types.Sentiment{MeaningfulUnitID: u0, OverallPolarity: "positive", Score: 0.5},
	}}
	return extractions, entities, idByValue
}

func TestWriteKnowledge(t *testing.T) {
	store := mock.New()
	w := newWriter(store)
	extractions, entities, idByValue := knowledgeFixture()

	stats, err := w.WriteKnowledge(context.Background(), meta(), extractions, entities, idByValue)
	if err != nil {
		t.Fatalf("WriteKnowledge: %v", err)
	}
	// Entity + Quote + Insight + Sentiment.
	if stats.Nodes != 4 {
		t.Errorf("nodes = %d, want 4", stats.Nodes)
	}

	if got := store.EdgesByType(graph.EdgeMentionedIn); len(got) != 1 {
		t.Errorf("MENTIONED_IN = %d", len(got))
	}
	if got := store.EdgesByType(graph.EdgeQuotedIn); len(got) != 1 {
		t.Errorf("QUOTED_IN = %d", len(got))
	}

	// Sentiment hangs off its unit, not the other way round.
	u0 := types.UnitID("ep1", 0)
	sents := store.EdgesByType(graph.EdgeHasSentiment)
	if len(sents) != 1 {
		t.Fatalf("HAS_SENTIMENT edges = %d, want 1", len(sents))
	}
	if sents[0].SourceID != u0 || sents[0].TargetID != graph.SentimentID(u0) {
		t.Errorf("HAS_SENTIMENT = %s -> %s, want %s -> %s",
			sents[0].SourceID, sents[0].TargetID, u0, graph.SentimentID(u0))
	}

	// The entity-to-quote relationship resolved through both maps; the
	// dangling one was dropped.
	rels := store.EdgesByType("illustrated by")
	if len(rels) != 1 {
		t.Fatalf("relationship edges = %d, want 1", len(rels))
	}
	if rels[0].SourceID != "ent_go" {
		t.Errorf("source = %q, want resolved entity id", rels[0].SourceID)
	}
	if len(store.EdgesByType("dangling")) != 0 {
		t.Error("unresolvable relationship was written")
	}
}

func TestEveryNodeCarriesPodcastID(t *testing.T) {
	store := mock.New()
	w := newWriter(store)

	if _, err := w.WriteEpisodeSkeleton(context.Background(), meta(), units(), []types.Theme{{Name: "Go"}}); err != nil {
		t.Fatal(err)
	}
	extractions, entities, idByValue := knowledgeFixture()
	if _, err := w.WriteKnowledge(context.Background(), meta(), extractions, entities, idByValue); err != nil {
		t.Fatal(err)
	}

	want := graph.PodcastIDFor(meta())
	if want != "pod_the_show" {
		t.Fatalf("PodcastIDFor = %q", want)
	}
	labels := []string{
		graph.LabelPodcast, graph.LabelEpisode, graph.LabelTopic, graph.LabelUnit,
		graph.LabelEntity, graph.LabelQuote, graph.LabelInsight, graph.LabelSentiment,
	}
	for _, label := range labels {
		nodes := store.NodesByLabel(label)
		if len(nodes) == 0 {
			t.Errorf("no %s nodes written", label)
			continue
		}
		for _, n := range nodes {
			if n.Props["podcast_id"] != want {
				t.Errorf("%s node %s podcast_id = %v, want %q", label, n.ID, n.Props["podcast_id"], want)
			}
		}
	}
}

func TestRollbackRemovesEpisodeSubgraph(t *testing.T) {
	store := mock.New()
	w := newWriter(store)

	if _, err := w.WriteEpisodeSkeleton(context.Background(), meta(), units(), nil); err != nil {
		t.Fatal(err)
	}
	extractions, entities, idByValue := knowledgeFixture()
	if _, err := w.WriteKnowledge(context.Background(), meta(), extractions, entities, idByValue); err != nil {
		t.Fatal(err)
	}

	n, err := w.Rollback(context.Background(), "ep1")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if n == 0 {
		t.Error("rollback deleted nothing")
	}
	if _, ok := store.Node("ep1"); ok {
		t.Error("episode node survived rollback")
	}
	if got := store.NodesByLabel(graph.LabelUnit); len(got) != 0 {
		t.Errorf("unit nodes survived: %d", len(got))
	}
	// The Podcast node survives for its other episodes.
	if got := store.NodesByLabel(graph.LabelPodcast); len(got) != 1 {
		t.Errorf("podcast nodes = %d, want 1", len(got))
	}
	if store.EdgeCount() != 0 {
		t.Errorf("edges survived: %d", store.EdgeCount())
	}
}

func TestRollbackFailure(t *testing.T) {
	store := mock.New()
	store.DeleteErr = errors.New("connection refused")
	w := newWriter(store)

	if _, err := w.Rollback(context.Background(), "ep1"); err == nil {
		t.Fatal("expected rollback error")
	}
}

func TestWriter_TransientRetrySucceeds(t *testing.T) {
	store := mock.New()
	attempts := 0
	store.CreateNodesErr = func([]graph.Node) error {
		attempts++
		if attempts == 1 {
			return errors.New("deadlock detected")
		}
		return nil
	}
	w := graph.NewWriter(store, graph.WithWriteRetries(3))

	if _, err := w.WriteEpisodeSkeleton(context.Background(), meta(), nil, nil); err != nil {
		t.Fatalf("write should survive one transient failure: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestWriter_ExhaustedRetriesQueueAndFail(t *testing.T) {
	store := mock.New()
	store.CreateNodesErr = func([]graph.Node) error {
		return errors.New("deadlock detected")
	}
	w := graph.NewWriter(store, graph.WithWriteRetries(1))

	_, err := w.WriteEpisodeSkeleton(context.Background(), meta(), nil, nil)
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if w.FailedBatches() != 1 {
		t.Errorf("failed batches = %d, want 1", w.FailedBatches())
	}
	if store.NodeCount() != 0 {
		t.Error("nothing should have committed")
	}

	// Replay succeeds once the store recovers.
	store.CreateNodesErr = nil
	w.ReplayFailures(context.Background(), "ep1")
	if w.FailedBatches() != 0 {
		t.Errorf("failed batches after replay = %d, want 0", w.FailedBatches())
	}
	if store.NodeCount() == 0 {
		t.Error("replay did not write the queued batch")
	}
}

func TestWriter_PermanentErrorDoesNotRetry(t *testing.T) {
	store := mock.New()
	attempts := 0
	store.CreateNodesErr = func([]graph.Node) error {
		attempts++
		return errors.New("syntax error")
	}
	w := graph.NewWriter(store)

	if _, err := w.WriteEpisodeSkeleton(context.Background(), meta(), nil, nil); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retries for permanent errors)", attempts)
	}
}

func TestWriter_Batching(t *testing.T) {
	store := mock.New()
	var batchSizes []int
	store.CreateNodesErr = func(nodes []graph.Node) error {
		batchSizes = append(batchSizes, len(nodes))
		return nil
	}
	w := graph.NewWriter(store, graph.WithBatchSize(2))

	manyUnits := make([]types.MeaningfulUnit, 5)
	for i := range manyUnits {
		manyUnits[i] = types.MeaningfulUnit{ID: types.UnitID("ep1", i)}
	}
	if _, err := w.WriteEpisodeSkeleton(context.Background(), meta(), manyUnits, nil); err != nil {
		t.Fatal(err)
	}
	// Podcast + Episode + 5 units = 7 nodes in chunks of 2.
	want := []int{2, 2, 2, 1}
	if len(batchSizes) != len(want) {
		t.Fatalf("batches = %v", batchSizes)
	}
	for i := range want {
		if batchSizes[i] != want[i] {
			t.Errorf("batch %d size = %d, want %d", i, batchSizes[i], want[i])
		}
	}
}
