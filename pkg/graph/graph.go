// Package graph defines the labeled property graph model the pipeline
// writes into, the store/transaction interfaces implemented by backends,
// and the transactional episode writer.
//
// The graph is deliberately schemaless: node labels and edge types come
// straight from the model's open vocabulary, normalized only by case and
// trimming. The only structural guarantee is the per-episode chain
// Podcast -> Episode <- PART_OF <- MeaningfulUnit, which the rollback
// query uses as its reachability root.
package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Well-known node labels. Extraction output adds arbitrary labels beyond
// these.
const (
	LabelPodcast   = "Podcast"
	LabelEpisode   = "Episode"
	LabelTopic     = "Topic"
	LabelUnit      = "MeaningfulUnit"
	LabelEntity    = "Entity"
	LabelQuote     = "Quote"
	LabelInsight   = "Insight"
	LabelSentiment = "Sentiment"
)

// Well-known edge types.
const (
	EdgeHasEpisode   = "HAS_EPISODE"
	EdgePartOf       = "PART_OF"
	EdgeCoversTopic  = "COVERS_TOPIC"
	EdgeMentionedIn  = "MENTIONED_IN"
	EdgeQuotedIn     = "QUOTED_IN"
	EdgeDerivedFrom  = "DERIVED_FROM"
	EdgeHasSentiment = "HAS_SENTIMENT"
)

// Node is one labeled property node.
type Node struct {
	ID    string
	Label string
	Props map[string]any

	// Embedding is set only for MeaningfulUnit nodes.
	Embedding []float32
}

// Edge is one directed typed edge between two nodes.
type Edge struct {
	SourceID string
	TargetID string
	Type     string
	Props    map[string]any
}

// ErrTxClosed is returned by operations on a committed or rolled-back
// transaction.
var ErrTxClosed = errors.New("graph: transaction closed")

// Store is a graph backend. Implementations must be safe for concurrent
// use; each transaction is used by a single goroutine.
type Store interface {
	// Begin opens a new transaction.
	Begin(ctx context.Context) (Tx, error)

	// FindEpisodeByFilename returns the ID of an Episode node whose
	// vtt_filename property matches, for the pre-write idempotency check.
	FindEpisodeByFilename(ctx context.Context, vttFilename string) (episodeID string, ok bool, err error)

	// DeleteEpisodeGraph removes the Episode node with the given ID and
	// every node reachable from it, returning the number of deleted nodes.
	// Runs in its own transaction.
	DeleteEpisodeGraph(ctx context.Context, episodeID string) (int64, error)

	// Close releases the backend's resources.
	Close()
}

// Tx is a single graph transaction. CreateNodes and CreateEdges are bulk
// operations; callers batch rows before invoking them.
type Tx interface {
	CreateNodes(ctx context.Context, nodes []Node) error
	CreateEdges(ctx context.Context, edges []Edge) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// QuoteID derives the deterministic node ID for a quote from its unit and
// text.
func QuoteID(unitID, text string) string {
	return derivedID("q_", unitID, text)
}

// InsightID derives the deterministic node ID for an insight.
func InsightID(unitID, content string) string {
	return derivedID("in_", unitID, content)
}

// SentimentID derives the deterministic node ID for a unit's sentiment
// record.
func SentimentID(unitID string) string {
	return derivedID("s_", unitID, "")
}

func derivedID(prefix, a, b string) string {
	sum := sha256.Sum256([]byte(a + "\x00" + b))
	return prefix + hex.EncodeToString(sum[:12])
}
