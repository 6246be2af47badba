// Package mock provides an in-memory graph.Store with real transaction
// semantics (staged writes, commit, rollback) for tests.
package mock

import (
	"context"
	"sync"

	"github.com/castograph/castograph/pkg/graph"
)

// Compile-time interface checks.
var (
	_ graph.Store = (*Store)(nil)
	_ graph.Tx    = (*tx)(nil)
)

// Store is an in-memory graph. Writes stage inside a transaction and apply
// on Commit. Error hooks let tests inject failures per operation. Safe for
// concurrent use.
type Store struct {
	mu    sync.Mutex
	nodes map[string]graph.Node
	edges []graph.Edge

	// Error hooks, called with the staged rows. A non-nil return fails the
	// operation.
	CreateNodesErr func(nodes []graph.Node) error
	CreateEdgesErr func(edges []graph.Edge) error
	CommitErr      func() error
	DeleteErr      error
}

// New creates an empty Store.
func New() *Store {
	return &Store{nodes: map[string]graph.Node{}}
}

// Begin implements graph.Store.
func (s *Store) Begin(ctx context.Context) (graph.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{store: s}, nil
}

// FindEpisodeByFilename implements graph.Store.
func (s *Store) FindEpisodeByFilename(_ context.Context, vttFilename string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, n := range s.nodes {
		if n.Label == graph.LabelEpisode && n.Props["vtt_filename"] == vttFilename {
			return id, true, nil
		}
	}
	return "", false, nil
}

// DeleteEpisodeGraph implements graph.Store: reachability from the episode
// node over edges in either direction, without expanding through Podcast
// nodes (which survive).
func (s *Store) DeleteEpisodeGraph(_ context.Context, episodeID string) (int64, error) {
	if s.DeleteErr != nil {
		return 0, s.DeleteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start, ok := s.nodes[episodeID]
	if !ok || start.Label != graph.LabelEpisode {
		return 0, nil
	}

	reached := map[string]bool{episodeID: true}
	frontier := []string{episodeID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if s.nodes[id].Label == graph.LabelPodcast {
			continue
		}
		for _, e := range s.edges {
			var other string
			switch id {
			case e.SourceID:
				other = e.TargetID
			case e.TargetID:
				other = e.SourceID
			default:
				continue
			}
			if !reached[other] {
				reached[other] = true
				frontier = append(frontier, other)
			}
		}
	}

	var deleted int64
	for id := range reached {
		n, ok := s.nodes[id]
		if !ok || n.Label == graph.LabelPodcast {
			continue
		}
		delete(s.nodes, id)
		deleted++
	}
	kept := s.edges[:0]
	for _, e := range s.edges {
		if _, srcOK := s.nodes[e.SourceID]; !srcOK {
			continue
		}
		if _, dstOK := s.nodes[e.TargetID]; !dstOK {
			continue
		}
		kept = append(kept, e)
	}
	s.edges = kept
	return deleted, nil
}

// Close implements graph.Store.
func (s *Store) Close() {}

// Node returns the stored node with the given ID.
func (s *Store) Node(id string) (graph.Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	return n, ok
}

// NodesByLabel returns all stored nodes with the given label.
func (s *Store) NodesByLabel(label string) []graph.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []graph.Node
	for _, n := range s.nodes {
		if n.Label == label {
			out = append(out, n)
		}
	}
	return out
}

// NodeCount returns the number of stored nodes.
func (s *Store) NodeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// EdgeCount returns the number of stored edges.
func (s *Store) EdgeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.edges)
}

// Edges returns a copy of all stored edges.
func (s *Store) Edges() []graph.Edge {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]graph.Edge, len(s.edges))
	copy(out, s.edges)
	return out
}

// EdgesByType returns all stored edges with the given type.
func (s *Store) EdgesByType(typ string) []graph.Edge {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []graph.Edge
	for _, e := range s.edges {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// tx stages writes until Commit.
type tx struct {
	store  *Store
	nodes  []graph.Node
	edges  []graph.Edge
	closed bool
}

func (t *tx) CreateNodes(_ context.Context, nodes []graph.Node) error {
	if t.closed {
		return graph.ErrTxClosed
	}
	if hook := t.store.CreateNodesErr; hook != nil {
		if err := hook(nodes); err != nil {
			return err
		}
	}
	t.nodes = append(t.nodes, nodes...)
	return nil
}

func (t *tx) CreateEdges(_ context.Context, edges []graph.Edge) error {
	if t.closed {
		return graph.ErrTxClosed
	}
	if hook := t.store.CreateEdgesErr; hook != nil {
		if err := hook(edges); err != nil {
			return err
		}
	}
	t.edges = append(t.edges, edges...)
	return nil
}

func (t *tx) Commit(context.Context) error {
	if t.closed {
		return graph.ErrTxClosed
	}
	t.closed = true
	if hook := t.store.CommitErr; hook != nil {
		if err := hook(); err != nil {
			return err
		}
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, n := range t.nodes {
		if have, ok := t.store.nodes[n.ID]; ok {
			// Merge props like the upsert in the real backend.
			merged := map[string]any{}
			for k, v := range have.Props {
				merged[k] = v
			}
			for k, v := range n.Props {
				merged[k] = v
			}
			n.Props = merged
		}
		t.store.nodes[n.ID] = n
	}
	t.store.edges = append(t.store.edges, t.edges...)
	return nil
}

func (t *tx) Rollback(context.Context) error {
	t.closed = true
	t.nodes, t.edges = nil, nil
	return nil
}
