// Package lineage loads bounded-depth ancestor/descendant graphs of an entity,
// merges progressively deeper fetches and derives breadth-first levels.
package lineage

import (
	"fmt"
	"time"
)

type Type string

const (
	Ancestors   Type = "ancestors"
	Descendants Type = "descendants"
)

func ParseType(s string) (Type, error) {
	switch Type(s) {
	case Ancestors, Descendants:
		return Type(s), nil
	}
	return "", fmt.Errorf("%w: type %q", ErrInvalidRequest, s)
}

// Node is the projected attributes of one entity. Node identity is the key in
// Graph.Nodes and never changes, so merges need no conflict resolution.
type Node map[string]any

// Edge points from parent to child.
type Edge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Relation string `json:"relation"`
}

type Counts struct {
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`
}

type Graph struct {
	RootID      string          `json:"rootId"`
	Type        Type            `json:"type"`
	Nodes       map[string]Node `json:"nodes"`
	Edges       []Edge          `json:"edges"`
	Depth       int             `json:"depth"`
	Counts      Counts          `json:"counts"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// Merge unions two graphs of the same root: nodes by id, edges by
// (from, to, relation). Depth and GeneratedAt are the maxima; counts are
// recomputed. Root and type come from a unless a has none.
func Merge(a, b Graph) Graph {
	out := Graph{
		RootID:      a.RootID,
		Type:        a.Type,
		Nodes:       make(map[string]Node, len(a.Nodes)+len(b.Nodes)),
		Edges:       make([]Edge, 0, len(a.Edges)+len(b.Edges)),
		Depth:       max(a.Depth, b.Depth),
		GeneratedAt: a.GeneratedAt,
	}
	if out.RootID == "" {
		out.RootID = b.RootID
	}
	if out.Type == "" {
		out.Type = b.Type
	}
	if b.GeneratedAt.After(out.GeneratedAt) {
		out.GeneratedAt = b.GeneratedAt
	}

	for _, g := range []Graph{a, b} {
		for id, n := range g.Nodes {
			if _, ok := out.Nodes[id]; !ok {
				out.Nodes[id] = n
			}
		}
	}
	seen := make(map[Edge]struct{}, cap(out.Edges))
	for _, g := range []Graph{a, b} {
		for _, e := range g.Edges {
			if _, dup := seen[e]; dup {
				continue
			}
			seen[e] = struct{}{}
			out.Edges = append(out.Edges, e)
		}
	}
	out.Counts = Counts{Nodes: len(out.Nodes), Edges: len(out.Edges)}
	return out
}

// Normalize dedupes edges and recomputes counts of a fetched graph.
func Normalize(g Graph) Graph {
	return Merge(g, Graph{})
}

// AncestorLevels walks from the root towards parents (edges whose To is the
// current node). Level i holds the nodes first reached in i+1 steps.
func AncestorLevels(g Graph) [][]string {
	return levels(g, func(e Edge) (string, string) { return e.To, e.From })
}

// DescendantLevels walks from the root towards children (edges whose From is
// the current node).
func DescendantLevels(g Graph) [][]string {
	return levels(g, func(e Edge) (string, string) { return e.From, e.To })
}

// levels runs a BFS of at most g.Depth levels. A node appears once, at the
// first level that reaches it; the walk stops at the first empty level.
func levels(g Graph, dir func(Edge) (at, next string)) [][]string {
	adj := make(map[string][]string)
	for _, e := range g.Edges {
		at, next := dir(e)
		adj[at] = append(adj[at], next)
	}

	visited := map[string]struct{}{g.RootID: {}}
	frontier := []string{g.RootID}
	var out [][]string
	for depth := 0; depth < g.Depth; depth++ {
		var level []string
		for _, id := range frontier {
			for _, next := range adj[id] {
				if _, ok := visited[next]; ok {
					continue
				}
				visited[next] = struct{}{}
				level = append(level, next)
			}
		}
		if len(level) == 0 {
			break
		}
		out = append(out, level)
		frontier = level
	}
	return out
}
