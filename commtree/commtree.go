// Copyright ©2024 The dsolve Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package commtree builds and drives the bounded-fan-out spanning
// trees a solve uses to broadcast a just-computed supernode's values
// down a process column (or row) and to reduce partial LSUM
// contributions back up it (spec.md §4.5, grounded on the original's
// BcTree_*/RdTree_* family).
//
// A tree's shape is computed once, at factor-build time, from the
// list of participating ranks; gonum's graph/simple directed graph and
// a breadth-first level assignment in the manner of
// gonum.org/v1/gonum/graph/traverse's BreadthFirst.Walk back it.
package commtree

import (
	"context"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
)

// shape is the common spanning-tree structure shared by broadcast and
// reduction trees: a rooted, bounded-fan-out tree over a fixed set of
// ranks, represented as a directed graph from parent to children.
type shape struct {
	root     int
	ranks    []int
	parent   map[int]int
	children map[int][]int
}

// buildShape constructs a rooted spanning tree over ranks (root
// first) with at most fanout children per node, level by level,
// mirroring graph/traverse's BreadthFirst queue-and-level-counter walk
// adapted to a synthetic complete fanout-ary tree rather than an
// arbitrary graph.Graph's edges.
func buildShape(ranks []int, fanout int) *shape {
	if fanout < 1 {
		fanout = 1
	}
	g := simple.NewDirectedGraph()
	for _, r := range ranks {
		g.AddNode(simple.Node(r))
	}

	parent := make(map[int]int, len(ranks))
	children := make(map[int][]int, len(ranks))
	root := ranks[0]
	parent[root] = -1

	queue := []int{root}
	next := 1 // index into ranks of the next rank still needing a parent
	for len(queue) > 0 && next < len(ranks) {
		p := queue[0]
		queue = queue[1:]
		for i := 0; i < fanout && next < len(ranks); i++ {
			c := ranks[next]
			next++
			parent[c] = p
			children[p] = append(children[p], c)
			g.SetEdge(simple.Edge{F: simple.Node(p), T: simple.Node(c)})
			queue = append(queue, c)
		}
	}
	assertTree(g, root)
	return &shape{root: root, ranks: ranks, parent: parent, children: children}
}

// assertTree is a cheap sanity check that buildShape produced exactly
// one weakly-connected tree rooted at root; it panics on the
// programmer error of a malformed rank list (e.g. duplicates).
func assertTree(g graph.Directed, root int) {
	seen := map[int64]bool{int64(root): true}
	stack := []int64{int64(root)}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		to := g.From(n)
		for to.Next() {
			id := to.Node().ID()
			if !seen[id] {
				seen[id] = true
				stack = append(stack, id)
			}
		}
	}
	if seen[int64(root)] && len(seen) != g.Nodes().Len() {
		panic("commtree: rank list produced a disconnected tree (duplicate ranks?)")
	}
}

// BroadcastTree delivers a just-factored supernode's values from its
// root (the diagonal owner) to every other rank in its scope, each
// interior node forwarding to its own children as it receives the
// message (spec.md §4.5).
type BroadcastTree struct {
	shape *shape
	self  int
	group errgroup.Group
}

// NewBroadcastTree builds a broadcast tree over ranks (root first)
// with the given bounded fan-out, for use by rank self.
func NewBroadcastTree(ranks []int, fanout, self int) *BroadcastTree {
	return &BroadcastTree{shape: buildShape(ranks, fanout), self: self}
}

// IsRoot reports whether self is this tree's root.
func (t *BroadcastTree) IsRoot() bool { return t.shape.root == t.self }

// Parent returns self's parent rank and true, or (0, false) at the
// root.
func (t *BroadcastTree) Parent() (int, bool) {
	p, ok := t.shape.parent[t.self]
	if !ok || p < 0 {
		return 0, false
	}
	return p, true
}

// Children returns the ranks self must forward to.
func (t *BroadcastTree) Children() []int { return t.shape.children[t.self] }

// Sender abstracts the async point-to-point send a tree forwards
// over; transport.Bus implements it.
type Sender interface {
	Send(ctx context.Context, to int, tag int, payload []float64) error
}

// Receiver abstracts the blocking, tag-addressed receive a tree waits
// on; solve's inbox implements it, stashing any message that arrives
// under a tag nobody has asked for yet so a later call (possibly for a
// different tree, or a different phase) can still find it.
type Receiver interface {
	RecvTag(ctx context.Context, tag int) ([]float64, error)
}

// Forward sends payload to every child of self, tracking each send in
// an errgroup.Group so a later WaitSends can both block until they all
// land and surface the first send failure. Call this at the root to
// start a broadcast, and again in each interior node after receiving,
// to continue it.
func (t *BroadcastTree) Forward(ctx context.Context, s Sender, tag int, payload []float64) error {
	for _, c := range t.Children() {
		c := c
		t.group.Go(func() error {
			return s.Send(ctx, c, tag, payload)
		})
	}
	return nil
}

// WaitSends blocks until every Forward call's sends have completed,
// returning the first error among them, if any. The original's
// analogue is MPI's wait-on-request-slots for a BcTree's pending
// Isends; here an errgroup.Group serves the same purpose while also
// propagating a failed send instead of silently dropping it.
func (t *BroadcastTree) WaitSends() error { return t.group.Wait() }

// ReceiveAndForward blocks until payload tagged tag arrives via r, then
// immediately forwards it to self's own children before returning it,
// continuing the broadcast one interior node further. The root never
// calls this: it already holds the value and starts the broadcast with
// Forward directly.
func (t *BroadcastTree) ReceiveAndForward(ctx context.Context, r Receiver, s Sender, tag int) ([]float64, error) {
	payload, err := r.RecvTag(ctx, tag)
	if err != nil {
		return nil, err
	}
	if err := t.Forward(ctx, s, tag, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReductionTree combines partial LSUM contributions from every leaf
// up to its root (spec.md §4.5): each non-root node sums its own
// contribution with whatever its children sent it, then forwards the
// sum to its parent.
type ReductionTree struct {
	shape *shape
	self  int
	group errgroup.Group
}

// NewReductionTree builds a reduction tree over ranks (root first)
// with the given bounded fan-out, for use by rank self.
func NewReductionTree(ranks []int, fanout, self int) *ReductionTree {
	return &ReductionTree{shape: buildShape(ranks, fanout), self: self}
}

// IsRoot reports whether self is this tree's root.
func (t *ReductionTree) IsRoot() bool { return t.shape.root == t.self }

// Parent returns self's parent rank and true, or (0, false) at the
// root.
func (t *ReductionTree) Parent() (int, bool) {
	p, ok := t.shape.parent[t.self]
	if !ok || p < 0 {
		return 0, false
	}
	return p, true
}

// Children returns the ranks self expects a contribution from before
// it may forward its own sum upward.
func (t *ReductionTree) Children() []int { return t.shape.children[t.self] }

// Contribute sends self's partial sum to its parent. At the root this
// is a no-op: the root's own ExposeSum is the final answer.
func (t *ReductionTree) Contribute(ctx context.Context, s Sender, tag int, partial []float64) error {
	parent, ok := t.Parent()
	if !ok {
		return nil
	}
	t.group.Go(func() error {
		return s.Send(ctx, parent, tag, partial)
	})
	return nil
}

// WaitSends blocks until this node's Contribute send (if any) has
// completed, returning its error if it failed.
func (t *ReductionTree) WaitSends() error { return t.group.Wait() }

// Accumulate folds one already-received child contribution into local
// in place, the single-message half of ExposeSum split out so a caller
// multiplexing several trees' messages over one shared receive loop
// can drive the fold itself instead of blocking inside ExposeSum.
func (t *ReductionTree) Accumulate(local, contribution []float64) {
	for i, v := range contribution {
		local[i] += v
	}
}

// ExposeSum blocks, in turn, on a contribution from each of self's
// children (tagged tag, delivered via r), folding each into local with
// Accumulate, and returns local: at the root this is the finished
// LSUM; elsewhere it is the partial sum the caller must still hand to
// Contribute.
func (t *ReductionTree) ExposeSum(ctx context.Context, r Receiver, tag int, local []float64) ([]float64, error) {
	for range t.Children() {
		payload, err := r.RecvTag(ctx, tag)
		if err != nil {
			return nil, err
		}
		t.Accumulate(local, payload)
	}
	return local, nil
}
