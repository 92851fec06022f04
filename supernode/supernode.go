// Copyright ©2024 The dsolve Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package supernode models the supernode partition of a factored
// sparse matrix: contiguous column ranges treated as dense blocks by
// both the L and U factors.
package supernode

import (
	"fmt"
	"sort"

	"github.com/sparselu/dsolve/grid"
)

// Set is the supernode table for a factorization of an N×N matrix: a
// partition of the N columns into NSUP contiguous, variable-size
// supernodes. It is immutable once built.
type Set struct {
	fst []int // fst[k] is the first global column of supernode k; fst[NSUP] == n.
	n   int
}

// NewSet builds a supernode table from sizes (the NSUP(k) of spec.md
// §3), in order, starting at global column 0. It panics if any size is
// non-positive.
func NewSet(sizes []int) *Set {
	fst := make([]int, len(sizes)+1)
	for k, sz := range sizes {
		if sz <= 0 {
			panic(fmt.Sprintf("supernode: non-positive size %d at supernode %d", sz, k))
		}
		fst[k+1] = fst[k] + sz
	}
	return &Set{fst: fst, n: fst[len(sizes)]}
}

// Count returns the number of supernodes (NSUP).
func (s *Set) Count() int { return len(s.fst) - 1 }

// N returns the global matrix order.
func (s *Set) N() int { return s.n }

// First returns FST(k), the first global column of supernode k.
func (s *Set) First(k int) int { return s.fst[k] }

// Size returns NSUP(k), the width of supernode k.
func (s *Set) Size(k int) int { return s.fst[k+1] - s.fst[k] }

// BlockNum returns the supernode k containing global column/row
// index i (the original's "BlockNum" macro), via binary search over
// the FST boundaries.
func (s *Set) BlockNum(i int) int {
	// sort.Search finds the first fst boundary strictly greater than i;
	// the supernode containing i is the one just before it. Gonum uses
	// this same sort.Search-over-boundaries idiom throughout its own
	// block-row lookups.
	k := sort.Search(len(s.fst), func(k int) bool { return s.fst[k] > i }) - 1
	return k
}

// Owner returns the rank owning the (k,k) diagonal block of supernode
// k under grid g (spec.md §3's "PNUM(k mod P_r, k mod P_c)").
func (s *Set) Owner(g *grid.Grid, k int) int { return g.DiagOwner(k) }

// ILSum returns the running total of supernode sizes before supernode
// k: the starting offset of supernode k within a flat, globally
// ordered LSUM/X-like array (the original's "ilsum" table). It is
// equivalent to First(k), under a distinct name for indexing LSUM/X-like
// arrays rather than global column indices; nothing in this module
// calls it.
func (s *Set) ILSum(k int) int { return s.fst[k] }
