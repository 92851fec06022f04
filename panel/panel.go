// Copyright ©2024 The dsolve Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package panel holds the read-only, factor-resident data a solve
// draws on: compressed L block-columns, compressed U block-rows, the
// vertical linked list mapping U's column-block ownership back to its
// row-block list, and the precomputed diagonal block inverses.
//
// All types here are built once, by an external factorization
// collaborator (spec.md §1), and are read-only for the lifetime of
// any number of solve calls against them.
package panel

import (
	"github.com/sparselu/dsolve/commtree"
	"github.com/sparselu/dsolve/grid"
	"github.com/sparselu/dsolve/kernel"
	"github.com/sparselu/dsolve/supernode"
)

// LPanel is the compressed representation of one local block-column of
// L: the diagonal block (if this is the diagonal owner) followed by
// whatever off-diagonal blocks are nonzero, stored as a single dense
// column-major buffer (spec.md §3).
type LPanel struct {
	// BlockRows lists the global block-row indices present, diagonal
	// block (if any) first.
	BlockRows []int
	// RowOffset[i] is the first row of BlockRows[i]'s data within Data,
	// relative to the panel's own top.
	RowOffset []int
	// Data is the panel's dense values, column-major, leading dimension
	// LD equal to the panel's total row count.
	Data []float64
	LD   int
	Cols int // supernode width of the owning block-column (NSUP(k))

	// Linv and Uinv are the precomputed inverses of the diagonal block's
	// unit-lower and upper parts, populated only for the diagonal owner
	// by PrecomputeInverses. Both live here, not on UPanel, because the
	// diagonal block itself is stored in this panel's own Data: the
	// owner of a block-column's L panel is always also the owner of
	// that supernode's U diagonal block (spec.md §3).
	Linv []float64
	Uinv []float64
}

// HasDiag reports whether this panel's first block row is the
// diagonal block.
func (p *LPanel) HasDiag(k int) bool {
	return len(p.BlockRows) > 0 && p.BlockRows[0] == k
}

// Block returns the dense sub-block for BlockRows[i] as a kernel.Block
// of width cols.
func (p *LPanel) Block(i, cols int) kernel.Block {
	off := p.RowOffset[i]
	return kernel.Block{Rows: p.rowHeight(i), Cols: cols, Stride: p.LD, Data: p.Data[off:]}
}

func (p *LPanel) rowHeight(i int) int {
	if i+1 < len(p.RowOffset) {
		return p.RowOffset[i+1] - p.RowOffset[i]
	}
	return p.LD - p.RowOffset[i]
}

// UPanel is the compressed representation of one local block-row of U:
// the column-blocks present, their first-nonzero-row offsets, and the
// dense values.
type UPanel struct {
	ColBlocks  []int // global column-block indices present, ascending
	ColOffset  []int // offset of ColBlocks[i]'s values within Data
	FirstNZRow []int // first-nonzero row of ColBlocks[i], relative to the block-row's own top

	Data []float64
	Cols []int // per-column-block width (SuperSize of each ColBlocks[i])
}

// UEntry is one link of U's vertical linked list: for a local
// block-column lb, the global row-block index that contributes a
// nonzero U block to column lb, and that block's offset within the
// row-block's UPanel Data.
type UEntry struct {
	RowBlock  int
	ValOffset int
}

// Factor bundles the read-only, per-call-immutable inputs a solve
// consumes: the supernode table, L/U panels keyed by local
// block-column/row index, U's vertical linked list, the FMOD/BMOD
// templates, and the broadcast/reduction trees keyed by global
// supernode index.
//
// Per spec.md §9's design note, Factor owns its trees; the trees
// themselves reference panels only through supernode indices, so there
// is no reference cycle between panel data and tree data.
type Factor struct {
	Grid  *grid.Grid
	Supernodes *supernode.Set

	LPanels map[int]*LPanel // keyed by local block-column index
	UPanels map[int]*UPanel // keyed by local block-row index
	UIndex  map[int][]UEntry // keyed by local block-column index

	FMODTemplate []int // per local block-row, remaining local L GEMM contributions only
	BMODTemplate []int // per local block-row, remaining local U GEMM contributions only
	FRECVTemplate []int // per local block-row, remaining forward reduction-tree messages only
	BRECVTemplate []int // per local block-row, remaining backward reduction-tree messages only

	// PermR and PermC are the row and column permutations the external
	// factorization collaborator applied (spec.md §6): PermR[i] is the
	// row the original matrix's row i was moved to, and PermC likewise
	// for columns. A nil permutation means identity. redist.ScatterBToX
	// composes them, matching the original's "irow = perm_c[perm_r[l]]",
	// to map a B row onto the supernode owning its permuted position.
	PermR []int
	PermC []int

	LBTree map[int]*commtree.BroadcastTree // keyed by global supernode k
	LRTree map[int]*commtree.ReductionTree
	UBTree map[int]*commtree.BroadcastTree
	URTree map[int]*commtree.ReductionTree

	// SingularDiag records the first locally-detected singular diagonal
	// supernode (1-based, per spec.md §7), or 0 if none.
	SingularDiag int
}

// PrecomputeInverses computes Linv/Uinv for every diagonal block this
// rank owns, splitting the dense diagonal supernode block into its
// unit-lower and upper parts and inverting each (spec.md §4.2). It is
// idempotent: calling it twice recomputes the same inverses.
func (f *Factor) PrecomputeInverses() {
	for _, lp := range f.LPanels {
		if len(lp.BlockRows) == 0 {
			continue
		}
		k := lp.BlockRows[0]
		n := lp.Cols
		lower := extractTriangle(lp.Data, lp.LD, n, false, true)
		upper := extractTriangle(lp.Data, lp.LD, n, true, false)

		linv, okL := kernel.Trtri(kernel.Triangle{N: n, Stride: n, Data: lower, Upper: false, UnitDiag: true})
		uinv, okU := kernel.Trtri(kernel.Triangle{N: n, Stride: n, Data: upper, Upper: true, UnitDiag: false})
		lp.Linv = linv
		lp.Uinv = uinv
		if (!okL || !okU) && f.SingularDiag == 0 {
			f.SingularDiag = k + 1
		}
	}
}

// ComputeModCounters derives FMODTemplate, BMODTemplate, FRECVTemplate,
// and BRECVTemplate for rank self from the already-built LPanels,
// UPanels, UIndex, LRTree, and URTree (spec.md §3's FMOD/BMOD/FRECV/
// BRECV counters, grounded on the original's pdgstrs_init/dgstrs
// counter setup). It must run after every other Factor field is
// populated, since it reads the factor's own static structure rather
// than taking its inputs as parameters.
//
// FMOD[lb] and BMOD[lb] are the number of local GEMM contributions
// (computed by this rank's own applyLUpdates/applyUUpdates, never
// crossing the wire) row lb is still owed before its diagonal solve;
// FRECV[lb] and BRECV[lb] are the number of reduction-tree messages it
// is still owed. A row's diagonal solve or Contribute may fire once
// both reach zero.
func ComputeModCounters(g *grid.Grid, f *Factor, self int) {
	r := g.RowOf(self)
	c := g.ColOf(self)

	numLocalRows := 0
	if f.Supernodes.Count() > 0 {
		numLocalRows = g.LocalBlockRow(f.Supernodes.Count()-1) + 1
	}
	fmod := make([]int, numLocalRows)
	bmod := make([]int, numLocalRows)
	frecv := make([]int, numLocalRows)
	brecv := make([]int, numLocalRows)

	for lc, lp := range f.LPanels {
		k := lc*g.Pc + c
		start := 0
		if lp.HasDiag(k) {
			start = 1
		}
		for i := start; i < len(lp.BlockRows); i++ {
			row := lp.BlockRows[i]
			if g.OwnerRow(row) != r {
				continue
			}
			lb := g.LocalBlockRow(row)
			growInts(&fmod, lb+1)
			fmod[lb]++
		}
	}
	for _, entries := range f.UIndex {
		for _, e := range entries {
			if g.OwnerRow(e.RowBlock) != r {
				continue
			}
			lb := g.LocalBlockRow(e.RowBlock)
			growInts(&bmod, lb+1)
			bmod[lb]++
		}
	}
	for k := 0; k < f.Supernodes.Count(); k++ {
		if g.OwnerRow(k) != r {
			continue
		}
		lb := g.LocalBlockRow(k)
		growInts(&frecv, lb+1)
		growInts(&brecv, lb+1)
		if rt := f.LRTree[k]; rt != nil {
			frecv[lb] = len(rt.Children())
		}
		if rt := f.URTree[k]; rt != nil {
			brecv[lb] = len(rt.Children())
		}
	}

	f.FMODTemplate = fmod
	f.BMODTemplate = bmod
	f.FRECVTemplate = frecv
	f.BRECVTemplate = brecv
}

// growInts extends *s with zeros until it has length n, preserving
// existing values.
func growInts(s *[]int, n int) {
	if len(*s) >= n {
		return
	}
	grown := make([]int, n)
	copy(grown, *s)
	*s = grown
}

// LowerTriangle returns the dense unit-lower triangular part of this
// panel's diagonal block, freshly extracted from Data, for the
// in-place-TRSM forward-solve path of spec.md §4.6. It is only
// meaningful when HasDiag is true.
func (p *LPanel) LowerTriangle() kernel.Triangle {
	data := extractTriangle(p.Data, p.LD, p.Cols, false, true)
	return kernel.Triangle{N: p.Cols, Stride: p.Cols, Data: data, Upper: false, UnitDiag: true}
}

// DiagUpper returns the dense, non-unit upper triangular part of this
// panel's diagonal block (U's own diagonal block, stored alongside L's
// in the same dense buffer per spec.md §3), for the in-place-TRSM
// backward-solve path of spec.md §4.6. It is only meaningful when
// HasDiag is true.
func (p *LPanel) DiagUpper() kernel.Triangle {
	data := extractTriangle(p.Data, p.LD, p.Cols, true, false)
	return kernel.Triangle{N: p.Cols, Stride: p.Cols, Data: data, Upper: true, UnitDiag: false}
}

// extractTriangle copies the lower (unit-diagonal-implied) or upper
// part of the leading n×n block of a column-major buffer with leading
// dimension ld into a fresh, densely packed n×n buffer.
func extractTriangle(data []float64, ld, n int, upper, unitDiag bool) []float64 {
	out := make([]float64, n*n)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			var v float64
			switch {
			case i == j:
				if unitDiag {
					v = 1
				} else {
					v = data[j*ld+i]
				}
			case i > j && !upper:
				v = data[j*ld+i]
			case i < j && upper:
				v = data[j*ld+i]
			}
			out[j*n+i] = v
		}
	}
	return out
}
