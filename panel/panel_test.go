// Copyright ©2024 The dsolve Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package panel

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/sparselu/dsolve/commtree"
	"github.com/sparselu/dsolve/grid"
	"github.com/sparselu/dsolve/supernode"
)

// buildDiagFactor returns a single-block-column Factor whose sole
// diagonal block is the dense 2x2 matrix
//
//	[ 2  1 ]
//	[ 1  3 ]
//
// stored, as the original does, with the unit-lower part implicit
// below the diagonal and the full upper (including diagonal) above
// it: L = [[1,0],[0.5,1]], U = [[2,1],[0,2.5]].
func buildDiagFactor() *Factor {
	data := []float64{2, 0.5, 1, 2.5} // column-major, LD=2
	lp := &LPanel{BlockRows: []int{0}, RowOffset: []int{0}, Data: data, LD: 2, Cols: 2}
	up := &UPanel{ColBlocks: []int{}, Data: nil, Cols: nil}
	return &Factor{
		LPanels: map[int]*LPanel{0: lp},
		UPanels: map[int]*UPanel{0: up},
	}
}

func TestPrecomputeInversesSplitsDiagonalBlock(t *testing.T) {
	f := buildDiagFactor()
	f.PrecomputeInverses()

	lp := f.LPanels[0]

	// L = [[1,0],[0.5,1]], inverse = [[1,0],[-0.5,1]]
	wantLinv := []float64{1, -0.5, 0, 1}
	if diff := cmp.Diff(wantLinv, lp.Linv, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("Linv mismatch (-want +got):\n%s", diff)
	}

	// U = [[2,1],[0,2.5]], inverse = [[0.5,-0.2],[0,0.4]]
	wantUinv := []float64{0.5, 0, -0.2, 0.4}
	if diff := cmp.Diff(wantUinv, lp.Uinv, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("Uinv mismatch (-want +got):\n%s", diff)
	}
	if f.SingularDiag != 0 {
		t.Errorf("SingularDiag=%d, want 0 for a nonsingular block", f.SingularDiag)
	}
}

func TestPrecomputeInversesIsIdempotent(t *testing.T) {
	f := buildDiagFactor()
	f.PrecomputeInverses()
	first := append([]float64(nil), f.LPanels[0].Linv...)
	f.PrecomputeInverses()
	second := f.LPanels[0].Linv
	if diff := cmp.Diff(first, second, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("PrecomputeInverses not idempotent (-first +second):\n%s", diff)
	}
}

func TestPrecomputeInversesFlagsSingularDiagonal(t *testing.T) {
	// U with a zero pivot: [[1,1],[0,0]].
	data := []float64{1, 0, 1, 0}
	lp := &LPanel{BlockRows: []int{2}, RowOffset: []int{0}, Data: data, LD: 2, Cols: 2}
	up := &UPanel{}
	f := &Factor{LPanels: map[int]*LPanel{0: lp}, UPanels: map[int]*UPanel{0: up}}
	f.PrecomputeInverses()
	if f.SingularDiag != 3 {
		t.Errorf("SingularDiag=%d, want 3 (1-based index of supernode 2)", f.SingularDiag)
	}
}

// TestComputeModCountersOffDiagonalBlock builds a 2x1 grid holding two
// single-row supernodes with one off-diagonal L block (block-row 1,
// block-column 0), which by the ownership rule lives on rank 1
// alongside supernode 1's own diagonal: rank 1 owes itself one local
// forward contribution before its own diagonal solve may fire.
func TestComputeModCountersOffDiagonalBlock(t *testing.T) {
	g := grid.New(2, 1)
	sn := supernode.NewSet([]int{1, 1})

	f0 := &Factor{
		Grid: g, Supernodes: sn,
		LPanels: map[int]*LPanel{0: {BlockRows: []int{0}, RowOffset: []int{0}, Data: []float64{1}, LD: 1, Cols: 1}},
		UPanels: map[int]*UPanel{},
		UIndex:  map[int][]UEntry{},
		LRTree:  map[int]*commtree.ReductionTree{0: commtree.NewReductionTree([]int{0}, 2, 0)},
		URTree:  map[int]*commtree.ReductionTree{0: commtree.NewReductionTree([]int{0}, 2, 0)},
	}
	f1 := &Factor{
		Grid: g, Supernodes: sn,
		LPanels: map[int]*LPanel{0: {BlockRows: []int{1}, RowOffset: []int{0}, Data: []float64{0.5}, LD: 1, Cols: 1}},
		UPanels: map[int]*UPanel{},
		UIndex:  map[int][]UEntry{},
		LRTree:  map[int]*commtree.ReductionTree{1: commtree.NewReductionTree([]int{1}, 2, 1)},
		URTree:  map[int]*commtree.ReductionTree{1: commtree.NewReductionTree([]int{1}, 2, 1)},
	}

	ComputeModCounters(g, f0, 0)
	ComputeModCounters(g, f1, 1)

	if diff := cmp.Diff([]int{0}, f0.FMODTemplate); diff != "" {
		t.Errorf("rank 0 FMOD mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0}, f0.FRECVTemplate); diff != "" {
		t.Errorf("rank 0 FRECV mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1}, f1.FMODTemplate); diff != "" {
		t.Errorf("rank 1 FMOD mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0}, f1.FRECVTemplate); diff != "" {
		t.Errorf("rank 1 FRECV mismatch (-want +got):\n%s", diff)
	}
}

func TestLPanelBlockHeights(t *testing.T) {
	// Two block rows: diagonal (2 rows) then one off-diagonal (3 rows).
	data := make([]float64, 5*2) // LD=5, Cols=2
	lp := &LPanel{BlockRows: []int{0, 4}, RowOffset: []int{0, 2}, Data: data, LD: 5, Cols: 2}
	if h := lp.rowHeight(0); h != 2 {
		t.Errorf("rowHeight(0)=%d, want 2", h)
	}
	if h := lp.rowHeight(1); h != 3 {
		t.Errorf("rowHeight(1)=%d, want 3", h)
	}
	blk := lp.Block(1, 2)
	if blk.Rows != 3 || blk.Stride != 5 {
		t.Errorf("Block(1,2)=%+v, want Rows=3 Stride=5", blk)
	}
}
