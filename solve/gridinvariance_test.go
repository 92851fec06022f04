// Copyright ©2024 The dsolve Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package solve

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/sparselu/dsolve/commtree"
	"github.com/sparselu/dsolve/grid"
	"github.com/sparselu/dsolve/panel"
	"github.com/sparselu/dsolve/redist"
	"github.com/sparselu/dsolve/supernode"
	"github.com/sparselu/dsolve/transport"
)

// TestBidiagonalForwardThenIdentityBackward exercises a pure forward
// sweep against a known closed form: a unit-lower bidiagonal L with a
// constant -1 sub-diagonal paired with an identity U, so L*y=b alone
// determines the result (each row simply adds the row above's value to
// its own right-hand side).
func TestBidiagonalForwardThenIdentityBackward(t *testing.T) {
	n := 4
	lRowMajor := make([]float64, n*n)
	for i := 1; i < n; i++ {
		lRowMajor[i*n+(i-1)] = -1
	}
	identity := make([]float64, n*n)
	for i := 0; i < n; i++ {
		identity[i*n+i] = 1
	}
	f := buildSingleSupernodeFactor(n, lRowMajor, identity)

	b := colMajor(n, 1, []float64{1, 1, 1, 1})
	got := runSingleRank(t, f, Options{}, n, 1, b)
	want := []float64{1, 2, 3, 4}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("bidiagonal forward solve mismatch (-want +got):\n%s", diff)
	}
}

// randDiagDominant returns a dense, row-major, strictly diagonally
// dominant n×n matrix from a fixed seed, mirroring dsolve-demo's
// randomDiagDominant so the resulting unpivoted LU always exists.
func randDiagDominant(n int, rng *rand.Rand) []float64 {
	a := make([]float64, n*n)
	for i := 0; i < n; i++ {
		rowSum := 0.0
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			v := rng.Float64()*2 - 1
			a[i*n+j] = v
			rowSum += absf(v)
		}
		a[i*n+i] = rowSum + float64(n) + rng.Float64()
	}
	return a
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// denseLU factors the row-major n×n matrix a into unit-lower l and
// upper u via unpivoted Gaussian elimination, the same construction
// cmd/dsolve-demo/main.go's doolittleLU uses to stand in for an
// external factorization collaborator.
func denseLU(n int, a []float64) (l, u []float64) {
	l = make([]float64, n*n)
	u = make([]float64, n*n)
	work := append([]float64(nil), a...)
	for i := 0; i < n; i++ {
		l[i*n+i] = 1
	}
	for k := 0; k < n; k++ {
		for j := k; j < n; j++ {
			u[k*n+j] = work[k*n+j]
		}
		for i := k + 1; i < n; i++ {
			factor := work[i*n+k] / u[k*n+k]
			l[i*n+k] = factor
			for j := k; j < n; j++ {
				work[i*n+j] -= factor * u[k*n+j]
			}
		}
	}
	return l, u
}

// gridFactors assembles each rank's panel.Factor view of dense l/u
// (both row-major n×n) over grid g and supernode table sn, by the same
// row/column ownership rule buildFactors in dsolve-demo uses: an
// off-diagonal L block (row i, col k) lives on Rank(OwnerRow(i),
// OwnerCol(k)); an off-diagonal U block (row k, col j) lives on
// Rank(OwnerRow(k), OwnerCol(j)).
func gridFactors(g *grid.Grid, sn *supernode.Set, l, u []float64) []*panel.Factor {
	n := sn.N()
	nsup := sn.Count()

	factors := make([]*panel.Factor, g.Procs())
	for r := range factors {
		factors[r] = &panel.Factor{
			Grid: g, Supernodes: sn,
			LPanels: map[int]*panel.LPanel{},
			UPanels: map[int]*panel.UPanel{},
			UIndex:  map[int][]panel.UEntry{},
			LBTree:  map[int]*commtree.BroadcastTree{},
			LRTree:  map[int]*commtree.ReductionTree{},
			UBTree:  map[int]*commtree.BroadcastTree{},
			URTree:  map[int]*commtree.ReductionTree{},
		}
	}

	for k := 0; k < nsup; k++ {
		diagRank := sn.Owner(g, k)
		lc := g.LocalBlockCol(k)
		sz := sn.Size(k)
		lp := gridLPanelFor(factors[diagRank], lc)
		lp.BlockRows = append(lp.BlockRows, k)
		lp.Cols = sz

		for ib := k + 1; ib < nsup; ib++ {
			ownerRank := g.Rank(g.OwnerRow(ib), g.OwnerCol(k))
			off := gridLPanelFor(factors[ownerRank], lc)
			off.BlockRows = append(off.BlockRows, ib)
			off.Cols = sz
		}
		gridFinalizeLPanel(lp, sn, k, l, u, n)
		for ib := k + 1; ib < nsup; ib++ {
			ownerRank := g.Rank(g.OwnerRow(ib), g.OwnerCol(k))
			gridFinalizeLPanel(factors[ownerRank].LPanels[lc], sn, k, l, u, n)
		}

		lbTeam := gridReorderRootFirst(g.ColScope(g.OwnerCol(k)), diagRank)
		lrTeam := gridReorderRootFirst(g.RowScope(g.OwnerRow(k)), diagRank)
		for _, r := range lbTeam {
			factors[r].LBTree[k] = commtree.NewBroadcastTree(lbTeam, 2, r)
			factors[r].UBTree[k] = commtree.NewBroadcastTree(lbTeam, 2, r)
		}
		for _, r := range lrTeam {
			factors[r].LRTree[k] = commtree.NewReductionTree(lrTeam, 2, r)
			factors[r].URTree[k] = commtree.NewReductionTree(lrTeam, 2, r)
		}

		for jb := k + 1; jb < nsup; jb++ {
			ownerRank := g.Rank(g.OwnerRow(k), g.OwnerCol(jb))
			gridAddUBlock(factors[ownerRank], g, sn, k, jb, u, n)
		}
	}

	for r, f := range factors {
		f.PrecomputeInverses()
		panel.ComputeModCounters(g, f, r)
	}
	return factors
}

func gridLPanelFor(f *panel.Factor, lc int) *panel.LPanel {
	lp, ok := f.LPanels[lc]
	if !ok {
		lp = &panel.LPanel{}
		f.LPanels[lc] = lp
	}
	return lp
}

func gridFinalizeLPanel(lp *panel.LPanel, sn *supernode.Set, k int, l, u []float64, n int) {
	sz := sn.Size(k)
	total := 0
	offsets := make([]int, len(lp.BlockRows))
	for i, rb := range lp.BlockRows {
		offsets[i] = total
		total += sn.Size(rb)
	}
	lp.RowOffset = offsets
	lp.LD = total
	lp.Data = make([]float64, total*sz)

	for i, rb := range lp.BlockRows {
		rOff := offsets[i]
		rSz := sn.Size(rb)
		globalRowStart := sn.First(rb)
		globalColStart := sn.First(k)
		for jj := 0; jj < sz; jj++ {
			for ii := 0; ii < rSz; ii++ {
				var v float64
				if rb == k {
					gi, gj := globalRowStart+ii, globalColStart+jj
					if gi > gj {
						v = l[gi*n+gj]
					} else {
						v = u[gi*n+gj]
					}
				} else {
					v = l[(globalRowStart+ii)*n+globalColStart+jj]
				}
				lp.Data[jj*total+rOff+ii] = v
			}
		}
	}
}

func gridAddUBlock(f *panel.Factor, g *grid.Grid, sn *supernode.Set, k, jb int, u []float64, n int) {
	lb := g.LocalBlockRow(k)
	up, ok := f.UPanels[lb]
	if !ok {
		up = &panel.UPanel{}
		f.UPanels[lb] = up
	}
	rSz, cSz := sn.Size(k), sn.Size(jb)
	offset := len(up.Data)
	up.ColBlocks = append(up.ColBlocks, jb)
	up.ColOffset = append(up.ColOffset, offset)
	up.FirstNZRow = append(up.FirstNZRow, 0)
	up.Cols = append(up.Cols, cSz)

	block := make([]float64, rSz*cSz)
	rowStart, colStart := sn.First(k), sn.First(jb)
	for jj := 0; jj < cSz; jj++ {
		for ii := 0; ii < rSz; ii++ {
			block[jj*rSz+ii] = u[(rowStart+ii)*n+colStart+jj]
		}
	}
	up.Data = append(up.Data, block...)

	lj := g.LocalBlockCol(jb)
	f.UIndex[lj] = append(f.UIndex[lj], panel.UEntry{RowBlock: k, ValOffset: offset})
}

func gridReorderRootFirst(ranks []int, root int) []int {
	out := make([]int, 0, len(ranks))
	out = append(out, root)
	for _, r := range ranks {
		if r != root {
			out = append(out, r)
		}
	}
	return out
}

func gridExtractRows(n, nrhs int, b []float64, fst, m int) []float64 {
	out := make([]float64, m*nrhs)
	for j := 0; j < nrhs; j++ {
		copy(out[j*m:(j+1)*m], b[j*n+fst:j*n+fst+m])
	}
	return out
}

func gridAssembleRows(n, nrhs int, ranges []redist.RowRange, locals [][]float64) []float64 {
	out := make([]float64, n*nrhs)
	for r, rr := range ranges {
		for j := 0; j < nrhs; j++ {
			copy(out[j*n+rr.FstRow:j*n+rr.FstRow+rr.MLoc], locals[r][j*rr.MLoc:(j+1)*rr.MLoc])
		}
	}
	return out
}

// solveOnGrid runs a full distributed solve for the dense n×n system
// a·x=b over grid g, returning the gathered global x.
func solveOnGrid(t *testing.T, g *grid.Grid, n int, sn *supernode.Set, l, u, b []float64) []float64 {
	t.Helper()
	factors := gridFactors(g, sn, l, u)
	ranges := redist.EvenRowRanges(n, g.Procs())
	bus := transport.NewBus(g.Procs(), 64)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	locals := make([][]float64, g.Procs())
	errs := make([]error, g.Procs())
	var wg sync.WaitGroup
	for r := 0; r < g.Procs(); r++ {
		r := r
		rr := ranges[r]
		locals[r] = gridExtractRows(n, 1, b, rr.FstRow, rr.MLoc)
		wg.Add(1)
		go func() {
			defer wg.Done()
			proc := &Process{Self: r, Grid: g, Bus: bus, Factor: factors[r]}
			_, err := Solve(ctx, proc, Options{}, n, 1, rr.MLoc, rr.FstRow, rr.MLoc, locals[r])
			errs[r] = err
		}()
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", r, err)
		}
	}
	return gridAssembleRows(n, 1, ranges, locals)
}

// TestSolveInvariantUnderProcessGrid checks spec.md §8's process-grid
// invariance property: the same 32×32 factorization, solved against
// the same right-hand side, must produce the same answer regardless of
// how the process mesh carves up the work.
func TestSolveInvariantUnderProcessGrid(t *testing.T) {
	n := 32
	rng := rand.New(rand.NewSource(7))
	a := randDiagDominant(n, rng)
	l, u := denseLU(n, a)
	sn := supernode.NewSet([]int{4, 4, 4, 4, 4, 4, 4, 4})

	b := make([]float64, n)
	for i := range b {
		b[i] = float64(i%5) - 2
	}

	grids := [][2]int{{1, 1}, {1, 4}, {2, 2}, {4, 1}}
	var reference []float64
	for _, dims := range grids {
		g := grid.New(dims[0], dims[1])
		got := solveOnGrid(t, g, n, sn, l, u, append([]float64(nil), b...))
		if reference == nil {
			reference = got
			continue
		}
		if diff := cmp.Diff(reference, got, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
			t.Errorf("grid %dx%d result disagrees with %dx%d (-want +got):\n%s", dims[0], dims[1], grids[0][0], grids[0][1], diff)
		}
	}
}
