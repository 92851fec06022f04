// Copyright ©2024 The dsolve Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command dsolve-demo assembles a small synthetic distributed factor,
// runs a solve across a simulated process grid (one goroutine per
// rank), and reports the residual — a manual-inspection harness for
// the solve package, standing in for the original's pddrive example
// driver.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/sparselu/dsolve/commtree"
	"github.com/sparselu/dsolve/grid"
	"github.com/sparselu/dsolve/internal/diag"
	"github.com/sparselu/dsolve/panel"
	"github.com/sparselu/dsolve/redist"
	"github.com/sparselu/dsolve/solve"
	"github.com/sparselu/dsolve/supernode"
	"github.com/sparselu/dsolve/transport"
)

func main() {
	var (
		n         = flag.Int("n", 12, "global matrix order")
		nrhs      = flag.Int("nrhs", 1, "number of right-hand sides")
		pr        = flag.Int("pr", 2, "process grid rows")
		pc        = flag.Int("pc", 2, "process grid columns")
		supersize = flag.Int("supersize", 3, "uniform supernode width (last supernode may be smaller)")
		seed      = flag.Int64("seed", 1, "random seed for the synthetic matrix and right-hand side")
		useInv    = flag.Bool("inv", false, "solve diagonal blocks by precomputed-inverse GEMM instead of in-place TRSM")
		verbosity = flag.String("v", "summary", "diagnostic verbosity: silent, summary, or verbose")
	)
	flag.Parse()

	level, err := parseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}

	g := grid.New(*pr, *pc)
	rng := rand.New(rand.NewSource(*seed))

	a := randomDiagDominant(*n, rng)
	l, u := doolittleLU(*n, a)

	sn := buildSupernodes(*n, *supersize)
	factors := buildFactors(g, sn, l, u)

	x := make([]float64, *n**nrhs)
	for i := range x {
		x[i] = rng.Float64()*2 - 1
	}
	b := denseMultiply(*n, *nrhs, a, x)

	ranges := redist.EvenRowRanges(*n, g.Procs())

	bus := transport.NewBus(g.Procs(), 64)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	locals := make([][]float64, g.Procs())
	infos := make([]int, g.Procs())
	errs := make([]error, g.Procs())

	var wg sync.WaitGroup
	start := time.Now()
	for r := 0; r < g.Procs(); r++ {
		r := r
		rr := ranges[r]
		lb := extractRows(*n, *nrhs, b, rr.FstRow, rr.MLoc)
		locals[r] = lb
		wg.Add(1)
		go func() {
			defer wg.Done()
			proc := &solve.Process{Self: r, Grid: g, Bus: bus, Factor: factors[r]}
			opts := solve.Options{UseDiagInverse: *useInv, Verbosity: level}
			info, err := solve.Solve(ctx, proc, opts, *n, *nrhs, rr.MLoc, rr.FstRow, rr.MLoc, locals[r])
			infos[r] = info
			errs[r] = err
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	for r, err := range errs {
		if err != nil {
			log.Fatalf("rank %d: %v (info=%d)", r, err, infos[r])
		}
	}

	got := assembleRows(*n, *nrhs, ranges, locals)
	resid := residualNorm(*n, *nrhs, a, got, b)

	fmt.Printf("n=%d nrhs=%d grid=%dx%d supersize=%d elapsed=%s residual=%.3e\n",
		*n, *nrhs, *pr, *pc, *supersize, elapsed, resid)
}

func parseLevel(s string) (diag.Level, error) {
	switch s {
	case "silent":
		return diag.Silent, nil
	case "summary":
		return diag.Summary, nil
	case "verbose":
		return diag.Verbose, nil
	default:
		return 0, fmt.Errorf("dsolve-demo: unknown -v value %q", s)
	}
}

// randomDiagDominant returns a dense, row-major, strictly diagonally
// dominant n×n matrix, guaranteeing the unpivoted LU below never hits
// a zero pivot.
func randomDiagDominant(n int, rng *rand.Rand) []float64 {
	a := make([]float64, n*n)
	for i := 0; i < n; i++ {
		rowSum := 0.0
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			v := rng.Float64()*2 - 1
			a[i*n+j] = v
			rowSum += abs(v)
		}
		a[i*n+i] = rowSum + float64(n) + rng.Float64()
	}
	return a
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// doolittleLU factors the row-major n×n matrix a into unit-lower l and
// upper u, both row-major n×n, via unpivoted Gaussian elimination: a
// stand-in for the factorization this module treats as an external
// collaborator (spec.md §1), just enough to produce a consistent
// supernodal L/U for the demo to solve against.
func doolittleLU(n int, a []float64) (l, u []float64) {
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

func buildSupernodes(n, width int) *supernode.Set {
	var sizes []int
	for rem := n; rem > 0; {
		w := width
		if w > rem {
			w = rem
		}
		sizes = append(sizes, w)
		rem -= w
	}
	return supernode.NewSet(sizes)
}

// buildFactors assembles each rank's panel.Factor view of the dense
// L/U produced by doolittleLU, distributing block-column/block-row
// data across the grid by the same row/column ownership rule the
// original uses for L and U panels (spec.md §3): an off-diagonal L
// block (row i, col k) lives on Rank(OwnerRow(i), OwnerCol(k)); an
// off-diagonal U block (row k, col j) lives on Rank(OwnerRow(k),
// OwnerCol(j)).
func buildFactors(g *grid.Grid, sn *supernode.Set, l, u []float64) []*panel.Factor {
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
		lp := lpanelFor(factors[diagRank], lc)
		lp.BlockRows = append(lp.BlockRows, k)
		lp.Cols = sz

		for ib := k + 1; ib < nsup; ib++ {
			ownerRank := g.Rank(g.OwnerRow(ib), g.OwnerCol(k))
			off := lpanelFor(factors[ownerRank], lc)
			off.BlockRows = append(off.BlockRows, ib)
			off.Cols = sz
		}
		finalizeLPanel(lp, sn, k, l, n)
		for ib := k + 1; ib < nsup; ib++ {
			ownerRank := g.Rank(g.OwnerRow(ib), g.OwnerCol(k))
			finalizeLPanel(factors[ownerRank].LPanels[lc], sn, k, l, n)
		}

		// Forward and backward substitution share the same row/column
		// scope formulas (only the tree instance and loop direction
		// differ), so LBTree and
		// UBTree are built over the same column-scope team, and LRTree
		// and URTree over the same row-scope team.
		lbTeam := reorderRootFirst(g.ColScope(g.OwnerCol(k)), diagRank)
		lrTeam := reorderRootFirst(g.RowScope(g.OwnerRow(k)), diagRank)
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
			addUBlock(factors[ownerRank], g, sn, k, jb, u, n)
		}
	}

	for r, f := range factors {
		f.PrecomputeInverses()
		panel.ComputeModCounters(g, f, r)
	}
	return factors
}

func lpanelFor(f *panel.Factor, lc int) *panel.LPanel {
	lp, ok := f.LPanels[lc]
	if !ok {
		lp = &panel.LPanel{}
		f.LPanels[lc] = lp
	}
	return lp
}

// finalizeLPanel rebuilds an LPanel's dense Data buffer from scratch
// once every block row it holds for supernode k is known, since the
// panel's RowOffset/LD depend on the full set of BlockRows.
func finalizeLPanel(lp *panel.LPanel, sn *supernode.Set, k int, l []float64, n int) {
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
					switch {
					case gi > gj:
						v = l[gi*n+gj]
					default:
						// gi <= gj: U's own upper-including-diagonal part.
						// L's unit diagonal is implicit (panel.extractTriangle
						// forces it to 1) and never read from here.
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

// addUBlock appends the off-diagonal U block (row block k, column
// block jb) to the owning rank's UPanel (keyed by local block-row
// index) and that rank's own UIndex entry for column jb, which it also
// owns by construction (see buildFactors's ownership rule).
func addUBlock(f *panel.Factor, g *grid.Grid, sn *supernode.Set, k, jb int, u []float64, n int) {
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

// reorderRootFirst returns ranks with root moved to the front,
// preserving the relative order of the rest: commtree's buildShape
// always roots its tree at ranks[0].
func reorderRootFirst(ranks []int, root int) []int {
	out := make([]int, 0, len(ranks))
	out = append(out, root)
	for _, r := range ranks {
		if r != root {
			out = append(out, r)
		}
	}
	return out
}

func extractRows(n, nrhs int, b []float64, fst, m int) []float64 {
	out := make([]float64, m*nrhs)
	for j := 0; j < nrhs; j++ {
		copy(out[j*m:(j+1)*m], b[j*n+fst:j*n+fst+m])
	}
	return out
}

func assembleRows(n, nrhs int, ranges []redist.RowRange, locals [][]float64) []float64 {
	out := make([]float64, n*nrhs)
	for r, rr := range ranges {
		for j := 0; j < nrhs; j++ {
			copy(out[j*n+rr.FstRow:j*n+rr.FstRow+rr.MLoc], locals[r][j*rr.MLoc:(j+1)*rr.MLoc])
		}
	}
	return out
}

func denseMultiply(n, nrhs int, aRowMajor, xColMajor []float64) []float64 {
	out := make([]float64, n*nrhs)
	for j := 0; j < nrhs; j++ {
		for i := 0; i < n; i++ {
			sum := 0.0
			for c := 0; c < n; c++ {
				sum += aRowMajor[i*n+c] * xColMajor[j*n+c]
			}
			out[j*n+i] = sum
		}
	}
	return out
}

func residualNorm(n, nrhs int, aRowMajor, xColMajor, bColMajor []float64) float64 {
	ax := denseMultiply(n, nrhs, aRowMajor, xColMajor)
	sum := 0.0
	for i := range ax {
		d := ax[i] - bColMajor[i]
		sum += d * d
	}
	if sum == 0 {
		return 0
	}
	return sum // squared norm is plenty for a sanity readout
}
