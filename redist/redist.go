// Copyright ©2024 The dsolve Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package redist redistributes right-hand-side/solution data between
// B's external layout (contiguous row blocks per rank, spec.md §3's
// "fstRow"/"mLoc") and X's internal layout (grouped by supernode,
// owned by each supernode's diagonal-block rank), the all-to-all
// exchange spec.md §4.1 calls for at the start and end of a solve.
package redist

import (
	"context"
	"fmt"
	"sort"

	"github.com/sparselu/dsolve/grid"
	"github.com/sparselu/dsolve/supernode"
	"github.com/sparselu/dsolve/transport"
)

// RowRange is one rank's contiguous slice of B's global rows.
type RowRange struct {
	FstRow, MLoc int
}

// Plan is the precomputed mapping between B's per-rank row ranges and
// X's per-supernode ownership, shared by ScatterBToX and GatherXToB.
// It holds no per-call state and can be built once and reused across
// many solves against the same factor and grid.
type Plan struct {
	grid       *grid.Grid
	supernodes *supernode.Set
	self       int
	nrhs       int
	ranges     []RowRange // indexed by rank

	owned     []int       // global supernode indices self owns, ascending
	localOff  map[int]int // supernode k -> row offset within self's local X buffer
	localRows int         // total rows in self's local X buffer

	// permR and permC are the row and column permutations the external
	// factorization collaborator applied (spec.md §6); either may be
	// nil, meaning identity. ScatterBToX composes them when mapping a B
	// row onto the supernode owning its permuted position, matching the
	// original's "irow = perm_c[perm_r[l]]" (pdgstrs.c:221). GatherXToB
	// does not use them: per the resolved inv_perm_c open question, it
	// writes X's row i to B's global row i, with no inverse permutation.
	permR []int
	permC []int
}

// NewPlan builds a Plan for self under grid g and supernode table sn,
// given every rank's B row range (indexed by rank, in rank order), the
// number of right-hand sides nrhs, and the row/column permutations the
// factorization applied (either may be nil for identity).
func NewPlan(g *grid.Grid, sn *supernode.Set, self int, ranges []RowRange, nrhs int, permR, permC []int) *Plan {
	if len(ranges) != g.Procs() {
		panic(fmt.Sprintf("redist: got %d row ranges, want %d (grid size)", len(ranges), g.Procs()))
	}
	off, owned, total := OwnedOffsets(g, sn, self)
	return &Plan{grid: g, supernodes: sn, self: self, nrhs: nrhs, ranges: ranges,
		localOff: off, owned: owned, localRows: total, permR: permR, permC: permC}
}

// permute maps global B row r onto the row of the permuted matrix that
// actually owns it, composing self's row then column permutation in
// the same order the original applies perm_r then perm_c.
func (p *Plan) permute(r int) int {
	irow := r
	if p.permR != nil {
		irow = p.permR[irow]
	}
	if p.permC != nil {
		irow = p.permC[irow]
	}
	return irow
}

// OwnedOffsets computes the row offsets within a rank's local X buffer
// for every supernode it owns (its diagonal block's rank, per
// supernode.Set.Owner): offsets keyed by global supernode index, the
// ascending list of owned supernode indices, and the buffer's total
// row count. solve uses this directly to locate a diagonal owner's own
// slice of X without going through a Plan.
func OwnedOffsets(g *grid.Grid, sn *supernode.Set, self int) (offsets map[int]int, owned []int, total int) {
	offsets = map[int]int{}
	for k := 0; k < sn.Count(); k++ {
		if sn.Owner(g, k) == self {
			offsets[k] = total
			owned = append(owned, k)
			total += sn.Size(k)
		}
	}
	return offsets, owned, total
}

// EvenRowRanges partitions n global rows as evenly as possible, in
// rank order, across procs ranks: the canonical fstRow/mLoc formula
// every rank can compute independently without communication, so a
// solve call can validate its caller-supplied fstRow/mLoc against it.
func EvenRowRanges(n, procs int) []RowRange {
	base, rem := n/procs, n%procs
	ranges := make([]RowRange, procs)
	fst := 0
	for r := 0; r < procs; r++ {
		sz := base
		if r < rem {
			sz++
		}
		ranges[r] = RowRange{FstRow: fst, MLoc: sz}
		fst += sz
	}
	return ranges
}

// LocalRows returns the row count of self's local X buffer (the sum
// of Size(k) over every supernode self owns).
func (p *Plan) LocalRows() int { return p.localRows }

// xOwner returns the rank owning global B row r's value once r has
// been mapped through the factorization's permutation and located
// within its owning supernode — X's distribution rule.
func (p *Plan) xOwner(r int) int {
	k := p.supernodes.BlockNum(p.permute(r))
	return p.supernodes.Owner(p.grid, k)
}

// bOwner returns the rank whose contiguous B row range contains
// global row r.
func (p *Plan) bOwner(r int) int {
	return sort.Search(len(p.ranges), func(rk int) bool {
		return p.ranges[rk].FstRow+p.ranges[rk].MLoc > r
	})
}

// runsByOwner groups the half-open row interval [fst, fst+n) into
// maximal contiguous runs sharing the same owner rank, as determined
// by owner.
func runsByOwner(fst, n int, owner func(int) int) map[int][][2]int {
	runs := map[int][][2]int{}
	if n == 0 {
		return runs
	}
	runStart := fst
	runOwner := owner(fst)
	for r := fst + 1; r < fst+n; r++ {
		o := owner(r)
		if o != runOwner {
			runs[runOwner] = append(runs[runOwner], [2]int{runStart, r - runStart})
			runStart, runOwner = r, o
		}
	}
	runs[runOwner] = append(runs[runOwner], [2]int{runStart, fst + n - runStart})
	return runs
}

// encodeRuns packs a set of row runs and their column-major values
// (taken from src, leading dimension ld, columns 0..nrhs) into a
// single float64 payload: [numRuns, (fst,count)*numRuns, values...].
func encodeRuns(runs [][2]int, src []float64, ld, nrhs int, rowOf func(globalRow int) int) []float64 {
	total := 0
	for _, rr := range runs {
		total += rr[1]
	}
	out := make([]float64, 0, 1+2*len(runs)+total*nrhs)
	out = append(out, float64(len(runs)))
	for _, rr := range runs {
		out = append(out, float64(rr[0]), float64(rr[1]))
	}
	for j := 0; j < nrhs; j++ {
		for _, rr := range runs {
			for i := 0; i < rr[1]; i++ {
				localRow := rowOf(rr[0] + i)
				out = append(out, src[j*ld+localRow])
			}
		}
	}
	return out
}

// decodeRuns is encodeRuns's inverse: it scatters payload's values
// into dst (leading dimension ld, nrhs columns), placing global row
// r's values at local row placeOf(r).
func decodeRuns(payload []float64, dst []float64, ld, nrhs int, placeOf func(globalRow int) int) {
	if len(payload) == 0 {
		return
	}
	numRuns := int(payload[0])
	runs := make([][2]int, numRuns)
	pos := 1
	total := 0
	for i := range runs {
		runs[i] = [2]int{int(payload[pos]), int(payload[pos+1])}
		pos += 2
		total += runs[i][1]
	}
	for j := 0; j < nrhs; j++ {
		for _, rr := range runs {
			for i := 0; i < rr[1]; i++ {
				dst[j*ld+placeOf(rr[0]+i)] = payload[pos]
				pos++
			}
		}
	}
}

// ScatterBToX redistributes b (self's local rows [FstRow,FstRow+MLoc)
// of the global right-hand side, column-major with leading dimension
// ldb) into x, self's local X buffer laid out by owned supernode
// (column-major with leading dimension LocalRows()).
func ScatterBToX(ctx context.Context, bus *transport.Bus, p *Plan, b []float64, ldb int) ([]float64, error) {
	self := p.self
	fst, mloc := p.ranges[self].FstRow, p.ranges[self].MLoc

	send := make([][]float64, bus.Procs())
	runs := runsByOwner(fst, mloc, p.xOwner)
	for dest, rr := range runs {
		send[dest] = encodeRuns(rr, b, ldb, p.nrhs, func(globalRow int) int { return globalRow - fst })
	}

	recv, err := bus.AllToAllV(ctx, self, send)
	if err != nil {
		return nil, err
	}
	x := make([]float64, p.localRows*p.nrhs)
	placeOf := func(r int) int {
		irow := p.permute(r)
		k := p.supernodes.BlockNum(irow)
		return p.localOff[k] + (irow - p.supernodes.First(k))
	}
	for _, payload := range recv {
		decodeRuns(payload, x, p.localRows, p.nrhs, placeOf)
	}
	return x, nil
}

// GatherXToB is ScatterBToX's inverse: it redistributes x (self's
// local X buffer, owned-supernode layout) back into b, self's local
// rows of the global right-hand side/solution.
func GatherXToB(ctx context.Context, bus *transport.Bus, p *Plan, x []float64) ([]float64, error) {
	self := p.self

	runsByDest := map[int][][2]int{}
	for _, k := range p.owned {
		fst := p.supernodes.First(k)
		n := p.supernodes.Size(k)
		for dest, rr := range runsByOwner(fst, n, p.bOwner) {
			runsByDest[dest] = append(runsByDest[dest], rr...)
		}
	}
	rowOf := func(r int) int {
		k := p.supernodes.BlockNum(r)
		return p.localOff[k] + (r - p.supernodes.First(k))
	}
	send := make([][]float64, bus.Procs())
	for dest, rr := range runsByDest {
		send[dest] = encodeRuns(rr, x, p.localRows, p.nrhs, rowOf)
	}

	recv, err := bus.AllToAllV(ctx, self, send)
	if err != nil {
		return nil, err
	}
	myFst, myMloc := p.ranges[self].FstRow, p.ranges[self].MLoc
	b := make([]float64, myMloc*p.nrhs)
	placeOf := func(r int) int { return r - myFst }
	for _, payload := range recv {
		decodeRuns(payload, b, myMloc, p.nrhs, placeOf)
	}
	_ = myFst
	return b, nil
}
