// Copyright ©2024 The dsolve Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package solve drives the distributed forward (L) and backward (U)
// substitution sweeps across a process mesh: the self-scheduling,
// message-driven heart of the whole module (spec.md §4.3/§4.4),
// orchestrated around the redistribution, panel, and commtree
// packages.
//
// A "process" here is one goroutine calling Solve with its own rank's
// Process value; every rank must call Solve concurrently (one call per
// rank) against a shared Factor and transport.Bus for a solve to make
// progress, since ranks block on messages from one another.
package solve

import (
	"context"
	"fmt"
	"time"

	"github.com/sparselu/dsolve/grid"
	"github.com/sparselu/dsolve/internal/diag"
	"github.com/sparselu/dsolve/kernel"
	"github.com/sparselu/dsolve/panel"
	"github.com/sparselu/dsolve/redist"
	"github.com/sparselu/dsolve/transport"
)

// Process is one rank's runtime handle: its identity in the grid, the
// shared transport, and the read-only factor it solves against.
type Process struct {
	Self   int
	Grid   *grid.Grid
	Bus    *transport.Bus
	Factor *panel.Factor
}

// Options tunes a solve call. The zero Options runs in-place TRSM and
// stays silent.
type Options struct {
	// UseDiagInverse selects the "multiply by precomputed inverse" path
	// over the in-place TRSM path for every diagonal block solve
	// (spec.md §9's resolved inv flag).
	UseDiagInverse bool
	Verbosity      diag.Level
}

// Counters is the per-call FMOD/BMOD/FRECV/BRECV bookkeeping spec.md
// §3 names: for each local block row self owns, how many local GEMM
// contributions (FMOD/BMOD) and reduction-tree messages (FRECV/BRECV)
// remain before that row's diagonal solve, or its own upward
// Contribute, may fire. Both pairs start from the factor's templates
// and are driven to zero as the forward/backward sweeps consume
// contributions; a row's value is final only once both its own
// modification count and its message count reach zero, matching the
// original's dual FMOD/FRECV (resp. BMOD/BRECV) gating. NFRECVX and
// NFRECVMOD tally broadcast and reduction messages received across the
// whole call, for the monotonicity property solve_test.go checks.
type Counters struct {
	FMOD  []int
	BMOD  []int
	FRECV []int
	BRECV []int

	NFRECVX   int
	NFRECVMOD int
}

func newCounters(f *panel.Factor) *Counters {
	return &Counters{
		FMOD:  append([]int(nil), f.FMODTemplate...),
		BMOD:  append([]int(nil), f.BMODTemplate...),
		FRECV: append([]int(nil), f.FRECVTemplate...),
		BRECV: append([]int(nil), f.BRECVTemplate...),
	}
}

// Solve runs a full forward-then-backward distributed triangular
// solve for self's rank: it redistributes b into the factor's internal
// X layout, sweeps L then U, and redistributes the result back into b
// in place. n is the global matrix order, nrhs the number of
// right-hand sides, ldb b's leading dimension, and fstRow/mLoc self's
// slice of B's global rows (spec.md §3).
//
// info is 0 on success, the 1-based index of the first singular
// diagonal block this rank detected during factorization (spec.md
// §7; the solve still runs and err is nil), or a negative code
// alongside a non-nil err: -1 to -4 for an invalid argument, -5 to -8
// for a failed phase.
func Solve(ctx context.Context, proc *Process, opts Options, n, nrhs, ldb, fstRow, mLoc int, b []float64) (info int, err error) {
	if n < 0 || nrhs < 0 {
		return -1, fmt.Errorf("solve: invalid shape n=%d nrhs=%d", n, nrhs)
	}
	if ldb < mLoc {
		return -2, fmt.Errorf("solve: ldb=%d smaller than mLoc=%d", ldb, mLoc)
	}
	if proc.Factor.Supernodes.N() != n {
		return -3, fmt.Errorf("solve: factor is for n=%d, called with n=%d", proc.Factor.Supernodes.N(), n)
	}
	ranges := redist.EvenRowRanges(n, proc.Grid.Procs())
	want := ranges[proc.Self]
	if want.FstRow != fstRow || want.MLoc != mLoc {
		return -4, fmt.Errorf("solve: rank %d given fstRow/mLoc (%d,%d), want (%d,%d)",
			proc.Self, fstRow, mLoc, want.FstRow, want.MLoc)
	}

	logger := diag.New(opts.Verbosity, proc.Self)
	start := time.Now()

	plan := redist.NewPlan(proc.Grid, proc.Factor.Supernodes, proc.Self, ranges, nrhs, proc.Factor.PermR, proc.Factor.PermC)
	logger.PhaseStart("scatter")
	x, err := redist.ScatterBToX(ctx, proc.Bus, plan, b, ldb)
	if err != nil {
		return -5, fmt.Errorf("solve: scatter: %w", err)
	}
	logger.PhaseEnd(ctx, "scatter")

	counters := newCounters(proc.Factor)

	logger.PhaseStart("forward")
	if err := runForward(ctx, proc, opts, x, plan.LocalRows(), nrhs, counters); err != nil {
		return -6, fmt.Errorf("solve: forward sweep: %w", err)
	}
	logger.PhaseEnd(ctx, "forward")

	logger.PhaseStart("backward")
	if err := runBackward(ctx, proc, opts, x, plan.LocalRows(), nrhs, counters); err != nil {
		return -7, fmt.Errorf("solve: backward sweep: %w", err)
	}
	logger.PhaseEnd(ctx, "backward")

	logger.PhaseStart("gather")
	back, err := redist.GatherXToB(ctx, proc.Bus, plan, x)
	if err != nil {
		return -8, fmt.Errorf("solve: gather: %w", err)
	}
	logger.PhaseEnd(ctx, "gather")

	for j := 0; j < nrhs; j++ {
		for i := 0; i < mLoc; i++ {
			b[j*ldb+i] = back[j*mLoc+i]
		}
	}

	info = proc.Factor.SingularDiag
	logger.Summary(ctx, n, nrhs, time.Since(start), info)
	return info, nil
}

// tag numbering keeps the four (phase, supernode) message classes
// disjoint on a shared Bus: each class gets a distinct residue mod 4.
func tagFwdBcast(k int) int  { return k*4 + 0 }
func tagFwdReduce(k int) int { return k*4 + 1 }
func tagBwdBcast(k int) int  { return k*4 + 2 }
func tagBwdReduce(k int) int { return k*4 + 3 }

// inbox is a per-rank tag-matching receive queue layered over a
// transport.Bus: messages that arrive out of the order this rank
// currently wants are stashed locally rather than dropped, since two
// ranks can legitimately be a step apart in the shared supernode loop.
type inbox struct {
	bus     *transport.Bus
	self    int
	pending []transport.Message
}

// RecvTag implements commtree.Receiver, so a BroadcastTree or
// ReductionTree can block on a specific tag through the same stash
// this rank's own direct recvTag-style waits use.
func (ib *inbox) RecvTag(ctx context.Context, tag int) ([]float64, error) {
	for i, m := range ib.pending {
		if m.Tag == tag {
			ib.pending = append(ib.pending[:i:i], ib.pending[i+1:]...)
			return m.Payload, nil
		}
	}
	for {
		m, err := ib.bus.Recv(ctx, ib.self)
		if err != nil {
			return nil, err
		}
		if m.Tag == tag {
			return m.Payload, nil
		}
		ib.pending = append(ib.pending, m)
	}
}

func contains(ranks []int, self int) bool {
	for _, r := range ranks {
		if r == self {
			return true
		}
	}
	return false
}

func localCol(g *grid.Grid, self, k int) (int, bool) {
	if g.OwnerCol(k) != g.ColOf(self) {
		return 0, false
	}
	return g.LocalBlockCol(k), true
}

func localRow(g *grid.Grid, self, k int) (int, bool) {
	if g.OwnerRow(k) != g.RowOf(self) {
		return 0, false
	}
	return g.LocalBlockRow(k), true
}

func addInto(dst, src []float64) {
	for i, v := range src {
		dst[i] += v
	}
}

// packBlock copies the rows-row, cols-column sub-block starting at
// local row off out of a column-major buffer with leading dimension
// ld into a freshly allocated, densely packed buffer.
func packBlock(x []float64, ld, off, rows, cols int) []float64 {
	out := getFloats(rows * cols)
	for j := 0; j < cols; j++ {
		copy(out[j*rows:(j+1)*rows], x[j*ld+off:j*ld+off+rows])
	}
	return out
}

// unpackBlock is packBlock's inverse: it writes src back into x's
// sub-block at local row off.
func unpackBlock(x []float64, ld, off, rows, cols int, src []float64) {
	for j := 0; j < cols; j++ {
		copy(x[j*ld+off:j*ld+off+rows], src[j*rows:(j+1)*rows])
	}
}

// runForward sweeps global supernodes k = 0..NSUP-1, solving L*y = Pb
// in place into x. Every rank executes the same k loop; a rank with no
// role at a given k (outside both that supernode's row and column
// scope) simply falls through to the next iteration.
func runForward(ctx context.Context, proc *Process, opts Options, x []float64, ldx, nrhs int, c *Counters) error {
	g, f := proc.Grid, proc.Factor
	sn := f.Supernodes
	self := proc.Self
	ib := &inbox{bus: proc.Bus, self: self}
	pending := map[int][]float64{}
	xOff, _, _ := redist.OwnedOffsets(g, sn, self)

	for k := 0; k < sn.Count(); k++ {
		diagRank := sn.Owner(g, k)
		sz := sn.Size(k)

		rowTeam := g.RowScope(g.OwnerRow(k))
		if contains(rowTeam, self) {
			rt := f.LRTree[k]
			sum := pending[k]
			if sum == nil {
				sum = getFloats(sz * nrhs)
			}
			lb, hasRow := localRow(g, self, k)

			if rt != nil {
				folded, err := rt.ExposeSum(ctx, ib, tagFwdReduce(k), sum)
				if err != nil {
					return err
				}
				sum = folded
				n := len(rt.Children())
				c.NFRECVMOD += n
				if hasRow && lb < len(c.FRECV) {
					c.FRECV[lb] -= n
				}
			}
			if hasRow && lb < len(c.FMOD) && lb < len(c.FRECV) {
				if c.FMOD[lb] != 0 || c.FRECV[lb] != 0 {
					return fmt.Errorf("solve: forward sweep: supernode %d fired with FMOD=%d FRECV=%d", k, c.FMOD[lb], c.FRECV[lb])
				}
			}

			if self == diagRank {
				lc, _ := localCol(g, self, k)
				lp := f.LPanels[lc]
				localOff := xOff[k]
				packed := packBlock(x, ldx, localOff, sz, nrhs)
				for i := range packed {
					packed[i] -= sum[i]
				}
				putFloats(sum)
				xk := solveForwardDiag(opts, lp, sz, nrhs, packed)
				unpackBlock(x, ldx, localOff, sz, nrhs, xk)

				if bt := f.LBTree[k]; bt != nil {
					if err := bt.Forward(ctx, proc.Bus, tagFwdBcast(k), append([]float64(nil), xk...)); err != nil {
						return err
					}
					if err := bt.WaitSends(); err != nil {
						return err
					}
				}
				applyLUpdates(f, g, self, k, xk, nrhs, pending, c)
				if !sameBuffer(xk, packed) {
					putFloats(packed)
				}
				putFloats(xk)
			} else if rt != nil {
				if err := rt.Contribute(ctx, proc.Bus, tagFwdReduce(k), sum); err != nil {
					return err
				}
				if err := rt.WaitSends(); err != nil {
					return err
				}
			}
		}

		colTeam := g.ColScope(g.OwnerCol(k))
		if self != diagRank && contains(colTeam, self) {
			if bt := f.LBTree[k]; bt != nil {
				payload, err := bt.ReceiveAndForward(ctx, ib, proc.Bus, tagFwdBcast(k))
				if err != nil {
					return err
				}
				if err := bt.WaitSends(); err != nil {
					return err
				}
				c.NFRECVX++
				applyLUpdates(f, g, self, k, payload, nrhs, pending, c)
			}
		}
	}
	return nil
}

// solveForwardDiag applies supernode k's forward diagonal solve to rhs
// (sz*nrhs, column-major with leading dimension sz), in the
// precomputed-inverse or in-place-TRSM style per opts, returning the
// buffer holding x_k.
func solveForwardDiag(opts Options, lp *panel.LPanel, sz, nrhs int, rhs []float64) []float64 {
	if opts.UseDiagInverse {
		out := getFloats(sz * nrhs)
		a := kernel.Block{Rows: sz, Cols: sz, Stride: sz, Data: lp.Linv}
		b := kernel.Block{Rows: sz, Cols: nrhs, Stride: sz, Data: rhs}
		c := kernel.Block{Rows: sz, Cols: nrhs, Stride: sz, Data: out}
		kernel.Gemm(1, a, b, 0, c)
		return out
	}
	kernel.Trsm(1, lp.LowerTriangle(), kernel.Block{Rows: sz, Cols: nrhs, Stride: sz, Data: rhs})
	return rhs
}

// applyLUpdates applies self's off-diagonal L blocks in block-column k
// (if any) to xk, accumulating each contribution into pending, keyed
// by the contributed-to global row.
func applyLUpdates(f *panel.Factor, g *grid.Grid, self, k int, xk []float64, nrhs int, pending map[int][]float64, cnt *Counters) {
	lc, ok := localCol(g, self, k)
	if !ok {
		return
	}
	lp, ok := f.LPanels[lc]
	if !ok {
		return
	}
	start := 0
	if lp.HasDiag(k) {
		start = 1
	}
	for i := start; i < len(lp.BlockRows); i++ {
		rowGlobal := lp.BlockRows[i]
		blk := lp.Block(i, lp.Cols)
		contrib := getFloats(blk.Rows * nrhs)
		a := blk
		b := kernel.Block{Rows: lp.Cols, Cols: nrhs, Stride: lp.Cols, Data: xk}
		out := kernel.Block{Rows: blk.Rows, Cols: nrhs, Stride: blk.Rows, Data: contrib}
		kernel.Gemm(1, a, b, 0, out)

		buf, ok := pending[rowGlobal]
		if !ok {
			buf = getFloats(blk.Rows * nrhs)
			pending[rowGlobal] = buf
		}
		addInto(buf, contrib)
		putFloats(contrib)

		if lb, ok := localRow(g, self, rowGlobal); ok && lb < len(cnt.FMOD) {
			cnt.FMOD[lb]--
		}
	}
}

// precomputeBRECV cross-checks every row-team's backward reduction
// count against an independent collective computation before the
// backward sweep starts, mirroring the original's brecv/mod_bit
// MPI_Allreduce pre-pass (pdgstrs.c's dgstrs_Bglobal setup): each rank
// contributes a 0/1 "do I hold a real off-diagonal U block targeting
// row k" bit per global supernode, transport.Bus.AllReduceSum sums
// those bits across self's row team, and the sum must equal the
// backward reduction tree's own static Children() count. A mismatch
// means the tree's shape and the factor's actual U sparsity have
// drifted apart, which no amount of message-driven scheduling could
// recover from.
//
// Every rank in a row team reaches this call at the same point (the
// very start of runBackward, before any per-supernode work), so the
// collective's synchronization requirement is satisfied without extra
// coordination.
func precomputeBRECV(ctx context.Context, proc *Process) error {
	g, f := proc.Grid, proc.Factor
	self := proc.Self
	nsup := f.Supernodes.Count()

	modBit := make([]float64, nsup)
	for _, entries := range f.UIndex {
		for _, e := range entries {
			if g.OwnerRow(e.RowBlock) == g.RowOf(self) {
				modBit[e.RowBlock] = 1
			}
		}
	}

	rowTeam := g.RowScope(g.RowOf(self))
	total, err := proc.Bus.AllReduceSum(ctx, self, rowTeam, modBit)
	if err != nil {
		return fmt.Errorf("solve: BRECV precompute: %w", err)
	}
	for k := 0; k < nsup; k++ {
		if g.OwnerRow(k) != g.RowOf(self) {
			continue
		}
		rt := f.URTree[k]
		if rt == nil {
			continue
		}
		if want, got := len(rt.Children()), int(total[k]+0.5); want != got {
			return fmt.Errorf("solve: BRECV precompute mismatch at supernode %d: tree expects %d contributing ranks, mod_bit sum is %d", k, want, got)
		}
	}
	return nil
}

// runBackward sweeps global supernodes k = NSUP-1..0, solving U*x = y
// in place into x, mirroring runForward with row/column roles and
// tree pairs swapped.
func runBackward(ctx context.Context, proc *Process, opts Options, x []float64, ldx, nrhs int, c *Counters) error {
	g, f := proc.Grid, proc.Factor
	sn := f.Supernodes
	self := proc.Self
	ib := &inbox{bus: proc.Bus, self: self}
	pending := map[int][]float64{}
	xOff, _, _ := redist.OwnedOffsets(g, sn, self)

	if err := precomputeBRECV(ctx, proc); err != nil {
		return err
	}

	for k := sn.Count() - 1; k >= 0; k-- {
		diagRank := sn.Owner(g, k)
		sz := sn.Size(k)

		rowTeam := g.RowScope(g.OwnerRow(k))
		if contains(rowTeam, self) {
			rt := f.URTree[k]
			sum := pending[k]
			if sum == nil {
				sum = getFloats(sz * nrhs)
			}
			lb, hasRow := localRow(g, self, k)

			if rt != nil {
				folded, err := rt.ExposeSum(ctx, ib, tagBwdReduce(k), sum)
				if err != nil {
					return err
				}
				sum = folded
				n := len(rt.Children())
				c.NFRECVMOD += n
				if hasRow && lb < len(c.BRECV) {
					c.BRECV[lb] -= n
				}
			}
			if hasRow && lb < len(c.BMOD) && lb < len(c.BRECV) {
				if c.BMOD[lb] != 0 || c.BRECV[lb] != 0 {
					return fmt.Errorf("solve: backward sweep: supernode %d fired with BMOD=%d BRECV=%d", k, c.BMOD[lb], c.BRECV[lb])
				}
			}

			if self == diagRank {
				lc, _ := localCol(g, self, k)
				localOff := xOff[k]
				packed := packBlock(x, ldx, localOff, sz, nrhs)
				for i := range packed {
					packed[i] -= sum[i]
				}
				putFloats(sum)
				xk := solveBackwardDiag(opts, f, lc, sz, nrhs, packed)
				unpackBlock(x, ldx, localOff, sz, nrhs, xk)

				if bt := f.UBTree[k]; bt != nil {
					if err := bt.Forward(ctx, proc.Bus, tagBwdBcast(k), append([]float64(nil), xk...)); err != nil {
						return err
					}
					if err := bt.WaitSends(); err != nil {
						return err
					}
				}
				applyUUpdates(f, g, self, k, xk, nrhs, pending, c)
				if !sameBuffer(xk, packed) {
					putFloats(packed)
				}
				putFloats(xk)
			} else if rt != nil {
				if err := rt.Contribute(ctx, proc.Bus, tagBwdReduce(k), sum); err != nil {
					return err
				}
				if err := rt.WaitSends(); err != nil {
					return err
				}
			}
		}

		colTeam := g.ColScope(g.OwnerCol(k))
		if self != diagRank && contains(colTeam, self) {
			if bt := f.UBTree[k]; bt != nil {
				payload, err := bt.ReceiveAndForward(ctx, ib, proc.Bus, tagBwdBcast(k))
				if err != nil {
					return err
				}
				if err := bt.WaitSends(); err != nil {
					return err
				}
				c.NFRECVX++
				applyUUpdates(f, g, self, k, payload, nrhs, pending, c)
			}
		}
	}
	return nil
}

func solveBackwardDiag(opts Options, f *panel.Factor, lc, sz, nrhs int, rhs []float64) []float64 {
	lp := f.LPanels[lc]
	if opts.UseDiagInverse {
		out := getFloats(sz * nrhs)
		a := kernel.Block{Rows: sz, Cols: sz, Stride: sz, Data: lp.Uinv}
		b := kernel.Block{Rows: sz, Cols: nrhs, Stride: sz, Data: rhs}
		c := kernel.Block{Rows: sz, Cols: nrhs, Stride: sz, Data: out}
		kernel.Gemm(1, a, b, 0, c)
		return out
	}
	kernel.Trsm(1, lp.DiagUpper(), kernel.Block{Rows: sz, Cols: nrhs, Stride: sz, Data: rhs})
	return rhs
}

// applyUUpdates applies every U block that references global column
// jcol (found via the factor's vertical linked list, since U's natural
// storage is by block-row, not block-column) to xk, accumulating each
// contribution into pending, keyed by the contributed-to global row.
func applyUUpdates(f *panel.Factor, g *grid.Grid, self, jcol int, xk []float64, nrhs int, pending map[int][]float64, cnt *Counters) {
	lj, ok := localCol(g, self, jcol)
	if !ok {
		return
	}
	szCol := f.Supernodes.Size(jcol)
	for _, e := range f.UIndex[lj] {
		lb, ok := localRow(g, self, e.RowBlock)
		if !ok {
			continue
		}
		up, ok := f.UPanels[lb]
		if !ok {
			continue
		}
		szRow := f.Supernodes.Size(e.RowBlock)
		blk := kernel.Block{Rows: szRow, Cols: szCol, Stride: szRow, Data: up.Data[e.ValOffset:]}
		contrib := getFloats(szRow * nrhs)
		b := kernel.Block{Rows: szCol, Cols: nrhs, Stride: szCol, Data: xk}
		out := kernel.Block{Rows: szRow, Cols: nrhs, Stride: szRow, Data: contrib}
		kernel.Gemm(1, blk, b, 0, out)

		buf, ok := pending[e.RowBlock]
		if !ok {
			buf = getFloats(szRow * nrhs)
			pending[e.RowBlock] = buf
		}
		addInto(buf, contrib)
		putFloats(contrib)

		if lb < len(cnt.BMOD) {
			cnt.BMOD[lb]--
		}
	}
}

