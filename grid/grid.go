// Copyright ©2024 The dsolve Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package grid describes the two-dimensional process mesh that a
// distributed triangular solve runs over: a P_r×P_c rectangle of
// process ranks, with row and column scopes used for reductions and
// broadcasts.
package grid

import "fmt"

// Grid is an immutable P_r×P_c process mesh. Rank numbering is
// row-major: Rank(r, c) == r*Pc + c.
type Grid struct {
	Pr, Pc int
}

// New returns a Grid with the given row and column counts. It panics
// if either count is non-positive.
func New(pr, pc int) *Grid {
	if pr <= 0 || pc <= 0 {
		panic(fmt.Sprintf("grid: invalid shape %d×%d", pr, pc))
	}
	return &Grid{Pr: pr, Pc: pc}
}

// Procs returns the total number of ranks in the mesh.
func (g *Grid) Procs() int { return g.Pr * g.Pc }

// Rank returns the rank number of the process at mesh position (row, col).
func (g *Grid) Rank(row, col int) int { return row*g.Pc + col }

// RowOf returns the mesh row of the given rank.
func (g *Grid) RowOf(rank int) int { return rank / g.Pc }

// ColOf returns the mesh column of the given rank.
func (g *Grid) ColOf(rank int) int { return rank % g.Pc }

// OwnerRow returns the mesh row that owns supernode k in the row
// dimension (block-cyclic over P_r).
func (g *Grid) OwnerRow(k int) int { return k % g.Pr }

// OwnerCol returns the mesh column that owns supernode k in the column
// dimension (block-cyclic over P_c).
func (g *Grid) OwnerCol(k int) int { return k % g.Pc }

// DiagOwner returns the rank owning the (k,k) diagonal block of
// supernode k.
func (g *Grid) DiagOwner(k int) int { return g.Rank(g.OwnerRow(k), g.OwnerCol(k)) }

// LocalBlockRow returns the local block-row index for global supernode
// k, given this mesh's row count (the "LBi" macro of the original).
func (g *Grid) LocalBlockRow(k int) int { return k / g.Pr }

// LocalBlockCol returns the local block-column index for global
// supernode k, given this mesh's column count (the "LBj" macro of the
// original).
func (g *Grid) LocalBlockCol(k int) int { return k / g.Pc }

// RowScope returns the ranks sharing this grid row (the row scope used
// by reduction trees), in column order.
func (g *Grid) RowScope(row int) []int {
	ranks := make([]int, g.Pc)
	for c := range ranks {
		ranks[c] = g.Rank(row, c)
	}
	return ranks
}

// ColScope returns the ranks sharing this grid column (the column
// scope used by broadcast trees), in row order.
func (g *Grid) ColScope(col int) []int {
	ranks := make([]int, g.Pr)
	for r := range ranks {
		ranks[r] = g.Rank(r, col)
	}
	return ranks
}

// NumLocalBlocks returns the number of local block-rows (or, by
// symmetry, block-columns) an owner sees for nsupers global
// supernodes distributed block-cyclically over p mesh lines: the
// "CEILING(nsupers, p)" quantity from the original.
func NumLocalBlocks(nsupers, p int) int {
	return (nsupers + p - 1) / p
}
