// Copyright ©2024 The dsolve Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kernel provides the dense, single-process block kernels the
// solve core needs: triangular solve, general matrix multiply, and
// triangular inverse. All three delegate to gonum's blas64/lapack64
// packages, which this module treats as the "external BLAS-equivalent"
// collaborator spec.md §1 assumes — the numeric work itself is not
// reimplemented here.
package kernel

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/lapack/lapack64"
)

// Block is a dense, column-major block of width Cols and leading
// dimension Stride, the storage convention panels use throughout this
// module (spec.md §3: "dense numerical values column-major with
// leading dimension equal to total row count of the panel").
type Block struct {
	Rows, Cols, Stride int
	Data               []float64
}

// general returns the row-major blas64 view of b's column-major
// storage, which is the same memory read as b's transpose.
func (b Block) general() blas64.General {
	return blas64.General{Rows: b.Cols, Cols: b.Rows, Stride: b.Stride, Data: b.Data}
}

// Triangle is a dense square triangular block, unit or non-unit
// diagonal, upper or lower, column-major with leading dimension Stride.
type Triangle struct {
	N, Stride int
	Data      []float64
	Upper     bool
	UnitDiag  bool
}

// triangular returns the row-major blas64 view of t's column-major
// storage: t's transpose, so a lower triangle reads as upper and vice
// versa.
func (t Triangle) triangular() blas64.Triangular {
	uplo := blas.Upper
	if t.Upper {
		uplo = blas.Lower
	}
	diag := blas.NonUnit
	if t.UnitDiag {
		diag = blas.Unit
	}
	return blas64.Triangular{N: t.N, Stride: t.Stride, Data: t.Data, Uplo: uplo, Diag: diag}
}

// Trsm solves, in place, L*X = alpha*B (or U*X = alpha*B, depending on
// a.Upper), overwriting b with the result: the in-place-TRSM path of
// spec.md §4.6.
func Trsm(alpha float64, a Triangle, b Block) {
	// A*X = alpha*B in column-major is X^T*A^T = alpha*B^T in the
	// row-major views.
	blas64.Trsm(blas.Right, blas.NoTrans, alpha, a.triangular(), b.general())
}

// Gemm computes c := alpha*a*b + beta*c, the GEMM-style update used
// both for "multiply by inverse" diagonal solves and for off-diagonal
// LSUM updates (spec.md §4.6).
func Gemm(alpha float64, a, b Block, beta float64, c Block) {
	// c = alpha*a*b + beta*c in column-major is c^T = alpha*b^T*a^T +
	// beta*c^T in the row-major views.
	blas64.Gemm(blas.NoTrans, blas.NoTrans, alpha, b.general(), a.general(), beta, c.general())
}

// Trtri computes the dense inverse of the unit-lower or non-unit-upper
// triangle t into a freshly allocated N×N buffer (spec.md §4.2). It
// reports ok=false if a zero pivot was detected, in which case the
// returned data is not a valid inverse (the caller propagates this as
// a nonzero info code per spec.md §7's singular-diagonal case).
func Trtri(t Triangle) (inv []float64, ok bool) {
	data := make([]float64, t.N*t.N)
	copy(data, t.Data)
	tri := Triangle{N: t.N, Stride: t.N, Data: data, Upper: t.Upper, UnitDiag: t.UnitDiag}.triangular()
	// Inverting the transposed view in place leaves inv(t)^T in
	// row-major order, which is inv(t) read column-major.
	ok = lapack64.Trtri(tri)
	return data, ok
}
