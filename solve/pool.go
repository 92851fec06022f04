// Copyright ©2024 The dsolve Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package solve

import (
	"math/bits"
	"sync"
)

// poolFor returns the ceiling of base 2 log of size, the same bucketing
// mat/pool.go uses to index its size-stratified Dense/VecDense pools:
// pool element i holds buffers with a capacity of at least 1<<i.
func poolFor(size int) int {
	if size <= 0 {
		return 0
	}
	return bits.Len(uint(size - 1))
}

// floatPool is the solve core's equivalent of mat/pool.go's poolFloats:
// a size-stratified array of sync.Pool, one per power-of-two bucket,
// for the []float64 scratch buffers the forward/backward sweeps
// allocate and discard on every supernode they touch.
var floatPool [64]sync.Pool

// getFloats returns a zeroed []float64 of length n, reused from the
// pool when a same-bucket buffer is available.
func getFloats(n int) []float64 {
	idx := poolFor(n)
	var buf []float64
	if v := floatPool[idx].Get(); v != nil {
		p := v.(*[]float64)
		buf = (*p)[:cap(*p)]
	} else {
		buf = make([]float64, 1<<uint(idx))
	}
	buf = buf[:n]
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// putFloats returns buf to the pool bucket matching its capacity.
// putFloats must not be called while any other reference to buf's
// backing array is still live — in particular, a buffer handed to
// transport.Bus.Send without first being copied has passed ownership
// to the receiver and must never be pooled.
func putFloats(buf []float64) {
	floatPool[poolFor(cap(buf))].Put(&buf)
}

// sameBuffer reports whether a and b share the same backing array,
// which solveForwardDiag/solveBackwardDiag's dual in-place-TRSM versus
// fresh-output-buffer paths need to distinguish before returning a
// buffer to the pool.
func sameBuffer(a, b []float64) bool {
	return len(a) > 0 && len(b) > 0 && &a[0] == &b[0]
}
