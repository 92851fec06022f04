// Copyright ©2024 The dsolve Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package diag

import (
	"context"
	"testing"
	"time"
)

func TestSilentLoggerNeverPanics(t *testing.T) {
	l := New(Silent, 0)
	ctx := context.Background()
	l.PhaseStart("forward")
	l.PhaseEnd(ctx, "forward")
	l.Summary(ctx, 8, 1, time.Millisecond, 0)
	l.Messages(ctx, "forward", 3, 3)
	l.SingularDiag(ctx, 2)
}

func TestNonRootRankIsSilentEvenAtVerbose(t *testing.T) {
	l := New(Verbose, 1)
	if l.active(Summary) {
		t.Fatal("non-root rank must never be active")
	}
}

func TestZeroValueLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.PhaseStart("x")
	l.PhaseEnd(context.Background(), "x")
}

func TestRootVerboseLoggerReportsPhase(t *testing.T) {
	l := New(Verbose, 0)
	l.PhaseStart("forward")
	time.Sleep(time.Millisecond)
	if !l.active(Verbose) {
		t.Fatal("root rank at Verbose should be active")
	}
	l.PhaseEnd(context.Background(), "forward")
}
