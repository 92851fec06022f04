// Copyright ©2024 The dsolve Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package diag provides rank-0-gated structured diagnostics for the
// solve core, standing in for the original's build-time
// PRNTlevel/DEBUGlevel #if-gated printfs (spec.md §6). No example repo
// in this module's lineage depends on a third-party structured
// logging library, so this package is built directly on the standard
// library's log/slog.
package diag

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Level is the verbosity gate a solve call runs under, the Go-native
// replacement for a compile-time PRNTlevel/DEBUGlevel constant.
//
//go:generate stringer -type=Level
type Level int

const (
	// Silent emits nothing.
	Silent Level = iota
	// Summary emits one line per solve call: shape, timing, singular
	// diagonal if any.
	Summary
	// Verbose additionally emits per-phase timings and message counts.
	Verbose
)

// Logger is a rank-scoped diagnostics sink. The zero Logger is Silent
// and safe to use.
type Logger struct {
	level  Level
	rank   int
	slog   *slog.Logger
	phases map[string]time.Time
}

// New returns a Logger for rank that emits at level, writing
// structured text to stderr. Only rank 0 actually emits: every other
// rank's Logger is built the same way but silenced, mirroring the
// original's "only process 0 prints" convention.
func New(level Level, rank int) *Logger {
	l := &Logger{level: level, rank: rank, phases: map[string]time.Time{}}
	if level > Silent && rank == 0 {
		l.slog = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return l
}

func (l *Logger) active(min Level) bool {
	return l != nil && l.slog != nil && l.level >= min
}

// Summary logs the one-line, Summary-level shape/timing/result record
// for a completed solve call.
func (l *Logger) Summary(ctx context.Context, n, nrhs int, elapsed time.Duration, info int) {
	if !l.active(Summary) {
		return
	}
	l.slog.InfoContext(ctx, "solve complete", "n", n, "nrhs", nrhs, "elapsed", elapsed, "info", info)
}

// PhaseStart marks the beginning of a named phase (e.g. "forward",
// "backward", "scatter"); PhaseEnd reports its duration, at Verbose
// level only.
func (l *Logger) PhaseStart(name string) {
	if l == nil || l.phases == nil {
		return
	}
	l.phases[name] = time.Now()
}

// PhaseEnd logs the elapsed time since the matching PhaseStart, if
// this Logger is Verbose and rank-0.
func (l *Logger) PhaseEnd(ctx context.Context, name string) {
	if !l.active(Verbose) {
		return
	}
	start, ok := l.phases[name]
	if !ok {
		return
	}
	l.slog.InfoContext(ctx, "phase complete", "phase", name, "elapsed", time.Since(start))
}

// Messages logs a per-phase message-count tally, at Verbose level
// only: the Go analogue of the original's message-count counters
// under DEBUGlevel>=2.
func (l *Logger) Messages(ctx context.Context, phase string, sent, received int) {
	if !l.active(Verbose) {
		return
	}
	l.slog.InfoContext(ctx, "message tally", "phase", phase, "sent", sent, "received", received)
}

// SingularDiag logs a detected singular diagonal block at Summary
// level, since it is part of a solve's result, not just its timing.
func (l *Logger) SingularDiag(ctx context.Context, supernode int) {
	if !l.active(Summary) {
		return
	}
	l.slog.WarnContext(ctx, "singular diagonal block", "supernode", supernode)
}
