// Copyright ©2024 The dsolve Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transport is the message transport spec.md §1 names as an
// external collaborator. In this module a "process" is a goroutine and
// a "mailbox" is a Go channel, so the transport's job shrinks to
// routing tagged payloads between per-rank channels: point-to-point
// send/receive, an all-to-all exchange for B/X redistribution
// (spec.md §4.1), and a row-scope sum-reduction for the cases a
// ReductionTree's root needs a final collective rather than a tree
// walk.
package transport

import (
	"context"
	"fmt"
)

// Message is one tagged payload in flight between two ranks. Tag
// namespacing (which supernode, which phase) is the caller's
// responsibility; transport only carries the envelope. From is set by
// AllToAllV only; Send leaves it zero.
type Message struct {
	From, Tag int
	Payload   []float64
}

// Bus is an in-process, channel-backed transport connecting a fixed
// set of ranks [0, n). It is safe for concurrent use by every rank's
// goroutine.
type Bus struct {
	mailboxes []chan Message
}

// NewBus creates a Bus for n ranks, each with an inbox buffered to
// depth buf (a buffer of 0 makes Send rendezvous with the matching
// Recv, matching MPI's synchronous-send edge case; the solve core
// itself always uses a generous buffer to stay non-blocking, per
// spec.md §5).
func NewBus(n, buf int) *Bus {
	b := &Bus{mailboxes: make([]chan Message, n)}
	for i := range b.mailboxes {
		b.mailboxes[i] = make(chan Message, buf)
	}
	return b
}

// Procs returns the number of ranks this bus was built for.
func (b *Bus) Procs() int { return len(b.mailboxes) }

// Send delivers payload to rank to's inbox, tagged tag, blocking only
// if to's inbox is full or ctx is cancelled first. payload itself, not
// a copy, is handed to the receiver, so the caller must not mutate it
// after Send; solve passes BroadcastTree.Forward a fresh copy of each
// solved block for this reason.
func (b *Bus) Send(ctx context.Context, to, tag int, payload []float64) error {
	if to < 0 || to >= len(b.mailboxes) {
		return fmt.Errorf("transport: send to out-of-range rank %d", to)
	}
	select {
	case b.mailboxes[to] <- Message{Tag: tag, Payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv blocks until any message arrives in self's inbox, or ctx is
// cancelled. This is the transport-level equivalent of the original's
// any-source, any-tag MPI_Recv: the solve core itself demultiplexes on
// the returned Message.Tag.
func (b *Bus) Recv(ctx context.Context, self int) (Message, error) {
	if self < 0 || self >= len(b.mailboxes) {
		return Message{}, fmt.Errorf("transport: recv on out-of-range rank %d", self)
	}
	select {
	case m := <-b.mailboxes[self]:
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// AllToAllV exchanges variable-sized blocks among all ranks: sendData
// holds self's outgoing payload for every destination rank, and the
// returned slice holds the payload self received from every source
// rank. It is the B→X and X→B redistribution primitive of spec.md
// §4.1, built from point-to-point mailbox sends stamped with self as
// Message.From and Recv rather than a single collective call, since
// there is no MPI underneath this module.
func (b *Bus) AllToAllV(ctx context.Context, self int, sendData [][]float64) ([][]float64, error) {
	n := len(b.mailboxes)
	if len(sendData) != n {
		return nil, fmt.Errorf("transport: AllToAllV sendData has %d entries, want %d", len(sendData), n)
	}
	errs := make(chan error, n)
	for to := 0; to < n; to++ {
		to := to
		go func() {
			if to == self {
				errs <- nil
				return
			}
			select {
			case b.mailboxes[to] <- Message{From: self, Tag: alltoallTag, Payload: sendData[to]}:
				errs <- nil
			case <-ctx.Done():
				errs <- ctx.Err()
			}
		}()
	}
	recv := make([][]float64, n)
	recv[self] = sendData[self]
	remaining := n - 1
	for remaining > 0 {
		m, err := b.Recv(ctx, self)
		if err != nil {
			return nil, err
		}
		if m.Tag != alltoallTag {
			continue
		}
		recv[m.From] = m.Payload
		remaining--
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			return nil, err
		}
	}
	return recv, nil
}

// alltoallTag tags AllToAllV traffic so it cannot be mistaken for a
// solve phase's own tree traffic sharing the same Bus.
const alltoallTag = -1

// AllReduceSum sums local element-wise across every rank in ranks and
// returns the result to all of them, via a gather-at-root, sum,
// scatter-back sequence rooted at ranks[0]. The commtree package
// covers the broadcast/reduction-tree traffic the solve core uses on
// its hot path; AllReduceSum serves the coarser row-scope collective
// of solve's precomputeBRECV. Like an MPI collective, every rank in
// ranks must call it together. Its receives take whatever message
// arrives next in self's inbox without checking the tag, so no other
// traffic to these ranks may be in flight concurrently.
func (b *Bus) AllReduceSum(ctx context.Context, self int, ranks []int, local []float64) ([]float64, error) {
	root := ranks[0]
	if self == root {
		sum := make([]float64, len(local))
		copy(sum, local)
		for range ranks[1:] {
			m, err := b.Recv(ctx, self)
			if err != nil {
				return nil, err
			}
			for i, v := range m.Payload {
				sum[i] += v
			}
		}
		for _, r := range ranks[1:] {
			if err := b.Send(ctx, r, allReduceBcastTag, sum); err != nil {
				return nil, err
			}
		}
		return sum, nil
	}
	if err := b.Send(ctx, root, allReduceSumTag, local); err != nil {
		return nil, err
	}
	m, err := b.Recv(ctx, self)
	if err != nil {
		return nil, err
	}
	return m.Payload, nil
}

const (
	allReduceSumTag   = -2
	allReduceBcastTag = -3
)
