// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package group defines process groups: fixed, ordered sets of ranks
// that cooperate through a single collective, the gather. Package
// group also provides an in-process implementation, Local, and the
// Gatherer used by root ranks of every implementation.
package group

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpi/ctxsync"
)

// A Group is one member's view of a process group. A group's size and
// the member's rank are fixed for its lifetime.
type Group interface {
	// Rank returns the member's zero-based rank.
	Rank() int
	// Size returns the number of members in the group.
	Size() int
	// Gather contributes v to a gather rooted at rank root. Gather
	// blocks until every member of the group has contributed, or
	// until ctx is done. The root receives all contributions in rank
	// order; other members receive nil.
	Gather(ctx context.Context, root int, v float64) ([]float64, error)
}

// A Gatherer collects one contribution from each rank of a group of
// a fixed size.
type Gatherer struct {
	mu      sync.Mutex
	cond    *ctxsync.Cond
	values  []float64
	present []bool
	n       int
}

// NewGatherer returns a Gatherer for a group of the given size.
func NewGatherer(size int) *Gatherer {
	g := &Gatherer{
		values:  make([]float64, size),
		present: make([]bool, size),
	}
	g.cond = ctxsync.NewCond(&g.mu)
	return g
}

// Size returns the number of contributions the gatherer waits for.
func (g *Gatherer) Size() int {
	return len(g.values)
}

// Put records the contribution of the provided rank. Each rank may
// contribute once.
func (g *Gatherer) Put(rank int, v float64) error {
	if rank < 0 || rank >= len(g.values) {
		return errors.E(errors.Invalid, fmt.Sprintf("group: rank %d out of range [0, %d)", rank, len(g.values)))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.present[rank] {
		return errors.E(errors.Exists, fmt.Sprintf("group: rank %d already contributed", rank))
	}
	g.values[rank] = v
	g.present[rank] = true
	g.n++
	if g.n == len(g.values) {
		g.cond.Broadcast()
	}
	return nil
}

// Wait blocks until all ranks have contributed, and then returns the
// contributions in rank order. If ctx is done first, Wait returns the
// context's error.
func (g *Gatherer) Wait(ctx context.Context) ([]float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.cond.WaitFor(ctx, func() bool { return g.n == len(g.values) }); err != nil {
		return nil, err
	}
	return append([]float64(nil), g.values...), nil
}
