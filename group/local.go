// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package group

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
)

// Local returns the members of an in-process group of size n. Members
// are meant to be driven by separate goroutines. Each member may
// gather repeatedly: the k-th call to Gather on every member forms
// the k-th gather of the group. A single member must not gather
// concurrently with itself.
func Local(n int) []Group {
	if n <= 0 {
		panic("group.Local: n <= 0")
	}
	shared := &localGroup{size: n, rounds: make(map[int]*localRound)}
	members := make([]Group, n)
	for i := range members {
		members[i] = &localMember{rank: i, group: shared}
	}
	return members
}

type localGroup struct {
	size int

	mu     sync.Mutex
	rounds map[int]*localRound
}

// A localRound is one gather of a local group.
type localRound struct {
	root     int
	gatherer *Gatherer
	// left is the number of members that have returned from the
	// round; the round is forgotten when all have.
	left int
}

func (g *localGroup) round(k, root int) (*localRound, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := g.rounds[k]
	if r == nil {
		r = &localRound{root: root, gatherer: NewGatherer(g.size)}
		g.rounds[k] = r
	}
	if r.root != root {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("group: gather %d rooted at %d, not %d", k, r.root, root))
	}
	return r, nil
}

func (g *localGroup) leave(k int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := g.rounds[k]
	r.left++
	if r.left == g.size {
		delete(g.rounds, k)
	}
}

type localMember struct {
	rank  int
	group *localGroup
	next  int
}

func (m *localMember) Rank() int { return m.rank }
func (m *localMember) Size() int { return m.group.size }

func (m *localMember) Gather(ctx context.Context, root int, v float64) ([]float64, error) {
	if root < 0 || root >= m.group.size {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("group: root %d out of range [0, %d)", root, m.group.size))
	}
	k := m.next
	r, err := m.group.round(k, root)
	if err != nil {
		return nil, err
	}
	m.next++
	defer m.group.leave(k)
	if err := r.gatherer.Put(m.rank, v); err != nil {
		return nil, err
	}
	values, err := r.gatherer.Wait(ctx)
	if err != nil || m.rank != root {
		return nil, err
	}
	return values, nil
}
