// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ctxsync provides synchronization primitives whose waits
// are bounded by a context.
package ctxsync

import (
	"context"
	"sync"
)

// A Cond is a condition variable whose Wait returns early when a
// context is done. The zero Cond is not usable; use NewCond.
type Cond struct {
	L sync.Locker

	// notify is closed (and replaced) on each Broadcast. It is
	// allocated lazily by the first waiter.
	notify chan struct{}
}

// NewCond returns a new Cond that synchronizes on the provided locker.
func NewCond(l sync.Locker) *Cond {
	return &Cond{L: l}
}

// Broadcast wakes all current waiters. The cond's lock must be held.
func (c *Cond) Broadcast() {
	if c.notify == nil {
		return
	}
	close(c.notify)
	c.notify = nil
}

// Wait releases the cond's lock, waits for the next Broadcast, and
// reacquires the lock before returning. If ctx is done first, Wait
// returns the context's error. The lock must be held when calling Wait.
func (c *Cond) Wait(ctx context.Context) error {
	if c.notify == nil {
		c.notify = make(chan struct{})
	}
	notify := c.notify
	c.L.Unlock()
	defer c.L.Lock()
	select {
	case <-notify:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitFor waits until ready returns true, re-evaluating it after every
// Broadcast. Ready is called with the lock held. WaitFor returns the
// context's error if ctx is done before ready is satisfied.
func (c *Cond) WaitFor(ctx context.Context, ready func() bool) error {
	for !ready() {
		if err := c.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
