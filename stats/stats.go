// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides the named counters that ranks maintain while
// sampling and gathering. Counters live in a Map; snapshots of maps
// (Values) are shipped between machines and summed into session
// totals.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Counter names maintained by bigpi ranks.
const (
	// Samples counts the points drawn by a rank.
	Samples = "samples"
	// Inside counts the points that fell within the quarter circle.
	Inside = "inside"
	// Gathers counts the gathers a rank has completed.
	Gathers = "gathers"
	// Jobs counts the estimation jobs run by a session.
	Jobs = "jobs"
)

// Values is a snapshot of counter values, keyed by name.
type Values map[string]int64

// Copy returns a copy of v.
func (v Values) Copy() Values {
	w := make(Values, len(v))
	for k, n := range v {
		w[k] = n
	}
	return w
}

// Add sums the counters in w into v.
func (v Values) Add(w Values) {
	for k, n := range w {
		v[k] += n
	}
}

// String renders the values as space-separated key:value pairs,
// sorted by key.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		keys[i] = fmt.Sprintf("%s:%d", k, v[k])
	}
	return strings.Join(keys, " ")
}

// A Map is a set of counters keyed by name. Maps are safe for
// concurrent use.
type Map struct {
	mu       sync.Mutex
	counters map[string]*Int
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{counters: make(map[string]*Int)}
}

// Int returns the named counter, creating it if needed.
func (m *Map) Int(name string) *Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[name]
	if !ok {
		c = new(Int)
		m.counters[name] = c
	}
	return c
}

// AddAll adds the current value of every counter in m to vals.
func (m *Map) AddAll(vals Values) {
	m.mu.Lock()
	for k, c := range m.counters {
		vals[k] += c.Get()
	}
	m.mu.Unlock()
}

// Snapshot returns the current values of m.
func (m *Map) Snapshot() Values {
	vals := make(Values)
	m.AddAll(vals)
	return vals
}

// An Int is an atomically updated integer counter. Operations on a
// nil *Int are no-ops, so that optional counters need no checks.
type Int struct {
	val int64
}

// Add increments the counter by delta.
func (c *Int) Add(delta int64) {
	if c != nil {
		atomic.AddInt64(&c.val, delta)
	}
}

// Set sets the counter to val.
func (c *Int) Set(val int64) {
	if c != nil {
		atomic.StoreInt64(&c.val, val)
	}
}

// Get returns the counter's current value.
func (c *Int) Get() int64 {
	if c == nil {
		return 0
	}
	return atomic.LoadInt64(&c.val)
}
