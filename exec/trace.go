// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/grailbio/base/log"
)

// driver is the pseudo-rank to which session-level job events are
// attributed.
const driver = -1

// traceEvent is an event in the Chrome tracing format. For more
// details, see:
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
type traceEvent struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// A tracer records the jobs run by a session, as seen from the
// driver. Each rank is represented as a Chrome "process" (pid
// rank+1); the driver's own job events are on pid 0. Begin and end
// events of the same job on the same rank are coalesced into complete
// (X) events when the trace is rendered, and can be visualized with
// chrome://tracing.
type tracer struct {
	mu sync.Mutex

	events     []traceEvent
	jobEvents  map[traceKey][]traceEvent
	tidPools   map[int]tidPool
	firstEvent time.Time
}

type traceKey struct {
	job  uint64
	rank int
}

// tidPool is a pool of virtual thread IDs, so that concurrent jobs on
// the same rank are rendered on their own rows. The slice index is
// the tid minus one; the value reports whether it is available.
type tidPool []bool

func newTracer() *tracer {
	return &tracer{
		jobEvents: make(map[traceKey][]traceEvent),
		tidPools:  make(map[int]tidPool),
	}
}

// Event logs an event of type ph (as in Chrome's tracing format) for
// the given job on the given rank, or on the driver if rank is
// driver. Args is a list of interleaved key-value pairs attached as
// event metadata; it must be of even length.
func (t *tracer) Event(job Job, rank int, ph string, args ...interface{}) {
	if t == nil {
		return
	}
	if len(args)%2 != 0 {
		panic("trace.Event: invalid arguments")
	}
	event := traceEvent{
		Pid:  rank + 1,
		Ph:   ph,
		Name: job.String(),
		Cat:  "rank",
		Args: make(map[string]interface{}, len(args)/2),
	}
	if rank == driver {
		event.Cat = "job"
	}
	for i := 0; i < len(args); i += 2 {
		event.Args[fmt.Sprint(args[i])] = args[i+1]
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.firstEvent.IsZero() {
		t.firstEvent = time.Now()
	} else {
		event.Ts = time.Since(t.firstEvent).Nanoseconds() / 1e3
	}
	if _, ok := t.tidPools[event.Pid]; !ok {
		name := "driver"
		if rank != driver {
			name = fmt.Sprintf("rank %d", rank)
		}
		t.tidPools[event.Pid] = nil
		t.events = append(t.events, traceEvent{
			Pid:  event.Pid,
			Ts:   event.Ts,
			Ph:   "M",
			Name: "process_name",
			Args: map[string]interface{}{"name": name},
		})
	}
	key := traceKey{job.ID, rank}
	t.assignTid(event.Pid, t.jobEvents[key], &event)
	t.jobEvents[key] = append(t.jobEvents[key], event)
}

func (t *tracer) assignTid(pid int, events []traceEvent, event *traceEvent) {
	pool := t.tidPools[pid]
	switch event.Ph {
	case "B":
		event.Tid = pool.Acquire()
		t.tidPools[pid] = pool
	case "E":
		if len(events) == 0 || events[len(events)-1].Ph != "B" {
			break
		}
		event.Tid = events[len(events)-1].Tid
		pool.Release(event.Tid)
	}
}

// Marshal writes the trace captured by t to w in Chrome's event
// tracing format.
func (t *tracer) Marshal(w io.Writer) error {
	t.mu.Lock()
	events := make([]traceEvent, len(t.events))
	copy(events, t.events)
	for _, v := range t.jobEvents {
		events = appendCoalesce(events, v)
	}
	t.mu.Unlock()
	envelope := struct {
		TraceEvents []traceEvent `json:"traceEvents"`
	}{events}
	return json.NewEncoder(w).Encode(envelope)
}

// appendCoalesce appends events to list, matching "B" and "E" events
// into single "X" events. Unmatched events are dropped.
func appendCoalesce(list []traceEvent, events []traceEvent) []traceEvent {
	begIndex := -1
	for _, event := range events {
		switch {
		case event.Ph == "B" && begIndex < 0:
			begIndex = len(list)
			list = append(list, event)
		case event.Ph == "E" && begIndex >= 0:
			beg := &list[begIndex]
			beg.Ph = "X"
			beg.Dur = event.Ts - beg.Ts
			if beg.Dur == 0 {
				beg.Dur = 1
			}
			for k, v := range event.Args {
				if _, ok := beg.Args[k]; !ok {
					beg.Args[k] = v
				}
			}
			begIndex = -1
		case event.Ph != "E":
			list = append(list, event)
		}
	}
	if begIndex >= 0 {
		copy(list[begIndex:], list[begIndex+1:])
		list = list[:len(list)-1]
	}
	return list
}

// Acquire returns an available thread ID from p. Thread IDs are
// 1-indexed; 0 is left for events without a meaningful thread.
func (p *tidPool) Acquire() int {
	for tid, available := range *p {
		if available {
			(*p)[tid] = false
			return tid + 1
		}
	}
	*p = append(*p, false)
	return len(*p)
}

// Release makes tid available to future calls to Acquire.
func (p tidPool) Release(tid int) {
	if p[tid-1] {
		panic("releasing unallocated tid")
	}
	p[tid-1] = true
}

func writeTraceFile(t *tracer, path string) {
	w, err := os.Create(path)
	if err != nil {
		log.Error.Printf("exec.Session: create trace file %q: %v", path, err)
		return
	}
	if err := t.Marshal(w); err != nil {
		log.Error.Printf("exec.Session: write trace file %q: %v", path, err)
	}
	if err := w.Close(); err != nil {
		log.Error.Printf("exec.Session: close trace file %q: %v", path, err)
	}
}
