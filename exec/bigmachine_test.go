// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/bigpi"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"golang.org/x/sync/errgroup"
)

func bigmachineTestExecutor(ranks int) (exec *bigmachineExecutor, stop func()) {
	x := newBigmachineExecutor(testsystem.New())
	shutdown := x.Start(&Session{ranks: ranks})
	return x, shutdown
}

func TestBigmachineExecutor(t *testing.T) {
	x, stop := bigmachineTestExecutor(2)
	defer stop()
	ctx := context.Background()
	// No machines are started before the first job.
	vals, err := x.Stats(ctx)
	assert.NoError(t, err)
	expect.EQ(t, len(vals), 0)
	expect.EQ(t, len(x.currentMachines()), 0)

	job := Job{ID: 1, Trials: 100, Seed: bigpi.DefaultSeed}
	report, err := x.Run(ctx, job)
	assert.NoError(t, err)
	expect.EQ(t, report.Counts, []float64{
		bigpi.Work(100, bigpi.DefaultSeed),
		bigpi.Work(100, bigpi.DefaultSeed+1),
	})
	machines := x.currentMachines()
	expect.EQ(t, len(machines), 2)
	for i, m := range machines {
		expect.EQ(t, m.Rank, i)
	}
	// Machines are reused by later jobs.
	report, err = x.Run(ctx, Job{ID: 2, Trials: 50, Seed: bigpi.DefaultSeed})
	assert.NoError(t, err)
	expect.EQ(t, report.TotalTrials, int64(100))
	for i, m := range x.currentMachines() {
		if m != machines[i] {
			t.Errorf("rank %d: machine %s replaced by %s", i, machines[i].Addr, m.Addr)
		}
	}
	// A completed job cannot be gathered again.
	if _, err = x.Run(ctx, job); err == nil {
		t.Error("expected error")
	}
}

func TestBigmachineExecutorName(t *testing.T) {
	x, stop := bigmachineTestExecutor(1)
	defer stop()
	expect.EQ(t, x.Name(), "bigmachine:"+testsystem.New().Name())
}

func newTestService() *rankService {
	s := new(rankService)
	if err := s.Init(nil); err != nil {
		panic(err)
	}
	return s
}

func TestRankServiceContribute(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	var g errgroup.Group
	for rank := 1; rank < 3; rank++ {
		c := contribution{Job: 7, Rank: rank, Size: 3, Value: float64(rank)}
		g.Go(func() error {
			return s.Contribute(ctx, c, nil)
		})
	}
	group := &machineGroup{s, rankRequest{Job: Job{ID: 7}, Rank: 0, Size: 3}}
	values, err := group.Gather(ctx, 0, 10)
	assert.NoError(t, err)
	assert.NoError(t, g.Wait())
	expect.EQ(t, values, []float64{10, 1, 2})
	s.mu.Lock()
	expect.EQ(t, len(s.gathers), 0)
	s.mu.Unlock()
	// Late or retried contributions are reported as duplicates.
	err = s.Contribute(ctx, contribution{Job: 7, Rank: 1, Size: 3, Value: 1}, nil)
	if !errors.Is(errors.Exists, err) {
		t.Errorf("got %v, want exists", err)
	}
}

func TestRankServiceErrors(t *testing.T) {
	s := newTestService()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Contribute(ctx, contribution{Job: 1, Rank: 0, Size: 0}, nil); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	if err := s.Contribute(ctx, contribution{Job: 1, Rank: 5, Size: 2}, nil); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	// Rank 1 contributes, but rank 0 never does.
	if err := s.Contribute(ctx, contribution{Job: 1, Rank: 1, Size: 2}, nil); err != context.DeadlineExceeded {
		t.Errorf("got %v, want %v", err, context.DeadlineExceeded)
	}
	if err := s.Contribute(ctx, contribution{Job: 1, Rank: 1, Size: 2}, nil); !errors.Is(errors.Exists, err) {
		t.Errorf("got %v, want exists", err)
	}
	if err := s.Contribute(ctx, contribution{Job: 1, Rank: 0, Size: 3}, nil); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	group := &machineGroup{s, rankRequest{Job: Job{ID: 2}, Rank: 1, Size: 2}}
	if _, err := group.Gather(ctx, 1, 0); !errors.Is(errors.NotSupported, err) {
		t.Errorf("got %v, want not supported", err)
	}
}

func TestRankServiceRootFailure(t *testing.T) {
	s := newTestService()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// Rank 1 contributes to a two-rank job...
	if err := s.Contribute(ctx, contribution{Job: 3, Rank: 1, Size: 2}, nil); err != context.DeadlineExceeded {
		t.Errorf("got %v, want %v", err, context.DeadlineExceeded)
	}
	// ...but the root runs it with a different size and fails.
	req := rankRequest{Job: Job{ID: 3, Trials: 1}, Rank: bigpi.Root, Size: 3}
	if err := s.Run(context.Background(), req, new(rankReply)); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	s.mu.Lock()
	expect.EQ(t, len(s.gathers), 0)
	expect.EQ(t, s.done[3], true)
	s.mu.Unlock()
	err := s.Contribute(context.Background(), contribution{Job: 3, Rank: 1, Size: 2}, nil)
	if !errors.Is(errors.Exists, err) {
		t.Errorf("got %v, want exists", err)
	}
}

func TestRankServiceDoneBounded(t *testing.T) {
	s := newTestService()
	for job := uint64(0); job < maxDoneJobs+10; job++ {
		s.forget(job)
		s.forget(job)
	}
	expect.EQ(t, len(s.done), maxDoneJobs)
	expect.EQ(t, len(s.doneOrder), maxDoneJobs)
	expect.EQ(t, s.done[9], false)
	expect.EQ(t, s.done[10], true)
	expect.EQ(t, s.done[maxDoneJobs+9], true)
}
