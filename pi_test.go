// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpi_test

import (
	"context"
	"math"
	"math/rand"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpi"
	"github.com/grailbio/bigpi/group"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"golang.org/x/sync/errgroup"
)

func TestWorkRange(t *testing.T) {
	fz := fuzz.New()
	for i := 0; i < 100; i++ {
		var (
			trials uint16
			seed   int64
		)
		fz.Fuzz(&trials)
		fz.Fuzz(&seed)
		count := bigpi.Work(int64(trials), seed)
		if count < 0 || count > float64(trials) {
			t.Errorf("trials %d, seed %d: count %v out of range", trials, seed, count)
		}
		if count != math.Trunc(count) {
			t.Errorf("trials %d, seed %d: non-integral count %v", trials, seed, count)
		}
	}
}

func TestWorkZero(t *testing.T) {
	for _, seed := range []int64{0, 1, bigpi.DefaultSeed, -7} {
		if got, want := bigpi.Work(0, seed), 0.0; got != want {
			t.Errorf("seed %d: got %v, want %v", seed, got, want)
		}
	}
}

func TestWorkDeterministic(t *testing.T) {
	for seed := bigpi.DefaultSeed; seed < bigpi.DefaultSeed+4; seed++ {
		if got, want := bigpi.Work(10000, seed), bigpi.Work(10000, seed); got != want {
			t.Errorf("seed %d: got %v, want %v", seed, got, want)
		}
	}
	if bigpi.Work(10000, 1) == bigpi.Work(10000, 2) {
		t.Error("distinct seeds produced identical counts")
	}
}

func TestSampleChunks(t *testing.T) {
	const trials = 10000
	r := rand.New(rand.NewSource(bigpi.DefaultSeed))
	var count float64
	for _, n := range []int64{1, 999, 4000, 5000} {
		count += bigpi.Sample(r, n)
	}
	if got, want := count, bigpi.Work(trials, bigpi.DefaultSeed); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// fixedGroup is a group whose gather returns a fixed set of counts to
// the root without communicating.
type fixedGroup struct {
	rank   int
	counts []float64
	got    float64
}

func (g *fixedGroup) Rank() int { return g.rank }
func (g *fixedGroup) Size() int { return len(g.counts) }

func (g *fixedGroup) Gather(ctx context.Context, root int, v float64) ([]float64, error) {
	g.got = v
	if g.rank != root {
		return nil, nil
	}
	return g.counts, nil
}

func TestEstimatorSingleRank(t *testing.T) {
	est := bigpi.Estimator{
		Trials: 4,
		Sample: func(trials, seed int64) float64 { return 3 },
	}
	g := &fixedGroup{counts: []float64{3}}
	report, err := est.Run(context.Background(), g)
	assert.NoError(t, err)
	expect.EQ(t, g.got, 3.0)
	expect.EQ(t, report.TotalCount, 3.0)
	expect.EQ(t, report.TotalTrials, int64(4))
	expect.EQ(t, report.Estimate, 3.0)
	pi := math.Pi
	expect.EQ(t, report.AbsError, math.Abs(3-pi))
	if math.Abs(report.AbsError-0.14159265358979) > 1e-12 {
		t.Errorf("got %v, want pi-3", report.AbsError)
	}
}

func TestEstimatorTwoRanks(t *testing.T) {
	est := bigpi.Estimator{Trials: 100}
	report, err := est.Run(context.Background(), &fixedGroup{counts: []float64{78, 81}})
	assert.NoError(t, err)
	expect.EQ(t, report.Counts, []float64{78, 81})
	expect.EQ(t, report.TotalCount, 159.0)
	expect.EQ(t, report.TotalTrials, int64(200))
	expect.EQ(t, report.Estimate, 4.0*159/200)
	if math.Abs(report.Estimate-3.18) > 1e-12 {
		t.Errorf("got %v, want 3.18", report.Estimate)
	}
	// Non-root ranks get no report.
	report, err = est.Run(context.Background(), &fixedGroup{rank: 1, counts: []float64{78, 81}})
	assert.NoError(t, err)
	if report != nil {
		t.Errorf("non-root rank got report %v", report)
	}
}

func TestEstimatorSeeds(t *testing.T) {
	var seeds []int64
	est := bigpi.Estimator{
		Trials: 1,
		Seed:   100,
		Sample: func(trials, seed int64) float64 {
			seeds = append(seeds, seed)
			return 0
		},
	}
	for rank := 0; rank < 3; rank++ {
		_, err := est.Run(context.Background(), &fixedGroup{rank: rank, counts: make([]float64, 3)})
		assert.NoError(t, err)
	}
	expect.EQ(t, seeds, []int64{100, 101, 102})
}

func TestEstimatorInvalid(t *testing.T) {
	_, err := bigpi.Estimator{Trials: -1}.Run(context.Background(), &fixedGroup{counts: []float64{0}})
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func run(t *testing.T, n int, est bigpi.Estimator) *bigpi.Report {
	t.Helper()
	var (
		members = group.Local(n)
		reports = make([]*bigpi.Report, n)
		g       errgroup.Group
	)
	for i := range members {
		i := i
		g.Go(func() (err error) {
			reports[i], err = est.Run(context.Background(), members[i])
			return
		})
	}
	assert.NoError(t, g.Wait())
	for i := 1; i < n; i++ {
		if reports[i] != nil {
			t.Errorf("rank %d produced a report", i)
		}
	}
	return reports[0]
}

func TestEstimatorLocalGroup(t *testing.T) {
	const (
		N = 4
		T = 10000
	)
	est := bigpi.Estimator{Trials: T, Seed: bigpi.DefaultSeed}
	report := run(t, N, est)
	expect.EQ(t, report.Ranks, N)
	expect.EQ(t, report.TotalTrials, int64(N*T))
	for rank, count := range report.Counts {
		if got, want := count, bigpi.Work(T, bigpi.DefaultSeed+int64(rank)); got != want {
			t.Errorf("rank %d: got %v, want %v", rank, got, want)
		}
	}
	if report.AbsError > 0.1 {
		t.Errorf("estimate %v too far from pi", report.Estimate)
	}
	// Runs are reproducible.
	expect.EQ(t, *run(t, N, est), *report)
}

func TestEstimatorZeroTrials(t *testing.T) {
	report := run(t, 2, bigpi.Estimator{Trials: 0})
	expect.EQ(t, report.TotalCount, 0.0)
	expect.EQ(t, report.TotalTrials, int64(0))
	if !math.IsNaN(report.Estimate) {
		t.Errorf("got %v, want NaN", report.Estimate)
	}
}

func TestConvergence(t *testing.T) {
	const (
		N    = 2
		reps = 8
	)
	trials := []int64{1e3, 1e5}
	if !testing.Short() {
		trials = append(trials, 1e7)
	}
	var last float64 = math.Inf(1)
	for _, T := range trials {
		var sum float64
		for rep := int64(0); rep < reps; rep++ {
			report := run(t, N, bigpi.Estimator{Trials: T, Seed: bigpi.DefaultSeed + rep*N})
			sum += report.AbsError
		}
		mean := sum / reps
		if mean > last {
			t.Errorf("T=%d: mean error %v exceeds %v", T, mean, last)
		}
		last = mean
	}
}

func TestReportString(t *testing.T) {
	report := bigpi.NewReport([]float64{78, 81}, 100)
	want := "total count: 159\ntotal trials: 200\nestimate: 3.180000000\nerror: 0.038407346\n"
	if got := report.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
