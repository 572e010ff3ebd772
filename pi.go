// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpi

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpi/group"
)

// DefaultSeed is the base seed used when none is configured. Rank r
// samples from a source seeded with DefaultSeed+r.
const DefaultSeed int64 = 12345

// Root is the rank that gathers counts and reports the estimate.
const Root = 0

// Work draws trials points uniformly from [0,1)x[0,1) using a source
// seeded with seed, and returns the number of points (x, y) with
// x*x+y*y < 1. Work is a pure function of its arguments; when trials
// is zero no sampling is performed.
func Work(trials, seed int64) float64 {
	if trials <= 0 {
		return 0
	}
	return Sample(rand.New(rand.NewSource(seed)), trials)
}

// Sample is like Work, but draws from the provided generator. Drawing
// n1 and then n2 points from the same generator consumes it exactly as
// drawing n1+n2 points does, so the sum of the counts is the same.
func Sample(r *rand.Rand, trials int64) float64 {
	var count float64
	for i := int64(0); i < trials; i++ {
		x, y := r.Float64(), r.Float64()
		if x*x+y*y < 1.0 {
			count++
		}
	}
	return count
}

// A SampleFunc returns the local count for the given number of trials
// and seed. Work is the canonical SampleFunc.
type SampleFunc func(trials, seed int64) float64

// An Estimator describes one distributed estimation. The same
// Estimator must be run by every rank of a group; in particular, all
// ranks must agree on Trials, which is not checked.
type Estimator struct {
	// Trials is the number of points sampled by each rank.
	Trials int64
	// Seed is the base seed. Rank r samples with seed Seed+r.
	Seed int64
	// Sample computes the local count. If nil, Work is used.
	Sample SampleFunc
}

// Run runs the estimator as rank g.Rank() of g. Run blocks in the
// group's gather until every rank has contributed its count or ctx is
// done. The root receives the Report; other ranks receive a nil Report
// and a nil error.
func (e Estimator) Run(ctx context.Context, g group.Group) (*Report, error) {
	if e.Trials < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("bigpi: negative trial count %d", e.Trials))
	}
	sample := e.Sample
	if sample == nil {
		sample = Work
	}
	rank := g.Rank()
	local := sample(e.Trials, e.Seed+int64(rank))
	log.Debug.Printf("bigpi: rank %d/%d: %v of %d trials inside", rank, g.Size(), local, e.Trials)
	counts, err := g.Gather(ctx, Root, local)
	if err != nil {
		return nil, err
	}
	if rank != Root {
		return nil, nil
	}
	return NewReport(counts, e.Trials), nil
}

// Report is the result of an estimation, produced at the root.
type Report struct {
	// Ranks is the size of the group that produced the report.
	Ranks int
	// Trials is the number of trials drawn by each rank.
	Trials int64
	// Counts holds the local count of each rank, in rank order.
	Counts []float64
	// TotalCount is the sum of Counts.
	TotalCount float64
	// TotalTrials is Ranks*Trials.
	TotalTrials int64
	// Estimate is 4*TotalCount/TotalTrials. It is NaN when no
	// trials were drawn.
	Estimate float64
	// AbsError is the absolute difference between Estimate and pi.
	AbsError float64
}

// NewReport computes a report from the gathered counts of a group in
// which every rank drew trials points.
func NewReport(counts []float64, trials int64) *Report {
	r := &Report{
		Ranks:       len(counts),
		Trials:      trials,
		Counts:      append([]float64(nil), counts...),
		TotalTrials: int64(len(counts)) * trials,
	}
	for _, c := range counts {
		r.TotalCount += c
	}
	r.Estimate = 4.0 * r.TotalCount / float64(r.TotalTrials)
	r.AbsError = math.Abs(r.Estimate - math.Pi)
	return r
}

// String formats the report as it is printed on the console.
func (r *Report) String() string {
	return fmt.Sprintf("total count: %.0f\ntotal trials: %d\nestimate: %.9f\nerror: %.9f\n",
		r.TotalCount, r.TotalTrials, r.Estimate, r.AbsError)
}
