// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpi"
	"github.com/grailbio/bigpi/group"
	"github.com/grailbio/bigpi/stats"
)

// sampleChunk is the number of trials drawn between counter updates.
const sampleChunk = 1 << 16

// countingSampler returns a SampleFunc that computes the same count
// as bigpi.Work while maintaining the sample counters in m.
func countingSampler(m *stats.Map) bigpi.SampleFunc {
	samples, inside := m.Int(stats.Samples), m.Int(stats.Inside)
	return func(trials, seed int64) float64 {
		if trials <= 0 {
			return 0
		}
		var (
			r     = rand.New(rand.NewSource(seed))
			count float64
		)
		for trials > 0 {
			n := trials
			if n > sampleChunk {
				n = sampleChunk
			}
			c := bigpi.Sample(r, n)
			samples.Add(n)
			inside.Add(int64(c))
			count += c
			trials -= n
		}
		return count
	}
}

// runRank runs the job as member g of the job's group. Panics in the
// rank are returned as fatal errors.
func runRank(ctx context.Context, g group.Group, job Job, m *stats.Map) (report *bigpi.Report, err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.E(errors.Fatal, fmt.Sprintf("panic in rank %d: %v\n%s", g.Rank(), e, debug.Stack()))
		}
	}()
	est := bigpi.Estimator{
		Trials: job.Trials,
		Seed:   job.Seed,
		Sample: countingSampler(m),
	}
	report, err = est.Run(ctx, g)
	if err == nil {
		m.Int(stats.Gathers).Add(1)
	}
	return
}
