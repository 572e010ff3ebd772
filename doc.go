// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigpi estimates pi by distributed Monte Carlo sampling.

	Every rank of a process group runs the same code: it throws darts
	at the unit square, counts the darts that land inside the unit
	quarter circle, and contributes its count to a single gather at
	the root rank (rank 0). The root sums the counts and reports

		estimate = 4 * total_count / (N * T)

	where N is the group size and T the number of trials drawn by
	each rank.

	The process group is abstract (package
	github.com/grailbio/bigpi/group). Package
	github.com/grailbio/bigpi/exec provides sessions that run
	estimations either in-process, with one goroutine per rank, or on
	a bigmachine cluster, with one machine per rank. In the latter case
	the driver binary itself is shipped to each machine, so the rank
	code is compiled once and deployed statically.

	Rank r samples from a pseudorandom source seeded with Seed+r. Runs
	with the same group size, trial count and seed are therefore
	reproducible bit for bit. Consecutive seeds are not guaranteed to
	produce statistically independent streams for every generator; this
	is a known simplification.
*/
package bigpi
