// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command pi estimates pi by Monte Carlo sampling on a process group.
// Every rank draws -trials points; the root rank gathers the counts
// and the estimate is printed on completion.
//
//	pi -trials 10000000 -ranks 8
//	pi -system local -ranks 4 -progress
//	pi -system ec2:instance=c5.xlarge -ranks 16 -trials 1000000000
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/grailbio/bigpi/exec"
	"github.com/grailbio/bigpi/picmd"
)

func main() {
	var (
		trials   = flag.Int64("trials", 1000000, "number of points sampled by each rank")
		progress = flag.Bool("progress", false, "display sampling progress")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: pi [flags]

Command pi estimates pi by distributed Monte Carlo sampling. Each rank
of the process group samples -trials points in the unit square; the
counts of points within the quarter circle are gathered at rank 0,
which reports the estimate.

The flags are:
`)
		flag.PrintDefaults()
		os.Exit(2)
	}
	picmd.Main(func(sess *exec.Session, args []string) error {
		if len(args) != 0 {
			flag.Usage()
		}
		var bar io.Writer
		if *progress {
			bar = os.Stderr
		}
		return estimate(context.Background(), sess, *trials, bar, os.Stdout)
	})
}

// estimate runs one estimation on sess and prints the report to w. If
// bar is non-nil, sampling progress is displayed on it until sampling
// completes.
func estimate(ctx context.Context, sess *exec.Session, trials int64, bar, w io.Writer) error {
	stop := func() {}
	if bar != nil {
		stop = showProgress(ctx, sess, trials*int64(sess.Ranks()), bar)
	}
	report, err := sess.Estimate(ctx, trials)
	stop()
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(w, report)
	return err
}
