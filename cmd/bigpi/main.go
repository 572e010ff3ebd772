// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bigpi manages bigpi configuration and runs estimations on
// the configured cluster.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigpi/piconfig"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Bigpi is a tool for configuring and running bigpi estimations.

Usage:

	bigpi [config flags] <command> [arguments]

The commands are:

	setup-ec2   configure EC2 for use with bigpi
	estimate    estimate pi on the configured process group

The config flags are:
`)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("bigpi: ")
	must.Func = log.Fatal
	piconfig.RegisterFlags()
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	case "setup-ec2":
		setupEc2Cmd(args)
	case "estimate":
		estimateCmd(args)
	}
}

func estimateCmd(args []string) {
	var (
		flags  = flag.NewFlagSet("bigpi estimate", flag.ExitOnError)
		trials = flags.Int64("trials", 1000000, "number of points sampled by each rank")
	)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: bigpi estimate [-trials n]

Command estimate runs a single estimation on the session configured by
the bigpi profile (%s, or as given by -profile).

The flags are:
`, piconfig.Path)
		flags.PrintDefaults()
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	if flags.NArg() != 0 {
		flags.Usage()
	}
	sess, err := piconfig.Session()
	must.Nil(err, "configuring session")
	defer sess.Shutdown()
	report, err := sess.Estimate(context.Background(), *trials)
	must.Nil(err, "estimate")
	fmt.Print(report)
}
