// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package picmd provides utilities for implementing bigpi command
// line tools. The main entry point, picmd.Main, configures a session
// according to a common set of flags, and then invokes the user's
// driver code.
//
// A picmd tool follows this form:
//
//	func main() {
//		trials := flag.Int64("trials", 1e6, "trials per rank")
//		picmd.Main(func(sess *exec.Session, args []string) error {
//			report, err := sess.Estimate(context.Background(), *trials)
//			if err != nil {
//				return err
//			}
//			fmt.Print(report)
//			return nil
//		})
//	}
package picmd

import (
	"flag"
	"fmt"
	"net/http"
	// Pprof is included to be exposed on the local diagnostic web server.
	_ "net/http/pprof"
	"os"
	"sort"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigpi/exec"
	"github.com/grailbio/bigpi/piflags"
)

// Main is a convenient entry point for a picmd. Main parses (global)
// flags, starts a session accordingly, and invokes the provided func
// with the session and the unparsed arguments. Main does not return:
// the session is shut down after the func returns, and the process
// exits with code 1 if the func returned an error, 0 otherwise.
//
// Main starts a diagnostic web server (default address :3333), using
// http.DefaultServeMux, which includes pprof handlers as well as any
// executor handlers.
func Main(main func(sess *exec.Session, args []string) error) {
	var fl piflags.Flags
	piflags.RegisterFlags(flag.CommandLine, &fl, "")
	log.AddFlags()
	flag.Parse()
	sess, err := Init(fl)
	if err != nil {
		log.Fatal(err)
	}
	err = main(sess, flag.Args())
	sess.Shutdown()
	if err != nil {
		log.Fatal(err)
	}
	os.Exit(0)
}

// Init starts a session according to the supplied flags.
func Init(fl piflags.Flags) (*exec.Session, error) {
	if fl.SystemHelp {
		providers, profiles := piflags.ProvidersAndProfiles()
		sort.Strings(providers)
		wr := fl.Output()
		fmt.Fprintf(wr, "%s\n\n", piflags.SystemHelpLong)
		fmt.Fprintf(wr, "The available providers are: %v\n", strings.Join(providers, ", "))
		var lines []string
		for k, v := range profiles {
			lines = append(lines, fmt.Sprintf("%v is shorthand for: %v\n", k, v))
		}
		sort.Strings(lines)
		for _, line := range lines {
			fmt.Fprint(wr, line)
		}
		os.Exit(0)
	}
	options, err := fl.ExecOptions()
	if err != nil {
		return nil, err
	}
	sess := exec.Start(options...)
	DisplayStatus(fl, sess)
	return sess, nil
}

// DisplayStatus arranges for the session's status to be displayed on
// the console and/or a web page, as specified by the flags. The web
// page is hosted at /debug/status on http.DefaultServeMux.
func DisplayStatus(fl piflags.Flags, sess *exec.Session) {
	if fl.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}
	if len(fl.HTTPAddress.Address) > 0 {
		sess.HandleDebug(http.DefaultServeMux)
		http.Handle("/debug/status", status.Handler(sess.Status()))
		go func() {
			log.Printf("HTTP status at: %v", fl.HTTPAddress)
			if err := http.ListenAndServe(fl.HTTPAddress.Address, nil); err != nil {
				log.Error.Printf("failed to start HTTP at %v: %v", fl.HTTPAddress, err)
			}
		}()
	}
}
