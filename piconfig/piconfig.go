// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package piconfig creates bigpi sessions from a shared
// configuration. Piconfig uses the configuration mechanism in package
// github.com/grailbio/base/config, and reads a default profile from
// $HOME/.bigpi/config. Profiles may be provisioned using the bigpi
// command.
package piconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"

	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigpi/exec"
)

// Path determines the location of the bigpi profile read by Parse.
var Path = os.ExpandEnv("$HOME/.bigpi/config")

// RegisterFlags registers the configuration flags (-profile, -set,
// and friends) with the default flag set.
func RegisterFlags() {
	config.RegisterFlags("", Path)
}

// Session returns the session configured by the profile, applying any
// configuration flags. Session must be called after flags are parsed.
func Session() (*exec.Session, error) {
	if err := config.ProcessFlags(); err != nil {
		return nil, err
	}
	var sess *exec.Session
	if err := config.Instance("bigpi", &sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Parse registers configuration flags, calls flag.Parse, and returns
// the session as configured by the profile at Path and the flags.
// Parse panics if session creation fails.
func Parse() *exec.Session {
	RegisterFlags()
	flag.Parse()
	sess, err := Session()
	must.Nil(err)
	return sess
}
