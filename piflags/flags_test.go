// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package piflags_test

import (
	"flag"
	"io/ioutil"
	"strings"
	"testing"

	"github.com/grailbio/bigpi"
	"github.com/grailbio/bigpi/piflags"
)

func TestProvider(t *testing.T) {
	local := &piflags.Local{}
	if got, want := local.Name(), "local"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	internal := &piflags.Internal{}
	if got, want := internal.Name(), "internal"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if internal.DefaultRanks() <= 0 {
		t.Errorf("got %v, want > 0", internal.DefaultRanks())
	}
	ec2 := &piflags.EC2{}
	if got, want := ec2.Name(), "EC2"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := ec2.Set("x=y"); err == nil {
		t.Errorf("expected an error")
	}
	if err := ec2.Set("dataspace=abc"); err == nil {
		t.Errorf("expected an error")
	}
	if err := ec2.Set("dataspace=122"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got, want := ec2.Dataspace, uint(122); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEC2Options(t *testing.T) {
	var ec2 piflags.EC2
	for _, opt := range []string{
		"instance=c5.2xlarge",
		"rootsize=40",
		"ondemand=true",
		"profile=arn:aws:iam::1:instance-profile/pi",
	} {
		if err := ec2.Set(opt); err != nil {
			t.Errorf("%s: %v", opt, err)
		}
	}
	want := piflags.EC2{
		InstanceType:    "c5.2xlarge",
		Rootsize:        40,
		OnDemand:        true,
		InstanceProfile: "arn:aws:iam::1:instance-profile/pi",
	}
	if ec2 != want {
		t.Errorf("got %+v, want %+v", ec2, want)
	}
	for _, opt := range []string{
		"instance=c5",
		"instance=.large",
		"dataspace=0",
		"rootsize=-1",
		"ondemand=maybe",
		"profile=",
		"ranks=4",
		"instance",
	} {
		if err := ec2.Set(opt); err == nil {
			t.Errorf("%s: expected an error", opt)
		}
	}
	if ec2 != want {
		t.Errorf("rejected options modified the provider: got %+v", ec2)
	}
}

func TestSystemFlagFresh(t *testing.T) {
	var a, b piflags.SystemFlag
	if err := a.Set("ec2:instance=c5.large"); err != nil {
		t.Fatal(err)
	}
	if err := b.Set("ec2"); err != nil {
		t.Fatal(err)
	}
	if got, want := b.Provider.(*piflags.EC2).InstanceType, ""; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// A system with a bad option leaves the flag unchanged.
	if err := a.Set("ec2:instance=c5.xlarge,dataspace=x"); err == nil {
		t.Error("expected an error")
	}
	if got, want := a.String(), "EC2:instance=c5.large"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	providers, _ := piflags.ProvidersAndProfiles()
	if got, want := strings.Join(providers, ","), "ec2,internal,local"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSystemFlag(t *testing.T) {
	var sys piflags.SystemFlag
	if err := sys.Set("local"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := sys.Set("local:an=option"); err == nil {
		t.Errorf("expected an error")
	}
	if err := sys.Set("internal:an=option"); err == nil {
		t.Errorf("expected an error")
	}
	if err := sys.Set("nothing"); err == nil {
		t.Errorf("expected an error")
	}
	sys = piflags.SystemFlag{}
	if err := sys.Set("ec2:dataspace=200,rootsize=10"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got, want := sys.String(), "EC2:dataspace=200,rootsize=10"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestProfile(t *testing.T) {
	piflags.RegisterSystemProfile("test-pi", "ec2:instance=c5.large")
	var sys piflags.SystemFlag
	if err := sys.Set("test-pi:ondemand=true"); err != nil {
		t.Fatal(err)
	}
	if got, want := sys.String(), "EC2:instance=c5.large,ondemand=true"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	_, profiles := piflags.ProvidersAndProfiles()
	if got, want := profiles["test-pi"], "ec2:instance=c5.large"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFlags(t *testing.T) {
	var (
		fl piflags.Flags
		fs = flag.NewFlagSet("test", flag.ContinueOnError)
	)
	fs.SetOutput(ioutil.Discard)
	piflags.RegisterFlags(fs, &fl, "pi-")
	if got, want := fl.System.String(), "internal"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := fl.Seed, bigpi.DefaultSeed; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := fs.Parse([]string{"-pi-ranks=3", "-pi-seed=9"}); err != nil {
		t.Fatal(err)
	}
	if got, want := fl.Ranks, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := fl.System.Specified, false; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	options, err := fl.ExecOptions()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(options), 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	fl.TracePath = "/tmp/trace.json"
	options, err = fl.ExecOptions()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(options), 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	fl.Ranks = -1
	if _, err := fl.ExecOptions(); err == nil {
		t.Errorf("expected an error")
	}
}
