// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package piflags provides flag support for bigpi command line
// applications. The -system flag selects the provider of the process
// group: ranks may run in-process, as local processes, or on EC2
// instances, one rank per instance.
package piflags

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/user"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigpi"
	"github.com/grailbio/bigpi/exec"
)

// Provider represents a provider of process groups, configured by
// setting options via Set.
type Provider interface {
	// Name returns the name of the provider.
	Name() string
	// Set sets an option, specified as key=val.
	Set(string) error
	// ExecOption returns the exec.Option that configures a session to
	// use the provider as currently configured.
	ExecOption() exec.Option
	// DefaultRanks returns the group size used when none is given.
	DefaultRanks() int
}

// registry maps system names to provider constructors, and profile
// names to system specifications.
type registry struct {
	mu        sync.Mutex
	providers map[string]func() Provider
	profiles  map[string]string
}

var systems = registry{
	providers: make(map[string]func() Provider),
	profiles:  make(map[string]string),
}

// lookup returns a new provider for the named system or profile,
// together with the options implied by the profile.
func (r *registry) lookup(name string) (Provider, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var options []string
	if profile, ok := r.profiles[name]; ok {
		name, options = splitSystem(profile)
	}
	newProvider, ok := r.providers[name]
	if !ok {
		return nil, nil, fmt.Errorf("unsupported system or profile type: %v", name)
	}
	return newProvider(), options, nil
}

// splitSystem splits a system specification name:opt1,opt2 into its
// name and options.
func splitSystem(spec string) (name string, options []string) {
	i := strings.Index(spec, ":")
	if i < 0 {
		return spec, nil
	}
	return spec[:i], strings.Split(spec[i+1:], ",")
}

// RegisterSystemProvider registers a provider constructor under the
// given name. Every SystemFlag naming the system gets its own
// provider.
func RegisterSystemProvider(name string, newProvider func() Provider) {
	systems.mu.Lock()
	defer systems.mu.Unlock()
	if _, ok := systems.providers[name]; ok {
		log.Panicf("system %s is already registered", name)
	}
	systems.providers[name] = newProvider
}

// RegisterSystemProfile registers a named shorthand for a system and
// its options. For example, after
//
//	piflags.RegisterSystemProfile("big-pi", "ec2:instance=c5.2xlarge")
//
// the flag -system=big-pi is a synonym for
// -system=ec2:instance=c5.2xlarge.
func RegisterSystemProfile(name, profile string) {
	systems.mu.Lock()
	defer systems.mu.Unlock()
	if _, ok := systems.providers[name]; ok {
		log.Panicf("profile %s is already used as a provider name", name)
	}
	if _, ok := systems.profiles[name]; ok {
		log.Panicf("profile %s is already registered", name)
	}
	systems.profiles[name] = profile
}

// ProvidersAndProfiles returns the sorted names of the registered
// providers, and the registered profiles.
func ProvidersAndProfiles() ([]string, map[string]string) {
	systems.mu.Lock()
	defer systems.mu.Unlock()
	names := make([]string, 0, len(systems.providers))
	for name := range systems.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	profiles := make(map[string]string, len(systems.profiles))
	for name, spec := range systems.profiles {
		profiles[name] = spec
	}
	return names, profiles
}

func noOptions(name, opt string) error {
	return fmt.Errorf("the %s system provider does not support any configuration (got %q)", name, opt)
}

// Internal runs every rank in-process, one goroutine per rank.
type Internal struct{}

// Name implements Provider.Name.
func (*Internal) Name() string { return "internal" }

// Set implements Provider.Set.
func (p *Internal) Set(opt string) error { return noOptions(p.Name(), opt) }

// ExecOption implements Provider.ExecOption.
func (*Internal) ExecOption() exec.Option { return exec.Local }

// DefaultRanks implements Provider.DefaultRanks. Ranks share the
// process, so there is one per usable CPU.
func (*Internal) DefaultRanks() int { return runtime.GOMAXPROCS(0) }

// Local runs every rank in a separate process on the local machine.
type Local struct{}

// Name implements Provider.Name.
func (*Local) Name() string { return "local" }

// Set implements Provider.Set.
func (p *Local) Set(opt string) error { return noOptions(p.Name(), opt) }

// ExecOption implements Provider.ExecOption.
func (*Local) ExecOption() exec.Option { return exec.Bigmachine(bigmachine.Local) }

// DefaultRanks implements Provider.DefaultRanks.
func (*Local) DefaultRanks() int { return runtime.NumCPU() }

// defaultEC2Ranks is the default number of EC2 instances, and thus
// ranks.
const defaultEC2Ranks = 4

// EC2 runs each rank on its own AWS EC2 instance. The zero value uses
// the ec2system defaults.
type EC2 struct {
	// InstanceType is the instance type of every rank, e.g.
	// c5.xlarge.
	InstanceType string
	// Dataspace and Rootsize are the sizes, in GiB, of each rank's
	// data and root volumes.
	Dataspace, Rootsize uint
	// OnDemand selects on-demand rather than spot instances.
	OnDemand bool
	// InstanceProfile is the IAM instance profile of the ranks.
	InstanceProfile string
}

// ec2Options holds the setter of each supported EC2 option.
var ec2Options = map[string]func(p *EC2, val string) error{
	"instance": func(p *EC2, val string) error {
		// Instance types are family.size, e.g. c5.large.
		parts := strings.Split(val, ".")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("invalid instance type %q", val)
		}
		p.InstanceType = val
		return nil
	},
	"dataspace": func(p *EC2, val string) error { return parseGiB(val, &p.Dataspace) },
	"rootsize":  func(p *EC2, val string) error { return parseGiB(val, &p.Rootsize) },
	"ondemand": func(p *EC2, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("not a bool: %v", val)
		}
		p.OnDemand = b
		return nil
	},
	"profile": func(p *EC2, val string) error {
		if val == "" {
			return fmt.Errorf("empty instance profile")
		}
		p.InstanceProfile = val
		return nil
	},
}

func parseGiB(val string, size *uint) error {
	n, err := strconv.ParseUint(val, 10, 32)
	if err != nil || n == 0 {
		return fmt.Errorf("not a positive size in GiB: %v", val)
	}
	*size = uint(n)
	return nil
}

// Name implements Provider.Name.
func (*EC2) Name() string { return "EC2" }

// Set implements Provider.Set. Options are key=val, with keys
// instance, dataspace, rootsize, ondemand and profile.
func (p *EC2) Set(opt string) error {
	kv := strings.SplitN(opt, "=", 2)
	if len(kv) != 2 {
		return fmt.Errorf("not in key=val format %q", opt)
	}
	set, ok := ec2Options[kv[0]]
	if !ok {
		keys := make([]string, 0, len(ec2Options))
		for key := range ec2Options {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		return fmt.Errorf("unsupported option %v; supported options are %s", kv[0], strings.Join(keys, ", "))
	}
	return set(p, kv[1])
}

// DefaultRanks implements Provider.DefaultRanks.
func (*EC2) DefaultRanks() int { return defaultEC2Ranks }

// ExecOption implements Provider.ExecOption.
func (p *EC2) ExecOption() exec.Option {
	system := &ec2system.System{
		InstanceType:    p.InstanceType,
		Dataspace:       p.Dataspace,
		Diskspace:       p.Rootsize,
		OnDemand:        p.OnDemand,
		InstanceProfile: p.InstanceProfile,
		Username:        "unknown",
	}
	if u, err := user.Current(); err == nil {
		system.Username = u.Username
	} else {
		log.Printf("ec2: get current user: %v", err)
	}
	return exec.Bigmachine(system)
}

func init() {
	RegisterSystemProvider("internal", func() Provider { return new(Internal) })
	RegisterSystemProvider("local", func() Provider { return new(Local) })
	RegisterSystemProvider("ec2", func() Provider { return new(EC2) })
}

// SystemHelpShort is a short explanation of the allowed SystemFlag values.
func SystemHelpShort(prefix string) string {
	const format = `the system on which ranks run: {internal,local,ec2:[key=val,],name}; use -%s for more information`
	return fmt.Sprintf(format, prefix+"system-help")
}

// SystemHelpLong is a complete explanation of the allowed SystemFlag values.
const SystemHelpLong = `A bigpi system is specified as follows:

<system-type>:<options> where options is [key=value,]+

Each rank of the process group runs on the system as follows:

internal: one goroutine per rank, in-process; the default.
local: one process per rank on the local machine.
ec2: one AWS EC2 instance per rank. The supported options are:
	instance=<AWS instance type> - the instance type of each rank, e.g. c5.xlarge
	dataspace=<number> - size of each rank's data volume in GiB.
	rootsize=<number> - size of each rank's root volume in GiB.
	ondemand=<bool> - true to use on-demand rather than spot instances
	profile=<name> - the aws instance profile to use instead of a default

In addition, an application may register 'profiles' that are shorthand
for the above, eg. "my-app" can be configured as a synonym for
ec2:instance=c5.xlarge.
`

// SystemFlag is a flag.Value that selects and configures a provider.
type SystemFlag struct {
	Provider  Provider
	Options   []string
	Specified bool
}

// String implements flag.Value.String.
func (sys *SystemFlag) String() string {
	if sys.Provider == nil {
		return ""
	}
	if len(sys.Options) == 0 {
		return sys.Provider.Name()
	}
	return sys.Provider.Name() + ":" + strings.Join(sys.Options, ",")
}

// Set implements flag.Value.Set. The provider is replaced only if
// every option is accepted.
func (sys *SystemFlag) Set(v string) error {
	name, options := splitSystem(v)
	provider, profileOptions, err := systems.lookup(name)
	if err != nil {
		return err
	}
	options = append(profileOptions, options...)
	for _, opt := range options {
		if err := provider.Set(opt); err != nil {
			return fmt.Errorf("system %s: %v", name, err)
		}
	}
	sys.Provider, sys.Options, sys.Specified = provider, options, true
	return nil
}

// Get implements flag.Getter.
func (sys *SystemFlag) Get() interface{} {
	return sys.String()
}

// Flags represents all of the flags that configure a bigpi command.
type Flags struct {
	System        SystemFlag
	SystemHelp    bool
	HTTPAddress   cmdutil.NetworkAddressFlag
	ConsoleStatus bool
	Ranks         int
	Seed          int64
	TracePath     string
	fs            *flag.FlagSet
}

// Output returns the writer to which help messages are printed.
func (bf *Flags) Output() io.Writer {
	if bf.fs == nil {
		return os.Stderr
	}
	if wr := bf.fs.Output(); wr != nil {
		return wr
	}
	return os.Stderr
}

// Defaults represents default values for the supported flags.
type Defaults struct {
	System        string
	HTTPAddress   string
	ConsoleStatus bool
	Ranks         int
	Seed          int64
}

// RegisterFlags registers the bigpi command line flags with the
// supplied flag set. The flag names are prefixed with prefix.
func RegisterFlags(fs *flag.FlagSet, bf *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, bf, prefix, Defaults{
		System:      "internal",
		HTTPAddress: ":3333",
		Seed:        bigpi.DefaultSeed,
	})
}

// RegisterFlagsWithDefaults registers the bigpi command line flags
// with the supplied flag set and defaults.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, bf *Flags, prefix string, defaults Defaults) {
	fs.Var(&bf.System, prefix+"system", SystemHelpShort(prefix))
	if err := bf.System.Set(defaults.System); err != nil {
		log.Panicf("piflags: invalid default system %q: %v", defaults.System, err)
	}
	bf.System.Specified = false
	fs.Var(&bf.HTTPAddress, prefix+"http", "address of http status server")
	bf.HTTPAddress.Set(defaults.HTTPAddress)
	bf.HTTPAddress.Specified = false
	fs.BoolVar(&bf.ConsoleStatus, prefix+"console-status", defaults.ConsoleStatus, "print status to stdout")
	fs.IntVar(&bf.Ranks, prefix+"ranks", defaults.Ranks, "number of ranks in the process group, 0 requests an appropriate default for the system")
	fs.Int64Var(&bf.Seed, prefix+"seed", defaults.Seed, "base seed; rank r samples with seed+r")
	fs.StringVar(&bf.TracePath, prefix+"trace", "", "path of a file to which a trace of the session's jobs is written on shutdown")
	fs.BoolVar(&bf.SystemHelp, prefix+"system-help", false, "provide help on system providers and profiles")
	bf.fs = fs
}

// ExecOptions returns the exec.Options that configure a session as
// specified by the flags.
func (bf *Flags) ExecOptions() ([]exec.Option, error) {
	if bf.System.Provider == nil {
		return nil, fmt.Errorf("no system specified")
	}
	if bf.Ranks < 0 {
		return nil, fmt.Errorf("invalid number of ranks %d", bf.Ranks)
	}
	var sessStatus status.Status
	// Ensure bigmachine's group is displayed first.
	_ = sessStatus.Group(exec.BigmachineStatusGroup)
	options := []exec.Option{
		exec.Status(&sessStatus),
		bf.System.Provider.ExecOption(),
		exec.Seed(bf.Seed),
	}
	ranks := bf.Ranks
	if ranks == 0 {
		ranks = bf.System.Provider.DefaultRanks()
	}
	options = append(options, exec.Ranks(ranks))
	if bf.TracePath != "" {
		options = append(options, exec.TracePath(bf.TracePath))
	}
	return options, nil
}
