// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"

	// Registered so that the written profile carries their defaults.
	_ "github.com/grailbio/base/config/aws"
	_ "github.com/grailbio/bigmachine/ec2system"
	_ "github.com/grailbio/bigpi/exec"
	"github.com/grailbio/bigpi/piconfig"
)

const (
	// rankPort is the port on which ec2system machines serve
	// bigmachine RPCs: the driver calls Rank.Run on it, and ranks
	// call Rank.Contribute on the root's.
	rankPort = 443
	sshPort  = 22

	// Sampling is compute bound and needs little memory.
	defaultInstanceType = "c5.large"
	defaultRanks        = "8"
)

func setupEc2Cmd(args []string) {
	var (
		flags      = flag.NewFlagSet("bigpi setup-ec2", flag.ExitOnError)
		name       = flags.String("securitygroup", "bigpi", "name of the security group to set up")
		driverCIDR = flags.String("driver-cidr", "0.0.0.0/0", "address range from which drivers reach the ranks")
		ssh        = flags.Bool("ssh", false, "also allow inbound SSH from the driver address range")
	)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: bigpi setup-ec2 [-securitygroup name] [-driver-cidr cidr] [-ssh]

Command setup-ec2 prepares AWS EC2 to run bigpi ranks, one instance
per rank, and writes the resulting profile to %s. An existing profile
is modified in place.

The security group named by -securitygroup is reused if it exists.
Otherwise it is created in the default VPC, tagged "bigpi", and allows
inbound traffic on port %d (bigmachine RPC) from within the VPC, so
that ranks can contribute to the root, and from -driver-cidr, so that
the driver can run and monitor ranks. With -ssh, inbound SSH from
-driver-cidr is allowed too. All outbound traffic is allowed.

The flags are:
`, piconfig.Path, rankPort)
		flags.PrintDefaults()
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	if flags.NArg() != 0 {
		flags.Usage()
	}
	if _, _, err := net.ParseCIDR(*driverCIDR); err != nil {
		log.Fatalf("invalid -driver-cidr: %v", err)
	}

	profile := config.New()
	if f, err := os.Open(piconfig.Path); err == nil {
		must.Nil(profile.Parse(f))
		must.Nil(f.Close())
	} else {
		must.True(os.IsNotExist(err), err)
	}

	groupID, ok := profile.Get("bigmachine/ec2system.security-group")
	if ok && groupID != `""` {
		log.Print("ec2 security group ", groupID, " already configured")
		groupID = ""
	} else {
		sess, err := session.NewSession()
		must.Nil(err, "setting up AWS session")
		setup := securityGroupSetup{
			svc:        ec2.New(sess),
			name:       *name,
			driverCIDR: *driverCIDR,
			ssh:        *ssh,
		}
		groupID, err = setup.run()
		must.Nil(err, "setting up security group")
	}
	must.Nil(configureProfile(profile, groupID))
	must.Nil(writeProfile(profile, piconfig.Path))
	log.Print("wrote configuration to ", piconfig.Path)
}

// configureProfile points the bigpi instance at ec2system. If groupID
// is non-empty, it becomes the machines' security group. Settings the
// user has already made are kept.
func configureProfile(profile *config.Profile, groupID string) error {
	if region, ok := profile.Get("aws/env.region"); ok && len(region) > 0 {
		if err := profile.Set("bigmachine/ec2system.default-region", strings.Trim(region, `"`)); err != nil {
			return err
		}
	}
	settings := [][2]string{
		{"bigpi.system", "bigmachine/ec2system"},
		{"bigmachine/ec2system.instance", defaultInstanceType},
	}
	if groupID != "" {
		settings = append(settings, [2]string{"bigmachine/ec2system.security-group", groupID})
	}
	if ranks, ok := profile.Get("bigpi.ranks"); !ok || ranks == "1" {
		settings = append(settings, [2]string{"bigpi.ranks", defaultRanks})
	}
	for _, kv := range settings {
		if err := profile.Set(kv[0], kv[1]); err != nil {
			return fmt.Errorf("set %s: %v", kv[0], err)
		}
	}
	return nil
}

// writeProfile atomically replaces the profile at path.
func writeProfile(profile *config.Profile, path string) error {
	var buf bytes.Buffer
	if err := profile.PrintTo(&buf); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return err
	}
	tmp := path + ".setup-ec2"
	if err := ioutil.WriteFile(tmp, buf.Bytes(), 0666); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// securityGroupSetup locates or creates the security group in which
// ranks run.
type securityGroupSetup struct {
	svc        ec2iface.EC2API
	name       string
	driverCIDR string
	ssh        bool
}

// run returns the identifier of the named security group, creating,
// authorizing and tagging it if it does not exist.
func (s securityGroupSetup) run() (string, error) {
	if id, err := s.find(); err != nil || id != "" {
		return id, err
	}
	vpc, err := s.defaultVPC()
	if err != nil {
		return "", err
	}
	log.Printf("creating security group %s in VPC %s", s.name, aws.StringValue(vpc.VpcId))
	resp, err := s.svc.CreateSecurityGroup(&ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(s.name),
		Description: aws.String("bigpi ranks; created by bigpi setup-ec2"),
		VpcId:       vpc.VpcId,
	})
	if err != nil {
		return "", fmt.Errorf("create security group %s: %v", s.name, err)
	}
	id := aws.StringValue(resp.GroupId)
	_, err = s.svc.AuthorizeSecurityGroupIngress(&ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       resp.GroupId,
		IpPermissions: ingressRules(aws.StringValue(vpc.CidrBlock), s.driverCIDR, s.ssh),
	})
	if err != nil {
		return "", fmt.Errorf("authorize ingress for security group %s: %v", id, err)
	}
	_, err = s.svc.CreateTags(&ec2.CreateTagsInput{
		Resources: []*string{resp.GroupId},
		Tags: []*ec2.Tag{
			{Key: aws.String("bigpi-sg"), Value: aws.String("true")},
			{Key: aws.String("Name"), Value: aws.String("bigpi")},
		},
	})
	if err != nil {
		// The group is usable untagged.
		log.Printf("tag security group %s: %v", id, err)
	}
	log.Printf("created security group %s", id)
	return id, nil
}

// find returns the identifier of the named security group, or "" if
// there is none.
func (s securityGroupSetup) find() (string, error) {
	resp, err := s.svc.DescribeSecurityGroups(&ec2.DescribeSecurityGroupsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("group-name"),
			Values: []*string{aws.String(s.name)},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("query security group %s: %v", s.name, err)
	}
	if len(resp.SecurityGroups) == 0 {
		return "", nil
	}
	id := aws.StringValue(resp.SecurityGroups[0].GroupId)
	log.Printf("found existing security group %s (%s)", s.name, id)
	return id, nil
}

// defaultVPC returns the account's default VPC, into which ranks are
// launched.
func (s securityGroupSetup) defaultVPC() (*ec2.Vpc, error) {
	resp, err := s.svc.DescribeVpcs(&ec2.DescribeVpcsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("isDefault"),
			Values: []*string{aws.String("true")},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("query default VPC: %v", err)
	}
	switch len(resp.Vpcs) {
	case 0:
		return nil, errors.New(
			"AWS account does not have a default VPC and requires manual setup.\n" +
				"See https://docs.aws.amazon.com/vpc/latest/userguide/default-vpc.html#create-default-vpc")
	case 1:
		return resp.Vpcs[0], nil
	default:
		return nil, errors.New("AWS account has multiple default VPCs; needs manual setup")
	}
}

// ingressRules returns the inbound rules of the ranks' security
// group. The rank port is open to the VPC and to the driver address
// range; SSH, if enabled, only to the driver address range.
func ingressRules(vpcCIDR, driverCIDR string, ssh bool) []*ec2.IpPermission {
	var ranges []*ec2.IpRange
	for _, r := range []struct{ cidr, desc string }{
		{vpcCIDR, "rank contributions"},
		{driverCIDR, "bigpi driver"},
	} {
		if r.cidr == "" {
			continue
		}
		if len(ranges) > 0 && aws.StringValue(ranges[0].CidrIp) == r.cidr {
			continue
		}
		ranges = append(ranges, &ec2.IpRange{CidrIp: aws.String(r.cidr), Description: aws.String(r.desc)})
	}
	rules := []*ec2.IpPermission{{
		IpProtocol: aws.String("tcp"),
		FromPort:   aws.Int64(rankPort),
		ToPort:     aws.Int64(rankPort),
		IpRanges:   ranges,
	}}
	if ssh {
		rules = append(rules, &ec2.IpPermission{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int64(sshPort),
			ToPort:     aws.Int64(sshPort),
			IpRanges:   []*ec2.IpRange{{CidrIp: aws.String(driverCIDR), Description: aws.String("bigpi driver ssh")}},
		})
	}
	return rules
}
