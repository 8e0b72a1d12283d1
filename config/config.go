// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the YAML configuration of a fake router: the tables,
// the interfaces and their addresses, and the static routes that are installed
// at startup.
package config

import (
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/openconfig/fibgo/constants"
)

const (
	// DefaultTarget is the gNMI target name used when none is configured.
	DefaultTarget = "DUT"
	// DefaultJournalSize is the number of gRIBI operations retained when no
	// journal size is configured.
	DefaultJournalSize = 1024
)

// Config is the configuration of a device.
type Config struct {
	// FIBs is the number of tables per address family, at least one.
	FIBs uint32 `yaml:"fibs"`
	// Multipath enables multipath routes.
	Multipath bool `yaml:"multipath"`
	// PropagateAllTables specifies that interface routes are installed in
	// every table.
	PropagateAllTables bool `yaml:"propagate_all_tables"`
	// NexthopLimit is the maximum number of next-hop objects per table, zero
	// is unlimited.
	NexthopLimit int `yaml:"nexthop_limit"`
	// Target is the name of the device in gNMI.
	Target string `yaml:"target"`
	// GNMIAddr is the address that the gNMI server listens on, the server is
	// not started when it is empty.
	GNMIAddr string `yaml:"gnmi_addr"`
	// GRIBIAddr is the address that the gRIBI server listens on, the server
	// is not started when it is empty.
	GRIBIAddr string `yaml:"gribi_addr"`
	// JournalSize is the number of gRIBI operations retained by the journal.
	JournalSize int `yaml:"journal_size"`
	// Interfaces are the interfaces of the device.
	Interfaces []*Interface `yaml:"interfaces"`
	// Routes are the static routes of the device.
	Routes []*Route `yaml:"routes"`
}

// Interface is the configuration of a single interface.
type Interface struct {
	Name string `yaml:"name"`
	// Index is the interface index, it must be non-zero and unique.
	Index int `yaml:"index"`
	// FIB is the table that the interface is assigned to.
	FIB      uint32 `yaml:"fib"`
	Loopback bool   `yaml:"loopback"`
	// Families restricts the address families enabled on the interface, all
	// families are enabled when it is empty.
	Families []string `yaml:"families"`
	// Addresses are the addresses of the interface in CIDR form.
	Addresses []string `yaml:"addresses"`
}

// Route is the configuration of a static route. A route with more than one
// gateway is a multipath route.
type Route struct {
	FIB       uint32   `yaml:"fib"`
	Prefix    string   `yaml:"prefix"`
	Gateways  []string `yaml:"gateways"`
	Interface string   `yaml:"interface"`
	Weight    uint32   `yaml:"weight"`
	// Pinned routes can only be modified by requests that are also pinned.
	Pinned bool `yaml:"pinned"`
}

// families maps the names used in the configuration to address families.
var families = map[string]constants.Family{
	"ipv4": constants.IPv4,
	"ipv6": constants.IPv6,
}

// ParseFamily returns the address family with the specified name.
func ParseFamily(s string) (constants.Family, error) {
	f, ok := families[s]
	if !ok {
		return 0, fmt.Errorf("unknown address family %q", s)
	}
	return f, nil
}

// Load reads the configuration from the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read configuration, %v", err)
	}
	return Parse(b)
}

// Parse parses and validates the YAML configuration in b, and fills in the
// defaults for fields that are not set.
func Parse(b []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.UnmarshalStrict(b, c); err != nil {
		return nil, fmt.Errorf("cannot parse configuration, %v", err)
	}
	if c.FIBs == 0 {
		c.FIBs = 1
	}
	if c.Target == "" {
		c.Target = DefaultTarget
	}
	if c.JournalSize == 0 {
		c.JournalSize = DefaultJournalSize
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration, %v", err)
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.NexthopLimit < 0 || c.JournalSize < 0 {
		return fmt.Errorf("limits must not be negative")
	}

	names := map[string]bool{}
	indices := map[int]bool{}
	for _, i := range c.Interfaces {
		switch {
		case i.Name == "":
			return fmt.Errorf("interface with index %d has no name", i.Index)
		case names[i.Name]:
			return fmt.Errorf("duplicate interface %s", i.Name)
		case i.Index <= 0:
			return fmt.Errorf("interface %s has invalid index %d", i.Name, i.Index)
		case indices[i.Index]:
			return fmt.Errorf("duplicate interface index %d", i.Index)
		case i.FIB >= c.FIBs:
			return fmt.Errorf("interface %s is assigned to table %d, only %d tables exist", i.Name, i.FIB, c.FIBs)
		}
		names[i.Name], indices[i.Index] = true, true
		for _, f := range i.Families {
			if _, err := ParseFamily(f); err != nil {
				return fmt.Errorf("interface %s: %v", i.Name, err)
			}
		}
		for _, a := range i.Addresses {
			if _, err := netip.ParsePrefix(a); err != nil {
				return fmt.Errorf("interface %s has invalid address %s, %v", i.Name, a, err)
			}
		}
	}

	for _, r := range c.Routes {
		if _, err := netip.ParsePrefix(r.Prefix); err != nil {
			return fmt.Errorf("invalid route prefix %s, %v", r.Prefix, err)
		}
		if r.FIB >= c.FIBs {
			return fmt.Errorf("route %s is in table %d, only %d tables exist", r.Prefix, r.FIB, c.FIBs)
		}
		if !names[r.Interface] {
			return fmt.Errorf("route %s uses unknown interface %q", r.Prefix, r.Interface)
		}
		if len(r.Gateways) > 1 && !c.Multipath {
			return fmt.Errorf("route %s has %d gateways but multipath is disabled", r.Prefix, len(r.Gateways))
		}
		for _, gw := range r.Gateways {
			if _, err := netip.ParseAddr(gw); err != nil {
				return fmt.Errorf("route %s has invalid gateway %s, %v", r.Prefix, gw, err)
			}
		}
	}
	return nil
}
