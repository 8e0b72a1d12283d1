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

// Package afthelper provides helper functions for summarising the forwarding
// state held in the tables of a RIB.
package afthelper

import (
	"fmt"
	"net/netip"

	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/nexthop"
	"github.com/openconfig/fibgo/rib"
)

// NextHopSummary provides a summary of an next-hop for a particular entry.
type NextHopSummary struct {
	// Weight is the share of traffic that the next-hop gets.
	Weight uint64 `json:"weight"`
	// Address is the IP address of the next-hop, empty for a directly
	// connected destination.
	Address string `json:"address"`
	// Interface is the name of the egress interface.
	Interface string `json:"interface"`
	// NetworkInstance is the network instance within which the address was resolved.
	NetworkInstance string `json:"network-instance"`
}

// table returns the table of r with number fib for the family of a.
func table(r *rib.RIB, fib uint32, a netip.Addr) (*rib.Table, error) {
	fam := constants.FamilyOf(a)
	t, ok := r.Table(fam, fib)
	if !ok {
		return nil, fmt.Errorf("table %d does not exist for family %s", fib, fam)
	}
	return t, nil
}

// summarise returns the next-hops of the route rt in table t keyed by the
// next-hop address, or by the interface name for a directly connected next-hop.
func summarise(t *rib.Table, rt *rib.Route) map[string]*NextHopSummary {
	o := rt.Nexthop()
	ms := o.Members()
	if n, ok := o.(*nexthop.Nexthop); ok {
		ms = []nexthop.Member{{Nexthop: n, Weight: rt.Weight()}}
	}

	ret := map[string]*NextHopSummary{}
	for _, m := range ms {
		s := &NextHopSummary{
			Weight:          uint64(m.Weight),
			Interface:       m.Nexthop.Interface().Name(),
			NetworkInstance: constants.NetworkInstanceName(t.FIB()),
		}
		k := s.Interface
		if gw := m.Nexthop.Gateway(); gw.IsValid() {
			s.Address = gw.String()
			k = s.Address
		}
		ret[k] = s
	}
	return ret
}

// NextHopAddrsForPrefix unrolls the prefix specified within the table fib of
// the RIB r. It returns a map of next-hop IP address to a summary of the
// resolved next-hop. Directly connected next-hops are keyed by the name of
// their interface.
func NextHopAddrsForPrefix(r *rib.RIB, fib uint32, prefix string) (map[string]*NextHopSummary, error) {
	p, err := netip.ParsePrefix(prefix)
	if err != nil {
		return nil, fmt.Errorf("invalid prefix %s, %v", prefix, err)
	}
	t, err := table(r, fib, p.Addr())
	if err != nil {
		return nil, err
	}
	rt, ok := t.Get(p.Masked())
	if !ok {
		return nil, fmt.Errorf("cannot find prefix %s in table %s", p, t)
	}
	return summarise(t, rt), nil
}

// NextHopAddrsForAddr resolves the address addr within the table fib of the
// RIB r using the longest matching route. It returns the matching prefix along
// with the summary of its next-hops, as NextHopAddrsForPrefix.
func NextHopAddrsForAddr(r *rib.RIB, fib uint32, addr string) (string, map[string]*NextHopSummary, error) {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return "", nil, fmt.Errorf("invalid address %s, %v", addr, err)
	}
	t, err := table(r, fib, a)
	if err != nil {
		return "", nil, err
	}
	rt, _, ok := t.Lookup(a)
	if !ok {
		return "", nil, fmt.Errorf("no route to %s in table %s", a, t)
	}
	return rt.Prefix().String(), summarise(t, rt), nil
}
