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

package rib

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/k-sone/critbitgo"

	"github.com/openconfig/fibgo/constants"
)

// PrefixIndex is an ordered container of the routes of a table keyed by their
// destination prefix. Implementations are not required to be safe for concurrent
// use, the table serialises access to it.
type PrefixIndex interface {
	// Insert adds r under prefix p, replacing any route already present.
	Insert(p netip.Prefix, r *Route) error
	// Remove removes the route for exactly p.
	Remove(p netip.Prefix) (*Route, bool)
	// Get returns the route for exactly p.
	Get(p netip.Prefix) (*Route, bool)
	// Match returns the route with the longest prefix containing a.
	Match(a netip.Addr) (*Route, bool)
	// Walk calls fn for each route in prefix order until fn returns false.
	Walk(fn func(*Route) bool)
	// Len returns the number of routes in the index.
	Len() int
}

// critbitIndex is a PrefixIndex using a crit-bit tree.
type critbitIndex struct {
	n *critbitgo.Net
}

// NewCritbitIndex returns an empty PrefixIndex backed by a crit-bit tree. It is
// the index used by tables unless another is supplied.
func NewCritbitIndex(constants.Family) PrefixIndex {
	return &critbitIndex{n: critbitgo.NewNet()}
}

// ipNet converts p to the form used as a key in the tree, IPv4 prefixes use
// four byte addresses and masks.
func ipNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

func (c *critbitIndex) Insert(p netip.Prefix, r *Route) error {
	if err := c.n.Add(ipNet(p), r); err != nil {
		return fmt.Errorf("cannot insert %s into index, %v", p, err)
	}
	return nil
}

func (c *critbitIndex) Remove(p netip.Prefix) (*Route, bool) {
	v, ok, err := c.n.Delete(ipNet(p))
	if err != nil || !ok {
		return nil, false
	}
	return v.(*Route), true
}

func (c *critbitIndex) Get(p netip.Prefix) (*Route, bool) {
	v, ok, err := c.n.Get(ipNet(p))
	if err != nil || !ok {
		return nil, false
	}
	return v.(*Route), true
}

func (c *critbitIndex) Match(a netip.Addr) (*Route, bool) {
	_, v, err := c.n.MatchIP(net.IP(a.AsSlice()))
	if err != nil || v == nil {
		return nil, false
	}
	return v.(*Route), true
}

func (c *critbitIndex) Walk(fn func(*Route) bool) {
	c.n.Walk(nil, func(_ *net.IPNet, v interface{}) bool {
		return fn(v.(*Route))
	})
}

func (c *critbitIndex) Len() int {
	return c.n.Size()
}
