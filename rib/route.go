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
	"net/netip"
	"time"

	"go.uber.org/atomic"

	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/iface"
	"github.com/openconfig/fibgo/nexthop"
)

// DefaultWeight is the weight of a route, or of a path of a multipath route,
// when none is specified.
const DefaultWeight = 1

// Route is an entry within a table. The prefix of a route never changes, its
// next-hop, weight, flags and expiry are replaced by Change operations and may be
// read concurrently with them.
type Route struct {
	prefix netip.Prefix

	nh     atomic.Pointer[nhRef]
	weight atomic.Uint32
	flags  atomic.Uint32
	// gen is the table generation at which the route was last modified.
	gen atomic.Uint64
	// expire is the time at which the route is removed in Unix nanoseconds,
	// zero if the route never expires.
	expire atomic.Int64
}

// nhRef boxes the next-hop object of a route so that it can be swapped atomically.
type nhRef struct {
	o nexthop.Object
}

func newRoute(p netip.Prefix, o nexthop.Object, weight uint32, flags nexthop.Flags, expire time.Time) *Route {
	r := &Route{prefix: p}
	r.setNexthop(o)
	r.weight.Store(weight)
	r.flags.Store(uint32(flags & nexthop.RouteFlags))
	r.setExpire(expire)
	return r
}

func (r *Route) setNexthop(o nexthop.Object) { r.nh.Store(&nhRef{o: o}) }

func (r *Route) setExpire(t time.Time) {
	if t.IsZero() {
		r.expire.Store(0)
		return
	}
	r.expire.Store(t.UnixNano())
}

// Prefix returns the destination of the route.
func (r *Route) Prefix() netip.Prefix { return r.prefix }

// Nexthop returns the next-hop or next-hop group that the route uses.
func (r *Route) Nexthop() nexthop.Object { return r.nh.Load().o }

// Weight returns the weight of the route.
func (r *Route) Weight() uint32 { return r.weight.Load() }

// Flags returns the route flags.
func (r *Route) Flags() nexthop.Flags { return nexthop.Flags(r.flags.Load()) }

// Generation returns the generation of the table at which the route was last
// modified.
func (r *Route) Generation() uint64 { return r.gen.Load() }

// Expire returns the time at which the route expires, the zero time is returned
// for routes that do not expire.
func (r *Route) Expire() time.Time {
	ns := r.expire.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// IsHost reports whether the route is for a single address.
func (r *Route) IsHost() bool { return r.prefix.IsSingleIP() }

// String returns a human readable form of the route.
func (r *Route) String() string {
	return fmt.Sprintf("%s via %v [%s]", r.prefix, r.Nexthop(), r.Flags())
}

// Request describes a route to be added, changed or deleted.
type Request struct {
	// Dst is the destination address.
	Dst netip.Addr
	// Netmask is the mask applied to Dst. An invalid Netmask indicates a host
	// route.
	Netmask netip.Addr
	// Gateway is the gateway address. On a Delete of a multipath route it
	// selects the path to be removed.
	Gateway netip.Addr
	// Interface is the egress interface.
	Interface *iface.Interface
	// LinkIndex is the index of the interface owning a local address.
	LinkIndex int
	// Source is the preferred source address.
	Source netip.Addr
	// Flags are the requested route and next-hop flags.
	Flags nexthop.Flags
	// Weight is the weight of the path, zero selects DefaultWeight.
	Weight uint32
	// MTU is the path MTU.
	MTU uint32
	// Expire is the time at which the route is removed, the zero time means
	// never.
	Expire time.Time
	// Append requests that an Add for an existing prefix adds the path to
	// the route rather than failing, it is honoured only by tables that
	// support multipath.
	Append bool
}

// Family returns the address family of the destination.
func (r *Request) Family() constants.Family { return constants.FamilyOf(r.Dst) }

// Prefix returns the destination prefix of the request. The netmask must be in
// the same family as the destination and be contiguous.
func (r *Request) Prefix() (netip.Prefix, error) {
	if !r.Dst.IsValid() {
		return netip.Prefix{}, invalidf("invalid destination address")
	}
	if r.Dst.Is4In6() {
		return netip.Prefix{}, invalidf("IPv4-mapped destination %s is not supported", r.Dst)
	}
	bits := r.Dst.BitLen()
	if r.Netmask.IsValid() {
		if r.Netmask.BitLen() != r.Dst.BitLen() {
			return netip.Prefix{}, invalidf("netmask %s does not match destination %s", r.Netmask, r.Dst)
		}
		var ok bool
		if bits, ok = maskLen(r.Netmask); !ok {
			return netip.Prefix{}, invalidf("netmask %s is not contiguous", r.Netmask)
		}
	}
	return netip.PrefixFrom(r.Dst.WithZone(""), bits).Masked(), nil
}

// maskLen returns the number of leading one bits in the mask m, and whether the
// remaining bits are all zero.
func maskLen(m netip.Addr) (int, bool) {
	n := 0
	zero := false
	for _, b := range m.AsSlice() {
		for i := 7; i >= 0; i-- {
			set := b&(1<<uint(i)) != 0
			switch {
			case set && zero:
				return 0, false
			case set:
				n++
			default:
				zero = true
			}
		}
	}
	return n, true
}

// attrs returns the next-hop attributes described by the request for a route to
// the prefix p.
func (r *Request) attrs(fam constants.Family, p netip.Prefix) nexthop.Attrs {
	flags := r.Flags
	if p.IsSingleIP() {
		flags |= nexthop.Host
	}
	return nexthop.Attrs{
		Family:    fam,
		Gateway:   r.Gateway,
		Interface: r.Interface,
		LinkIndex: r.LinkIndex,
		Source:    r.Source,
		MTU:       r.MTU,
		Flags:     flags,
	}
}

func (r *Request) weight() uint32 {
	if r.Weight == 0 {
		return DefaultWeight
	}
	return r.Weight
}

// Netmask returns the netmask corresponding to the length of the prefix p.
func Netmask(p netip.Prefix) netip.Addr {
	b := make([]byte, p.Addr().BitLen()/8)
	for i := 0; i < p.Bits(); i++ {
		b[i/8] |= 0x80 >> uint(i%8)
	}
	a, _ := netip.AddrFromSlice(b)
	return a
}
