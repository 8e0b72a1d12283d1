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

// Package nexthop implements the next-hop objects that routes within a table
// resolve to. A next-hop describes how to reach the next hop - its gateway,
// egress interface and flags - and is shared, reference counted, between all
// routes of a table that use it. Next-hops are immutable once published, a
// change to a route's forwarding is expressed by swapping the object that
// the route references.
//
// A Group is a weighted set of next-hops that is used for multipath. Both
// implement Object, which is what a route holds.
package nexthop

import (
	"fmt"
	"net/netip"
	"strings"

	"go.uber.org/atomic"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/iface"
)

// Flags is the set of flags that can be set on a next-hop or route.
type Flags uint32

const (
	// Host indicates a host (full-length) route.
	Host Flags = 1 << iota
	// Gateway indicates that the destination is reached through a gateway.
	Gateway
	// Reject indicates that packets matching the route are dropped with an
	// unreachable error.
	Reject
	// Blackhole indicates that packets matching the route are silently dropped.
	Blackhole
	// Redirect indicates that the entry was created by a redirect.
	Redirect
	// Broadcast indicates a broadcast address.
	Broadcast
	// Dynamic indicates that the entry was created dynamically.
	Dynamic
	// Static indicates a manually added entry.
	Static
	// Pinned indicates a system (kernel) originated entry that cannot be
	// removed or changed by requests that do not also carry the flag.
	Pinned
	// FixedMTU indicates that the MTU must not be updated by path MTU discovery.
	FixedMTU
	// Proto1 is a protocol specific flag.
	Proto1
	// Proto2 is a protocol specific flag.
	Proto2
	// Proto3 is a protocol specific flag.
	Proto3
)

// RouteFlags is the subset of flags that are mirrored onto a route.
const RouteFlags = Host | Gateway | Reject | Blackhole | Dynamic | Static | Pinned | Proto1 | Proto2 | Proto3

var flagNames = []struct {
	f Flags
	n string
}{
	{Host, "HOST"},
	{Gateway, "GATEWAY"},
	{Reject, "REJECT"},
	{Blackhole, "BLACKHOLE"},
	{Redirect, "REDIRECT"},
	{Broadcast, "BROADCAST"},
	{Dynamic, "DYNAMIC"},
	{Static, "STATIC"},
	{Pinned, "PINNED"},
	{FixedMTU, "FIXEDMTU"},
	{Proto1, "PROTO1"},
	{Proto2, "PROTO2"},
	{Proto3, "PROTO3"},
}

// String returns the flags as a |-separated list of names.
func (f Flags) String() string {
	if f == 0 {
		return "NONE"
	}
	var s []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			s = append(s, n.n)
		}
	}
	return strings.Join(s, "|")
}

// Has reports whether all of the flags in o are set in f.
func (f Flags) Has(o Flags) bool { return f&o == o }

// Kind identifies the concrete type of an Object.
type Kind uint8

const (
	_ Kind = iota
	// KindNexthop is a single next-hop.
	KindNexthop
	// KindGroup is a multipath next-hop group.
	KindGroup
)

// Object is implemented by the values that a route can reference: a single
// *Nexthop or a *Group.
type Object interface {
	// ID returns the identifier of the object within its registry.
	ID() uint32
	// Kind returns the type of the object.
	Kind() Kind
	// Select returns the next-hop used for the flow identified by key.
	Select(key FlowKey) *Nexthop
	// Members returns the next-hops that the object resolves to along with
	// their weights.
	Members() []Member
	// Acquire takes a reference to the object. It returns false if the object
	// is already being destroyed, in which case it must not be used.
	Acquire() bool
	// Release drops a reference to the object.
	Release()
	// Refs returns the current reference count.
	Refs() int64
}

// Attrs are the attributes that a next-hop is constructed from.
type Attrs struct {
	// Family is the address family of the next-hop.
	Family constants.Family
	// Gateway is the address of the gateway, it is invalid for directly
	// connected destinations.
	Gateway netip.Addr
	// Interface is the egress interface.
	Interface *iface.Interface
	// LinkIndex is the index of the interface that owns a local address when
	// the next-hop delivers traffic locally, zero otherwise.
	LinkIndex int
	// Source is the preferred source address.
	Source netip.Addr
	// MTU is the path MTU, zero indicates the interface MTU.
	MTU uint32
	// Flags are the next-hop flags.
	Flags Flags
	// FIB is the number of the table that owns the next-hop.
	FIB uint32
}

// key is the set of attributes that identify a shareable next-hop.
type key struct {
	family    constants.Family
	gateway   netip.Addr
	ifindex   int
	linkIndex int
	source    netip.Addr
	mtu       uint32
	flags     Flags
}

func (a *Attrs) key() key {
	return key{
		family:    a.Family,
		gateway:   a.Gateway,
		ifindex:   a.Interface.Index(),
		linkIndex: a.LinkIndex,
		source:    a.Source,
		mtu:       a.MTU,
		flags:     a.Flags,
	}
}

// invalidf returns an error indicating that the attributes of a next-hop are
// inconsistent.
func invalidf(format string, args ...any) error {
	return status.Errorf(codes.InvalidArgument, "invalid next-hop attributes, "+format, args...)
}

// Validate checks that the attributes a are consistent with each other. The
// Gateway flag is implied by a valid gateway address. It returns an error with
// code InvalidArgument if they are not.
func Validate(a *Attrs) error {
	switch {
	case a == nil:
		return invalidf("nil attributes")
	case a.Interface == nil:
		return invalidf("no egress interface")
	case a.Family.Bits() == 0:
		return invalidf("unknown address family %v", a.Family)
	case !a.Interface.HasFamily(a.Family):
		return invalidf("interface %s does not support family %s", a.Interface, a.Family)
	case a.Flags.Has(Reject | Blackhole):
		return invalidf("reject and blackhole are mutually exclusive")
	case a.Flags.Has(Gateway) && !a.Gateway.IsValid():
		return invalidf("gateway flag set without a gateway address")
	}
	if a.Gateway.IsValid() && constants.FamilyOf(a.Gateway) != a.Family {
		return invalidf("gateway %s is not in family %s", a.Gateway, a.Family)
	}
	if a.Source.IsValid() && constants.FamilyOf(a.Source) != a.Family {
		return invalidf("source %s is not in family %s", a.Source, a.Family)
	}
	return nil
}

// Nexthop is a single next-hop. All fields other than the reference count are
// immutable once the next-hop has been created.
type Nexthop struct {
	id    uint32
	attrs Attrs

	refs atomic.Int64
	// reg is the registry that indexes the next-hop, it is notified when the
	// last reference is dropped.
	reg *Registry
}

// newNexthop returns a next-hop holding a single reference.
func newNexthop(id uint32, a Attrs, reg *Registry) *Nexthop {
	if a.Gateway.IsValid() {
		a.Flags |= Gateway
	}
	n := &Nexthop{id: id, attrs: a, reg: reg}
	n.refs.Store(1)
	return n
}

// ID implements Object.
func (n *Nexthop) ID() uint32 { return n.id }

// Kind implements Object.
func (n *Nexthop) Kind() Kind { return KindNexthop }

// Select implements Object, a single next-hop always selects itself.
func (n *Nexthop) Select(FlowKey) *Nexthop { return n }

// Members implements Object.
func (n *Nexthop) Members() []Member { return []Member{{Nexthop: n, Weight: 1}} }

// Family returns the address family of the next-hop.
func (n *Nexthop) Family() constants.Family { return n.attrs.Family }

// Gateway returns the gateway address, which is invalid for directly
// connected next-hops.
func (n *Nexthop) Gateway() netip.Addr { return n.attrs.Gateway }

// Interface returns the egress interface.
func (n *Nexthop) Interface() *iface.Interface { return n.attrs.Interface }

// LinkIndex returns the index of the interface owning a local address.
func (n *Nexthop) LinkIndex() int { return n.attrs.LinkIndex }

// Source returns the preferred source address.
func (n *Nexthop) Source() netip.Addr { return n.attrs.Source }

// MTU returns the MTU of the next-hop.
func (n *Nexthop) MTU() uint32 { return n.attrs.MTU }

// Flags returns the flags of the next-hop.
func (n *Nexthop) Flags() Flags { return n.attrs.Flags }

// FIB returns the number of the table that owns the next-hop.
func (n *Nexthop) FIB() uint32 { return n.attrs.FIB }

// Attrs returns a copy of the attributes of the next-hop.
func (n *Nexthop) Attrs() Attrs { return n.attrs }

// Acquire implements Object. A reference can only be taken whilst at least one
// other reference is held.
func (n *Nexthop) Acquire() bool {
	for {
		c := n.refs.Load()
		if c <= 0 {
			return false
		}
		if n.refs.CompareAndSwap(c, c+1) {
			return true
		}
	}
}

// Release implements Object. When the last reference is dropped the next-hop is
// removed from its registry.
func (n *Nexthop) Release() {
	switch c := n.refs.Dec(); {
	case c == 0:
		if n.reg != nil {
			n.reg.purge(n)
		}
	case c < 0:
		panic(fmt.Sprintf("next-hop %d released more times than acquired", n.id))
	}
}

// Refs implements Object.
func (n *Nexthop) Refs() int64 { return n.refs.Load() }

// String returns a human-readable form of the next-hop.
func (n *Nexthop) String() string {
	if n == nil {
		return "<nil>"
	}
	if n.attrs.Gateway.IsValid() {
		return fmt.Sprintf("nh%d(%s via %s, %s)", n.id, n.attrs.Gateway, n.attrs.Interface, n.attrs.Flags)
	}
	return fmt.Sprintf("nh%d(%s, %s)", n.id, n.attrs.Interface, n.attrs.Flags)
}
