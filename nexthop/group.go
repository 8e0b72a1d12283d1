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

package nexthop

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/segmentio/fasthash/fnv1a"
	"go.uber.org/atomic"
	"lukechampine.com/uint128"
)

// MaxSlots is the maximum number of slots that the weights of a group are
// compiled into, unless the group has more members than that.
const MaxSlots = 64

// FlowKey identifies a flow for the purposes of multipath selection.
type FlowKey = uint128.Uint128

// DefaultFlowKey is the key used where no flow is known, such as when a route
// change is reported to listeners.
var DefaultFlowKey = uint128.Zero

// FlowKeyFromAddrs returns the flow key for traffic from src to dst.
func FlowKeyFromAddrs(src, dst netip.Addr) FlowKey {
	s, d := src.AsSlice(), dst.AsSlice()
	lo := fnv1a.AddBytes64(fnv1a.HashBytes64(s), d)
	hi := fnv1a.AddBytes64(fnv1a.HashBytes64(d), s)
	return uint128.New(lo, hi)
}

// Member is a next-hop within a group and its weight.
type Member struct {
	Nexthop *Nexthop
	Weight  uint32
}

// Group is a multipath set of next-hops. The membership of a group is fixed when
// it is created.
type Group struct {
	id      uint32
	members []Member
	// slots is the compiled form of the weights, each member appears in the
	// slice a number of times proportional to its weight.
	slots []*Nexthop

	refs atomic.Int64
	reg  *Registry
}

// newGroup returns a group holding a single reference. The caller must already
// hold a reference to each member, which is transferred to the group.
func newGroup(id uint32, members []Member, reg *Registry) *Group {
	g := &Group{
		id:      id,
		members: members,
		slots:   compileSlots(members),
		reg:     reg,
	}
	g.refs.Store(1)
	return g
}

// compileSlots expands the weights of the members into a slot table. Weights are
// reduced by their greatest common divisor and then scaled down so that the table
// does not exceed MaxSlots, each member keeping at least one slot. A group with
// more than MaxSlots members has exactly one slot per member.
func compileSlots(members []Member) []*Nexthop {
	ws := make([]uint64, len(members))
	var d, total uint64
	for i, m := range members {
		ws[i] = uint64(m.Weight)
		if ws[i] == 0 {
			ws[i] = 1
		}
		d = gcd(d, ws[i])
	}
	for i := range ws {
		ws[i] /= d
		total += ws[i]
	}
	limit := uint64(MaxSlots)
	if n := uint64(len(members)); n > limit {
		limit = n
	}
	if total > limit {
		var scaled uint64
		for i := range ws {
			ws[i] = ws[i] * limit / total
			if ws[i] == 0 {
				ws[i] = 1
			}
			scaled += ws[i]
		}
		// Trim rounding overshoot from the heaviest members, never taking the
		// last slot of a member.
		for scaled > limit {
			h := -1
			for i := range ws {
				if ws[i] > 1 && (h < 0 || ws[i] > ws[h]) {
					h = i
				}
			}
			if h < 0 {
				break
			}
			ws[h]--
			scaled--
		}
	}
	slots := []*Nexthop{}
	for i, m := range members {
		for j := uint64(0); j < ws[i]; j++ {
			slots = append(slots, m.Nexthop)
		}
	}
	return slots
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// ID implements Object.
func (g *Group) ID() uint32 { return g.id }

// Kind implements Object.
func (g *Group) Kind() Kind { return KindGroup }

// Select implements Object. The selected member is a pure function of the key
// and the slot table of the group.
func (g *Group) Select(key FlowKey) *Nexthop {
	return g.slots[key.Mod64(uint64(len(g.slots)))]
}

// Members implements Object. The returned slice must not be modified.
func (g *Group) Members() []Member { return g.members }

// Slots returns the number of slots in the compiled weight table.
func (g *Group) Slots() int { return len(g.slots) }

// Contains returns the index of the member n in the group or -1.
func (g *Group) Contains(n *Nexthop) int {
	for i, m := range g.members {
		if m.Nexthop == n {
			return i
		}
	}
	return -1
}

// Acquire implements Object.
func (g *Group) Acquire() bool {
	for {
		c := g.refs.Load()
		if c <= 0 {
			return false
		}
		if g.refs.CompareAndSwap(c, c+1) {
			return true
		}
	}
}

// Release implements Object. Dropping the last reference to the group drops the
// group's references to its members.
func (g *Group) Release() {
	switch c := g.refs.Dec(); {
	case c == 0:
		if g.reg != nil {
			g.reg.purge(g)
		}
		for _, m := range g.members {
			m.Nexthop.Release()
		}
	case c < 0:
		panic(fmt.Sprintf("next-hop group %d released more times than acquired", g.id))
	}
}

// Refs implements Object.
func (g *Group) Refs() int64 { return g.refs.Load() }

// String returns a human-readable form of the group.
func (g *Group) String() string {
	s := make([]string, 0, len(g.members))
	for _, m := range g.members {
		s = append(s, fmt.Sprintf("%s*%d", m.Nexthop, m.Weight))
	}
	return fmt.Sprintf("nhg%d[%s]", g.id, strings.Join(s, ", "))
}
