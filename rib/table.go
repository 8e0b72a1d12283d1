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
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/nexthop"
)

// Table is the routing table for one address family and one FIB number. It
// is the head of the prefix index, and owns the next-hop registry used by the
// routes within it.
type Table struct {
	family    constants.Family
	fib       uint32
	multipath bool
	clk       clock.Clock

	// mu protects the prefix index and the expiry timer. Readers take it for
	// reading, the mutation engine takes it for writing.
	mu sync.RWMutex
	// idx is the set of routes in the table.
	idx PrefixIndex
	// expireTimer fires at the earliest expiry time of a route in the table.
	expireTimer *clock.Timer

	nhops *nexthop.Registry

	// gen is incremented by each committed change.
	gen atomic.Uint64
	// nextExpire is the earliest expiry time, in Unix nanoseconds, of any route
	// in the table or zero if none expire.
	nextExpire atomic.Int64

	nq notifyQueue
}

// newTable returns an empty table for family fam and FIB number fib.
func newTable(fam constants.Family, fib uint32, o *ribOpts) *Table {
	t := &Table{
		family:    fam,
		fib:       fib,
		multipath: o.multipath,
		clk:       o.clk,
		idx:       o.newIndex(fam),
		nhops:     nexthop.NewRegistry(fib, o.nhLimit),
	}
	t.nq.setHook(o.hook)
	return t
}

// Family returns the address family of the table.
func (t *Table) Family() constants.Family { return t.family }

// FIB returns the FIB number of the table.
func (t *Table) FIB() uint32 { return t.fib }

// Multipath reports whether the table accepts routes with more than one path.
func (t *Table) Multipath() bool { return t.multipath }

// Nexthops returns the next-hop registry of the table.
func (t *Table) Nexthops() *nexthop.Registry { return t.nhops }

// Generation returns the number of changes committed to the table.
func (t *Table) Generation() uint64 { return t.gen.Load() }

// NextExpire returns the earliest time at which a route in the table may
// expire, the zero time is returned if no route expires.
func (t *Table) NextExpire() time.Time {
	ns := t.nextExpire.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// SetHook sets the function that is called with each change committed to the
// table.
func (t *Table) SetHook(fn RIBHookFn) { t.nq.setHook(fn) }

// String returns a human readable name for the table.
func (t *Table) String() string { return fmt.Sprintf("%s/%d", t.family, t.fib) }

// Get returns the route for exactly the prefix p.
func (t *Table) Get(p netip.Prefix) (*Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.idx.Get(p.Masked())
}

// Lookup returns the route with the longest prefix containing a, and the
// next-hop that the default flow to a uses.
func (t *Table) Lookup(a netip.Addr) (*Route, *nexthop.Nexthop, bool) {
	return t.LookupFlow(a, nexthop.DefaultFlowKey)
}

// LookupFlow returns the route with the longest prefix containing a, and the
// next-hop selected for the flow key. An IPv4-mapped IPv6 address is looked up
// as the IPv4 address it maps, it never matches a route of an IPv6 table.
func (t *Table) LookupFlow(a netip.Addr, key nexthop.FlowKey) (*Route, *nexthop.Nexthop, bool) {
	a = a.Unmap()
	if constants.FamilyOf(a) != t.family {
		return nil, nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.idx.Match(a)
	if !ok {
		return nil, nil, false
	}
	return r, r.Nexthop().Select(key), true
}

// Walk calls fn for each route in the table in prefix order, stopping when fn
// returns false. fn is called with the table locked for reading and must not
// modify the table.
func (t *Table) Walk(fn func(*Route) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.idx.Walk(fn)
}

// Routes returns a snapshot of the routes in the table in prefix order.
func (t *Table) Routes() []*Route {
	var rs []*Route
	t.Walk(func(r *Route) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// Len returns the number of routes in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.idx.Len()
}
