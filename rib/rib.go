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

// Package rib implements a routing information base. The RIB holds one table
// per address family and FIB number. Each table maps destination prefixes to
// routes which reference shared, reference counted next-hops or weighted groups
// of next-hops.
package rib

import (
	"sync"

	"github.com/benbjohnson/clock"
	log "github.com/golang/glog"
	"go.uber.org/atomic"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/iface"
)

// RIB is the set of tables of the system, indexed by address family and FIB
// number. Tables for FIB numbers 0 to NumFIBs()-1 exist for each family that the
// RIB was created with.
type RIB struct {
	// createMu serialises the creation of tables. It is always acquired before
	// the lock of any table.
	createMu sync.Mutex

	// mu protects tables and hook.
	mu sync.RWMutex
	// tables holds the tables for each family, indexed by FIB number.
	tables map[constants.Family][]*Table

	opts *ribOpts
}

// Settings are the runtime tunables of a RIB.
type Settings struct {
	// propagateAll selects whether interface address routes are installed in
	// every table rather than only in that of the interface.
	propagateAll atomic.Bool
}

// NewSettings returns the default settings, under which interface address routes
// are installed only in the table of the interface.
func NewSettings() *Settings { return &Settings{} }

// PropagateAllTables reports whether interface address routes are installed in
// every table.
func (s *Settings) PropagateAllTables() bool { return s.propagateAll.Load() }

// SetPropagateAllTables sets whether interface address routes are installed in
// every table.
func (s *Settings) SetPropagateAllTables(v bool) { s.propagateAll.Store(v) }

// RIBOpt is an interface implemented by options that modify the RIB.
type RIBOpt interface {
	isRIBOpt()
}

type ribOpts struct {
	fibs      uint32
	families  []constants.Family
	multipath bool
	clk       clock.Clock
	settings  *Settings
	nhLimit   int
	ifaces    *iface.Directory
	newIndex  func(constants.Family) PrefixIndex
	hook      RIBHookFn
}

type fibsOpt struct{ n uint32 }

func (*fibsOpt) isRIBOpt() {}

// WithFIBs sets the initial number of FIBs, at least one is always created.
func WithFIBs(n uint32) *fibsOpt { return &fibsOpt{n: n} }

type familiesOpt struct{ f []constants.Family }

func (*familiesOpt) isRIBOpt() {}

// WithFamilies sets the address families for which tables are created. By
// default tables are created for IPv4 and IPv6.
func WithFamilies(f ...constants.Family) *familiesOpt { return &familiesOpt{f: f} }

type multipathOpt struct{}

func (*multipathOpt) isRIBOpt() {}

// WithMultipath allows routes to have more than one path.
func WithMultipath() *multipathOpt { return &multipathOpt{} }

type clockOpt struct{ c clock.Clock }

func (*clockOpt) isRIBOpt() {}

// WithClock sets the clock used to timestamp changes and to expire routes.
func WithClock(c clock.Clock) *clockOpt { return &clockOpt{c: c} }

type settingsOpt struct{ s *Settings }

func (*settingsOpt) isRIBOpt() {}

// WithSettings sets the tunables used by the RIB, allowing them to be shared
// with the caller.
func WithSettings(s *Settings) *settingsOpt { return &settingsOpt{s: s} }

type nhLimitOpt struct{ n int }

func (*nhLimitOpt) isRIBOpt() {}

// WithNexthopLimit limits the number of next-hops and groups per table. Zero
// means that there is no limit.
func WithNexthopLimit(n int) *nhLimitOpt { return &nhLimitOpt{n: n} }

type ifacesOpt struct{ d *iface.Directory }

func (*ifacesOpt) isRIBOpt() {}

// WithInterfaces sets the interfaces of the system, which are used to find the
// loopback interface.
func WithInterfaces(d *iface.Directory) *ifacesOpt { return &ifacesOpt{d: d} }

type indexOpt struct {
	fn func(constants.Family) PrefixIndex
}

func (*indexOpt) isRIBOpt() {}

// WithPrefixIndex sets the function used to create the prefix index of each
// table.
func WithPrefixIndex(fn func(constants.Family) PrefixIndex) *indexOpt { return &indexOpt{fn: fn} }

// New returns a RIB with the options opts applied.
func New(opts ...RIBOpt) *RIB {
	o := &ribOpts{
		fibs:     1,
		families: constants.Families,
		clk:      clock.New(),
		settings: NewSettings(),
		ifaces:   iface.NewDirectory(),
		newIndex: NewCritbitIndex,
	}
	for _, opt := range opts {
		switch v := opt.(type) {
		case *fibsOpt:
			if v.n > 0 {
				o.fibs = v.n
			}
		case *familiesOpt:
			if len(v.f) > 0 {
				o.families = v.f
			}
		case *multipathOpt:
			o.multipath = true
		case *clockOpt:
			o.clk = v.c
		case *settingsOpt:
			o.settings = v.s
		case *nhLimitOpt:
			o.nhLimit = v.n
		case *ifacesOpt:
			o.ifaces = v.d
		case *indexOpt:
			o.newIndex = v.fn
		}
	}

	r := &RIB{
		tables: map[constants.Family][]*Table{},
		opts:   o,
	}
	for _, f := range o.families {
		for i := uint32(0); i < o.fibs; i++ {
			r.tables[f] = append(r.tables[f], newTable(f, i, o))
		}
	}
	return r
}

// Settings returns the tunables of the RIB.
func (r *RIB) Settings() *Settings { return r.opts.settings }

// Interfaces returns the interfaces known to the RIB.
func (r *RIB) Interfaces() *iface.Directory { return r.opts.ifaces }

// Clock returns the clock used by the RIB.
func (r *RIB) Clock() clock.Clock { return r.opts.clk }

// Families returns the address families for which the RIB has tables.
func (r *RIB) Families() []constants.Family {
	return append([]constants.Family(nil), r.opts.families...)
}

// NumFIBs returns the number of FIBs, and hence tables per family.
func (r *RIB) NumFIBs() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint32(len(r.tables[r.opts.families[0]]))
}

// Table returns the table for family fam and FIB number fib.
func (r *RIB) Table(fam constants.Family, fib uint32) (*Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts := r.tables[fam]
	if int(fib) >= len(ts) {
		return nil, false
	}
	return ts[fib], true
}

// Tables returns the tables of family fam in FIB number order.
func (r *RIB) Tables(fam constants.Family) []*Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Table(nil), r.tables[fam]...)
}

// SetHook sets the function that is called with each change committed to any
// table of the RIB, including tables created later.
func (r *RIB) SetHook(fn RIBHookFn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts.hook = fn
	for _, ts := range r.tables {
		for _, t := range ts {
			t.SetHook(fn)
		}
	}
}

// Action applies the operation op described by req to the table with FIB
// number fib of the family of the destination of req.
func (r *RIB) Action(fib uint32, op constants.OpType, req *Request) (*ChangeRecord, error) {
	if req == nil {
		return nil, invalidf("nil request")
	}
	t, ok := r.Table(req.Family(), fib)
	if !ok {
		return nil, invalidf("no %s table with FIB number %d", req.Family(), fib)
	}
	return t.Action(op, req)
}

// SetNumFIBs sets the number of FIBs to n. The number of FIBs can only be
// increased. Each new table is populated with the routes of table 0 of its
// family that are eligible for copying.
func (r *RIB) SetNumFIBs(n uint32) error {
	r.createMu.Lock()
	defer r.createMu.Unlock()
	tok := &creationToken{}

	cur := r.NumFIBs()
	switch {
	case n < cur:
		return status.Errorf(codes.InvalidArgument, "cannot reduce number of FIBs from %d to %d", cur, n)
	case n == cur:
		return nil
	}

	var created []*Table
	r.mu.Lock()
	for _, f := range r.opts.families {
		for i := cur; i < n; i++ {
			t := newTable(f, i, r.opts)
			r.tables[f] = append(r.tables[f], t)
			created = append(created, t)
		}
	}
	r.mu.Unlock()
	log.Infof("number of FIBs increased from %d to %d", cur, n)

	for _, t := range created {
		src, _ := r.Table(t.family, 0)
		if err := copyKernelRoutes(tok, src, t); err != nil {
			log.Errorf("cannot populate table %s, %v", t, err)
		}
	}
	return nil
}
