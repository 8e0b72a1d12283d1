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

// Package iface describes the network interfaces and interface addresses that
// routes are attached to. It is the read-only view of the link layer that the
// RIB consults; interfaces are created and reconfigured by their owner.
package iface

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"go.uber.org/atomic"

	"github.com/openconfig/fibgo/constants"
)

// Interface is a network interface that routes can egress through.
type Interface struct {
	// name is the name of the interface, e.g., eth0.
	name string
	// index is the system-wide interface index.
	index int
	// loopback indicates that the interface is the loopback interface.
	loopback bool
	// families is the set of address families attached to the interface.
	families map[constants.Family]bool
	// fib is the table that the interface is assigned to. It can be changed
	// whilst the interface is in use, so is read atomically.
	fib *atomic.Uint32
}

// Opt is an option that can be supplied when creating a new interface.
type Opt interface {
	isIfaceOpt()
}

type loopbackOpt struct{}

func (*loopbackOpt) isIfaceOpt() {}

// Loopback marks the interface as the loopback interface.
func Loopback() *loopbackOpt { return &loopbackOpt{} }

type familiesOpt struct {
	f []constants.Family
}

func (*familiesOpt) isIfaceOpt() {}

// WithFamilies restricts the address families attached to the interface to
// those specified. By default all families are attached.
func WithFamilies(f ...constants.Family) *familiesOpt { return &familiesOpt{f: f} }

type fibOpt struct {
	fib uint32
}

func (*fibOpt) isIfaceOpt() {}

// WithFIB assigns the interface to table fib, the default is table zero.
func WithFIB(fib uint32) *fibOpt { return &fibOpt{fib: fib} }

// New returns a new interface with the specified name and index.
func New(name string, index int, opts ...Opt) *Interface {
	i := &Interface{
		name:     name,
		index:    index,
		families: map[constants.Family]bool{},
		fib:      atomic.NewUint32(0),
	}
	fams := constants.Families
	for _, o := range opts {
		switch v := o.(type) {
		case *loopbackOpt:
			i.loopback = true
		case *familiesOpt:
			fams = v.f
		case *fibOpt:
			i.fib.Store(v.fib)
		}
	}
	for _, f := range fams {
		i.families[f] = true
	}
	return i
}

// Name returns the name of the interface.
func (i *Interface) Name() string { return i.name }

// Index returns the interface index.
func (i *Interface) Index() int { return i.index }

// IsLoopback reports whether the interface is a loopback interface.
func (i *Interface) IsLoopback() bool { return i.loopback }

// HasFamily reports whether the address family f is attached to the interface.
func (i *Interface) HasFamily(f constants.Family) bool { return i.families[f] }

// FIB returns the table that the interface is currently assigned to.
func (i *Interface) FIB() uint32 { return i.fib.Load() }

// SetFIB reassigns the interface to table fib.
func (i *Interface) SetFIB(fib uint32) { i.fib.Store(fib) }

// String implements fmt.Stringer.
func (i *Interface) String() string {
	if i == nil {
		return "<nil>"
	}
	return i.name
}

// Addr is an address configured on an interface.
type Addr struct {
	// Prefix is the address and the length of the connected subnet.
	Prefix netip.Prefix
	// Interface is the interface that owns the address.
	Interface *Interface
}

// NewAddr returns a new interface address parsed from the CIDR string s.
func NewAddr(s string, i *Interface) (*Addr, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return nil, fmt.Errorf("invalid interface address %s, %v", s, err)
	}
	return &Addr{Prefix: p, Interface: i}, nil
}

// Address returns the host address.
func (a *Addr) Address() netip.Addr { return a.Prefix.Addr() }

// Family returns the address family of the address.
func (a *Addr) Family() constants.Family { return constants.FamilyOf(a.Prefix.Addr()) }

// Directory is the set of interfaces known to the system.
type Directory struct {
	// mu protects the maps below.
	mu      sync.RWMutex
	byName  map[string]*Interface
	byIndex map[int]*Interface
}

// NewDirectory returns an empty interface directory.
func NewDirectory() *Directory {
	return &Directory{
		byName:  map[string]*Interface{},
		byIndex: map[int]*Interface{},
	}
}

// Add adds the interface i to the directory. It returns an error if an
// interface with the same name or index already exists.
func (d *Directory) Add(i *Interface) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byName[i.name]; ok {
		return fmt.Errorf("duplicate interface name %s", i.name)
	}
	if _, ok := d.byIndex[i.index]; ok {
		return fmt.Errorf("duplicate interface index %d for %s", i.index, i.name)
	}
	d.byName[i.name] = i
	d.byIndex[i.index] = i
	return nil
}

// ByName returns the interface with the specified name.
func (d *Directory) ByName(n string) (*Interface, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i, ok := d.byName[n]
	return i, ok
}

// ByIndex returns the interface with the specified index.
func (d *Directory) ByIndex(idx int) (*Interface, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i, ok := d.byIndex[idx]
	return i, ok
}

// Loopback returns the loopback interface with the lowest index, or nil if
// there is none.
func (d *Directory) Loopback() *Interface {
	for _, i := range d.All() {
		if i.loopback {
			return i
		}
	}
	return nil
}

// All returns the interfaces in the directory ordered by index.
func (d *Directory) All() []*Interface {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ret := make([]*Interface, 0, len(d.byIndex))
	for _, i := range d.byIndex {
		ret = append(ret, i)
	}
	sort.Slice(ret, func(a, b int) bool { return ret[a].index < ret[b].index })
	return ret
}
