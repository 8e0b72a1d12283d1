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
	"sort"
	"strings"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Registry indexes the next-hops and groups of a single table. It does not own
// the objects that it indexes: routes hold the references, and an object is
// removed from the registry when its last reference is released.
type Registry struct {
	// fib is the table that the registry belongs to, all objects that are
	// created by the registry are scoped to it.
	fib uint32
	// max is the maximum number of objects that can be indexed at any time,
	// zero is unlimited.
	max int

	// mu protects the fields below. It is independent of the lock of the
	// table so that references can be dropped after the table is unlocked.
	mu     sync.Mutex
	nhops  map[key]*Nexthop
	groups map[string]*Group
	byID   map[uint32]Object
	lastID uint32
}

// NewRegistry returns a registry for the table with number fib, indexing at most
// max objects (zero is unlimited).
func NewRegistry(fib uint32, max int) *Registry {
	return &Registry{
		fib:    fib,
		max:    max,
		nhops:  map[key]*Nexthop{},
		groups: map[string]*Group{},
		byID:   map[uint32]Object{},
	}
}

// FIB returns the table number the registry is scoped to.
func (r *Registry) FIB() uint32 { return r.fib }

// allocID returns an unused identifier, r.mu must be held.
func (r *Registry) allocID() uint32 {
	for {
		r.lastID++
		if r.lastID == 0 {
			continue
		}
		if _, ok := r.byID[r.lastID]; !ok {
			return r.lastID
		}
	}
}

// full reports whether no more objects can be created, r.mu must be held.
func (r *Registry) full() bool {
	return r.max > 0 && len(r.byID) >= r.max
}

// Get returns a referenced next-hop with the attributes a, scoped to the table of
// the registry. An existing next-hop is shared when one with identical attributes
// is alive. The caller must Release the returned next-hop.
func (r *Registry) Get(a Attrs) (*Nexthop, error) {
	a.FIB = r.fib
	if a.Gateway.IsValid() {
		a.Flags |= Gateway
	}
	if err := Validate(&a); err != nil {
		return nil, err
	}
	k := a.key()

	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nhops[k]; ok && n.Acquire() {
		return n, nil
	}
	if r.full() {
		return nil, status.Errorf(codes.ResourceExhausted, "cannot allocate next-hop in table %d, limit of %d objects reached", r.fib, r.max)
	}
	n := newNexthop(r.allocID(), a, r)
	r.nhops[k] = n
	r.byID[n.id] = n
	return n, nil
}

// groupKey returns the string that identifies a group with the specified members.
func groupKey(members []Member) string {
	s := make([]string, 0, len(members))
	for _, m := range members {
		s = append(s, fmt.Sprintf("%d/%d", m.Nexthop.ID(), m.Weight))
	}
	return strings.Join(s, ",")
}

// GetGroup returns a referenced group with the specified ordered members. The
// group takes its own references on the members, the caller retains theirs. The
// caller must Release the returned group.
func (r *Registry) GetGroup(members []Member) (*Group, error) {
	if len(members) == 0 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid next-hop group, no members")
	}
	seen := map[*Nexthop]bool{}
	for _, m := range members {
		switch {
		case m.Nexthop == nil:
			return nil, status.Errorf(codes.InvalidArgument, "invalid next-hop group, nil member")
		case m.Nexthop.reg != r:
			return nil, status.Errorf(codes.InvalidArgument, "invalid next-hop group, member %s is not in table %d", m.Nexthop, r.fib)
		case m.Nexthop.Family() != members[0].Nexthop.Family():
			return nil, status.Errorf(codes.InvalidArgument, "invalid next-hop group, mixed address families")
		case seen[m.Nexthop]:
			return nil, status.Errorf(codes.InvalidArgument, "invalid next-hop group, duplicate member %s", m.Nexthop)
		}
		seen[m.Nexthop] = true
	}
	k := groupKey(members)

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[k]; ok && g.Acquire() {
		return g, nil
	}
	if r.full() {
		return nil, status.Errorf(codes.ResourceExhausted, "cannot allocate next-hop group in table %d, limit of %d objects reached", r.fib, r.max)
	}
	ms := make([]Member, 0, len(members))
	for i, m := range members {
		if !m.Nexthop.Acquire() {
			for _, h := range ms[:i] {
				h.Nexthop.Release()
			}
			return nil, status.Errorf(codes.FailedPrecondition, "next-hop %s was released during group creation", m.Nexthop)
		}
		ms = append(ms, m)
	}
	g := newGroup(r.allocID(), ms, r)
	r.groups[k] = g
	r.byID[g.id] = g
	return g, nil
}

// purge removes o from the registry, provided that it has not already been
// replaced by another object.
func (r *Registry) purge(o Object) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byID[o.ID()] == o {
		delete(r.byID, o.ID())
	}
	switch v := o.(type) {
	case *Nexthop:
		if k := v.attrs.key(); r.nhops[k] == v {
			delete(r.nhops, k)
		}
	case *Group:
		if k := groupKey(v.members); r.groups[k] == v {
			delete(r.groups, k)
		}
	}
}

// Lookup returns the live object with the specified ID.
func (r *Registry) Lookup(id uint32) (Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.byID[id]
	return o, ok
}

// Len returns the number of objects in the registry.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Walk calls fn for each object in the registry in ID order, stopping if fn
// returns false. fn is called without the registry lock held.
func (r *Registry) Walk(fn func(Object) bool) {
	r.mu.Lock()
	objs := make([]Object, 0, len(r.byID))
	for _, o := range r.byID {
		objs = append(objs, o)
	}
	r.mu.Unlock()
	sort.Slice(objs, func(i, j int) bool { return objs[i].ID() < objs[j].ID() })
	for _, o := range objs {
		if !fn(o) {
			return
		}
	}
}
