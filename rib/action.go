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
	"net/netip"

	log "github.com/golang/glog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/nexthop"
)

// Action applies the operation op described by req to the table. On success
// the change has been committed, the generation of the table has been
// incremented exactly once, and the returned record has been queued for
// delivery to the hook of the table. On failure the table is unchanged.
func (t *Table) Action(op constants.OpType, req *Request) (*ChangeRecord, error) {
	if req == nil {
		return nil, invalidf("nil request")
	}
	p, err := req.Prefix()
	if err != nil {
		return nil, err
	}
	if fam := req.Family(); fam != t.family {
		return nil, invalidf("destination %s is not in family %s of table %d", req.Dst, t.family, t.fib)
	}
	if op == constants.ADD {
		a := req.attrs(t.family, p)
		a.FIB = t.fib
		if err := nexthop.Validate(&a); err != nil {
			return nil, err
		}
	}

	var (
		rc      *ChangeRecord
		release []nexthop.Object
	)
	t.mu.Lock()
	switch op {
	case constants.ADD:
		rc, release, err = t.addLocked(p, req)
	case constants.CHANGE:
		rc, release, err = t.changeLocked(p, req)
	case constants.DELETE:
		rc, release, err = t.deleteLocked(p, req)
	default:
		err = invalidf("unsupported operation %s", op)
	}
	if err == nil {
		t.commitLocked(rc)
	}
	t.mu.Unlock()

	// Next-hops are released once the table is unlocked, since destroying
	// them takes the registry lock.
	for _, o := range release {
		o.Release()
	}
	if err != nil {
		log.V(2).Infof("table %s: %s %s failed, %v", t, op, p, err)
		return nil, err
	}
	log.V(2).Infof("table %s: committed %s", t, rc)
	t.nq.drain()
	return rc, nil
}

// commitLocked assigns the next generation of the table to rc and queues it for
// delivery.
func (t *Table) commitLocked(rc *ChangeRecord) {
	g := t.gen.Inc()
	rc.Route.gen.Store(g)
	rc.Family = t.family
	rc.FIB = t.fib
	rc.Generation = g
	rc.Timestamp = t.clk.Now().UnixNano()
	t.nq.push(rc)
}

// pinnedLocked returns an error if the route r is pinned and the request is not.
func pinnedLocked(r *Route, req *Request) error {
	if r.Flags().Has(nexthop.Pinned) && !req.Flags.Has(nexthop.Pinned) {
		return status.Errorf(codes.PermissionDenied, "route %s is pinned", r.Prefix())
	}
	return nil
}

func (t *Table) addLocked(p netip.Prefix, req *Request) (*ChangeRecord, []nexthop.Object, error) {
	a := req.attrs(t.family, p)
	if r, ok := t.idx.Get(p); ok {
		if req.Append && t.multipath {
			return t.appendLocked(r, a, req)
		}
		return nil, nil, status.Errorf(codes.AlreadyExists, "route %s already exists in table %s", p, t)
	}
	nh, err := t.nhops.Get(a)
	if err != nil {
		return nil, nil, err
	}
	r := newRoute(p, nh, req.weight(), nh.Flags(), req.Expire)
	if err := t.idx.Insert(p, r); err != nil {
		return nil, []nexthop.Object{nh}, status.Errorf(codes.ResourceExhausted, "cannot add route %s to table %s, %v", p, t, err)
	}
	if !req.Expire.IsZero() {
		t.scheduleExpireLocked(req.Expire)
	}
	return &ChangeRecord{Op: constants.ADD, Route: r, New: nh}, nil, nil
}

// members returns the paths of the route r along with their weights.
func members(r *Route) []nexthop.Member {
	o := r.Nexthop()
	if n, ok := o.(*nexthop.Nexthop); ok {
		return []nexthop.Member{{Nexthop: n, Weight: r.Weight()}}
	}
	return append([]nexthop.Member(nil), o.Members()...)
}

// appendLocked adds a path with attributes a to the existing route r, which
// then uses a group of its previous paths and the new one.
func (t *Table) appendLocked(r *Route, a nexthop.Attrs, req *Request) (*ChangeRecord, []nexthop.Object, error) {
	nh, err := t.nhops.Get(a)
	if err != nil {
		return nil, nil, err
	}
	ms := members(r)
	for _, m := range ms {
		if m.Nexthop == nh {
			return nil, []nexthop.Object{nh}, status.Errorf(codes.AlreadyExists, "route %s already has a path via %s", r.Prefix(), nh)
		}
	}
	g, err := t.nhops.GetGroup(append(ms, nexthop.Member{Nexthop: nh, Weight: req.weight()}))
	if err != nil {
		return nil, []nexthop.Object{nh}, err
	}
	old := r.Nexthop()
	r.setNexthop(g)
	r.flags.Store(uint32(r.Flags() | nh.Flags()&nexthop.RouteFlags))
	// The group holds its own reference to nh.
	return &ChangeRecord{Op: constants.ADD, Route: r, Old: old, New: g}, []nexthop.Object{nh, old}, nil
}

func (t *Table) changeLocked(p netip.Prefix, req *Request) (*ChangeRecord, []nexthop.Object, error) {
	r, ok := t.idx.Get(p)
	if !ok {
		return nil, nil, status.Errorf(codes.NotFound, "no route %s in table %s", p, t)
	}
	if err := pinnedLocked(r, req); err != nil {
		return nil, nil, err
	}
	old := r.Nexthop()

	a := req.attrs(t.family, p)
	// Attributes that the request does not specify are taken from the
	// current next-hop when the route has a single path.
	if cur, ok := old.(*nexthop.Nexthop); ok {
		if a.Interface == nil {
			a.Interface = cur.Interface()
			if a.LinkIndex == 0 {
				a.LinkIndex = cur.LinkIndex()
			}
		}
		if !a.Gateway.IsValid() && !req.Flags.Has(nexthop.Gateway) {
			a.Gateway = cur.Gateway()
		}
		if !a.Source.IsValid() {
			a.Source = cur.Source()
		}
		if a.MTU == 0 {
			a.MTU = cur.MTU()
		}
	}
	nh, err := t.nhops.Get(a)
	if err != nil {
		return nil, nil, err
	}

	r.setNexthop(nh)
	r.flags.Store(uint32(nh.Flags() & nexthop.RouteFlags))
	if req.Weight != 0 {
		r.weight.Store(req.Weight)
	}
	r.setExpire(req.Expire)
	if !req.Expire.IsZero() {
		t.scheduleExpireLocked(req.Expire)
	}
	return &ChangeRecord{Op: constants.CHANGE, Route: r, Old: old, New: nh}, []nexthop.Object{old}, nil
}

func (t *Table) deleteLocked(p netip.Prefix, req *Request) (*ChangeRecord, []nexthop.Object, error) {
	r, ok := t.idx.Get(p)
	if !ok {
		return nil, nil, status.Errorf(codes.NotFound, "no route %s in table %s", p, t)
	}
	if err := pinnedLocked(r, req); err != nil {
		return nil, nil, err
	}
	old := r.Nexthop()

	if req.Gateway.IsValid() {
		ms := members(r)
		i := pathIndex(ms, req.Gateway)
		if i < 0 {
			return nil, nil, status.Errorf(codes.NotFound, "route %s in table %s has no path via %s", p, t, req.Gateway)
		}
		if len(ms) > 1 {
			return t.removePathLocked(r, ms, i)
		}
	}

	if _, ok := t.idx.Remove(p); !ok {
		return nil, nil, status.Errorf(codes.Internal, "route %s vanished from table %s", p, t)
	}
	return &ChangeRecord{Op: constants.DELETE, Route: r, Old: old}, []nexthop.Object{old}, nil
}

// pathIndex returns the index of the member using gateway gw, or -1.
func pathIndex(ms []nexthop.Member, gw netip.Addr) int {
	for i, m := range ms {
		if m.Nexthop.Gateway() == gw {
			return i
		}
	}
	return -1
}

// removePathLocked removes member i from the multipath route r, which keeps its
// remaining paths. The route flags are those of the remaining paths.
func (t *Table) removePathLocked(r *Route, ms []nexthop.Member, i int) (*ChangeRecord, []nexthop.Object, error) {
	rest := append(append([]nexthop.Member(nil), ms[:i]...), ms[i+1:]...)
	var n nexthop.Object
	if len(rest) == 1 {
		// The group being replaced holds a reference to the remaining
		// member, so acquiring it cannot fail.
		if !rest[0].Nexthop.Acquire() {
			return nil, nil, status.Errorf(codes.Internal, "next-hop %s of route %s was released", rest[0].Nexthop, r.Prefix())
		}
		n = rest[0].Nexthop
		r.weight.Store(rest[0].Weight)
	} else {
		g, err := t.nhops.GetGroup(rest)
		if err != nil {
			return nil, nil, err
		}
		n = g
	}
	var flags nexthop.Flags
	for _, m := range rest {
		flags |= m.Nexthop.Flags() & nexthop.RouteFlags
	}
	old := r.Nexthop()
	r.setNexthop(n)
	r.flags.Store(uint32(flags))
	return &ChangeRecord{Op: constants.DELETE, Route: r, Old: old, New: n}, []nexthop.Object{old}, nil
}
