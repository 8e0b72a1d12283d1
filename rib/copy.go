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
	log "github.com/golang/glog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/nexthop"
)

// creationToken is proof that the table-creation lock of the RIB is held. It
// can only be obtained while holding createMu, and must be supplied to
// functions that lock more than one table.
type creationToken struct{}

// CopyKernelRoutes copies the kernel-originated routes of the table of family
// fam with FIB number src into the table with FIB number dst.
func (r *RIB) CopyKernelRoutes(fam constants.Family, src, dst uint32) error {
	r.createMu.Lock()
	defer r.createMu.Unlock()
	tok := &creationToken{}

	s, ok := r.Table(fam, src)
	if !ok {
		return status.Errorf(codes.NotFound, "no %s table with FIB number %d", fam, src)
	}
	d, ok := r.Table(fam, dst)
	if !ok {
		return status.Errorf(codes.NotFound, "no %s table with FIB number %d", fam, dst)
	}
	if s == d {
		return status.Errorf(codes.InvalidArgument, "cannot copy table %s onto itself", s)
	}
	return copyKernelRoutes(tok, s, d)
}

// isKernelNexthop reports whether n describes a route originated by the
// system in the table that n belongs to.
func isKernelNexthop(n *nexthop.Nexthop) bool {
	return n.Flags().Has(nexthop.Pinned) && n.Interface().FIB() == n.FIB()
}

// isKernelRoute reports whether every path of r is a kernel next-hop.
func isKernelRoute(r *Route) bool {
	for _, m := range members(r) {
		if !isKernelNexthop(m.Nexthop) {
			return false
		}
	}
	return true
}

// copyKernelRoutes copies each kernel route of src into dst. Failures to copy an
// individual route are logged and the copy continues.
func copyKernelRoutes(_ *creationToken, src, dst *Table) error {
	var rs []*Route
	src.Walk(func(r *Route) bool {
		if isKernelRoute(r) {
			rs = append(rs, r)
		}
		return true
	})

	var n int
	for _, r := range rs {
		if err := dst.copyRoute(r); err != nil {
			log.Warningf("cannot copy route %s from table %s to %s, %v", r.Prefix(), src, dst, err)
			continue
		}
		n++
	}
	log.V(2).Infof("copied %d of %d kernel routes from table %s to %s", n, len(rs), src, dst)
	return nil
}

// copyRoute installs a route with the prefix, paths and weight of r into t,
// replacing any route already present for the prefix.
func (t *Table) copyRoute(r *Route) error {
	ms := members(r)
	local := make([]nexthop.Member, 0, len(ms))
	release := func() {
		for _, m := range local {
			m.Nexthop.Release()
		}
	}
	for _, m := range ms {
		n, err := t.nhops.Get(m.Nexthop.Attrs())
		if err != nil {
			release()
			return err
		}
		local = append(local, nexthop.Member{Nexthop: n, Weight: m.Weight})
	}

	var o nexthop.Object
	if r.Nexthop().Kind() == nexthop.KindGroup {
		g, err := t.nhops.GetGroup(local)
		release()
		if err != nil {
			return err
		}
		o = g
	} else {
		o = local[0].Nexthop
	}

	var old nexthop.Object
	t.mu.Lock()
	rc := &ChangeRecord{Op: constants.ADD, New: o}
	if cur, ok := t.idx.Get(r.Prefix()); ok {
		old = cur.Nexthop()
		cur.setNexthop(o)
		cur.weight.Store(r.Weight())
		cur.flags.Store(uint32(r.Flags()))
		rc.Op, rc.Route, rc.Old = constants.CHANGE, cur, old
	} else {
		nr := newRoute(r.Prefix(), o, r.Weight(), r.Flags(), r.Expire())
		if err := t.idx.Insert(nr.Prefix(), nr); err != nil {
			t.mu.Unlock()
			o.Release()
			return status.Errorf(codes.ResourceExhausted, "cannot add route %s to table %s, %v", nr.Prefix(), t, err)
		}
		if !nr.Expire().IsZero() {
			t.scheduleExpireLocked(nr.Expire())
		}
		rc.Route = nr
	}
	t.commitLocked(rc)
	t.mu.Unlock()

	if old != nil {
		old.Release()
	}
	t.nq.drain()
	return nil
}
