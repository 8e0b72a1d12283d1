// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package reconciler reconciles the contents of two tables -- the intended table
// is assumed to contain the desired routes, whereas the 'target' table is to be
// programmed. The reconciler:
//
//   - Retrieves the tables from an abstract target, such that a table may be
//     held locally or built from an external source.
//   - Calculates a diff between the two tables.
//   - Applies operations to the target table to make it consistent with the
//     intended table.
package reconciler

import (
	"context"
	"fmt"
	"net/netip"

	log "github.com/golang/glog"

	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/nexthop"
	"github.com/openconfig/fibgo/rib"
)

// R is a reconciler between an intended and a target table.
type R struct {
	intended, target TableTarget
}

// TableTarget is an interface that abstracts the tables used by the
// reconciler. It allows the table contents to be retrieved from a local RIB
// or from another source.
type TableTarget interface {
	// Get returns the table.
	Get(context.Context) (*rib.Table, error)
	// CleanUp is called to indicate that the TableTarget should remove any
	// state or external connections as it is no longer required.
	CleanUp()
}

// LocalTable wraps a table that is locally available on the system.
type LocalTable struct {
	t *rib.Table
}

// NewLocalTable returns a target for the local table t.
func NewLocalTable(t *rib.Table) *LocalTable {
	return &LocalTable{t: t}
}

// Get returns the local table.
func (l *LocalTable) Get(_ context.Context) (*rib.Table, error) {
	if l.t == nil {
		return nil, fmt.Errorf("no local table")
	}
	return l.t, nil
}

// CleanUp implements the TableTarget interface. No local cleanup is required.
func (l *LocalTable) CleanUp() {}

var (
	// Compile time check that LocalTable implements the TableTarget interface.
	_ TableTarget = &LocalTable{}
)

// New returns a new reconciler with the specified intended and target tables.
func New(intended, target TableTarget) *R {
	return &R{
		intended: intended,
		target:   target,
	}
}

// Op is an operation that is applied to the target table.
type Op struct {
	// Op is the type of the operation.
	Op constants.OpType
	// Req describes the route that the operation applies to.
	Req *rib.Request
}

// String returns a human readable form of the operation.
func (o *Op) String() string {
	gw := "direct"
	if o.Req.Gateway.IsValid() {
		gw = o.Req.Gateway.String()
	}
	p, _ := o.Req.Prefix()
	return fmt.Sprintf("%s %s via %s", o.Op, p, gw)
}

// Reconcile performs a reconciliation operation between the intended and the
// target table. It returns the number of operations that were applied.
func (r *R) Reconcile(ctx context.Context) (int, error) {
	// Get the current contents of intended and target.
	iTbl, err := r.intended.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("cannot reconcile tables, cannot get contents of intended, %v", err)
	}

	tTbl, err := r.target.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("cannot reconcile tables, cannot get contents of target, %v", err)
	}

	ops, err := Diff(iTbl, tTbl)
	if err != nil {
		return 0, fmt.Errorf("cannot reconcile tables, cannot calculate diff, %v", err)
	}

	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return i, fmt.Errorf("cannot reconcile tables, %v", err)
		}
		log.V(2).Infof("reconciling %s: %s", tTbl, op)
		if _, err := tTbl.Action(op.Op, op.Req); err != nil {
			return i, fmt.Errorf("cannot reconcile tables, operation %s failed, %v", op, err)
		}
	}
	return len(ops), nil
}

// path is the comparable form of a single path of a route, it excludes the
// table that owns the next-hop.
type path struct {
	gateway   netip.Addr
	intf      string
	linkIndex int
	source    netip.Addr
	mtu       uint32
	flags     nexthop.Flags
	weight    uint32
}

// paths returns the paths of the route r.
func paths(r *rib.Route) []path {
	o := r.Nexthop()
	ms := o.Members()
	if n, ok := o.(*nexthop.Nexthop); ok {
		ms = []nexthop.Member{{Nexthop: n, Weight: r.Weight()}}
	}
	ps := make([]path, 0, len(ms))
	for _, m := range ms {
		n := m.Nexthop
		ps = append(ps, path{
			gateway:   n.Gateway(),
			intf:      n.Interface().Name(),
			linkIndex: n.LinkIndex(),
			source:    n.Source(),
			mtu:       n.MTU(),
			flags:     n.Flags(),
			weight:    m.Weight,
		})
	}
	return ps
}

// equal reports whether the routes a and b forward identically.
func equal(a, b *rib.Route) bool {
	if a.Flags() != b.Flags() || !a.Expire().Equal(b.Expire()) {
		return false
	}
	pa, pb := paths(a), paths(b)
	if len(pa) != len(pb) {
		return false
	}
	for i := range pa {
		if pa[i] != pb[i] {
			return false
		}
	}
	return true
}

// addOps returns the operations that add the route r to a table, with one
// operation per path.
func addOps(r *rib.Route) []*Op {
	p := r.Prefix()
	o := r.Nexthop()
	ms := o.Members()
	if n, ok := o.(*nexthop.Nexthop); ok {
		ms = []nexthop.Member{{Nexthop: n, Weight: r.Weight()}}
	}
	var ops []*Op
	for i, m := range ms {
		n := m.Nexthop
		ops = append(ops, &Op{
			Op: constants.ADD,
			Req: &rib.Request{
				Dst:       p.Addr(),
				Netmask:   rib.Netmask(p),
				Gateway:   n.Gateway(),
				Interface: n.Interface(),
				LinkIndex: n.LinkIndex(),
				Source:    n.Source(),
				Flags:     n.Flags(),
				Weight:    m.Weight,
				MTU:       n.MTU(),
				Expire:    r.Expire(),
				Append:    i > 0,
			},
		})
	}
	return ops
}

// deleteOp returns the operation that removes the route r from a table.
func deleteOp(r *rib.Route) *Op {
	p := r.Prefix()
	return &Op{
		Op: constants.DELETE,
		Req: &rib.Request{
			Dst:     p.Addr(),
			Netmask: rib.Netmask(p),
			Flags:   r.Flags() & nexthop.Pinned,
		},
	}
}

// changeable reports whether the route dst can be replaced by src with a single
// CHANGE operation.
func changeable(src, dst *rib.Route) bool {
	_, ss := src.Nexthop().(*nexthop.Nexthop)
	_, ds := dst.Nexthop().(*nexthop.Nexthop)
	sp, dp := src.Flags().Has(nexthop.Pinned), dst.Flags().Has(nexthop.Pinned)
	return ss && ds && (sp || !dp)
}

// Diff returns the difference between the src and dst tables expressed as the
// operations to apply to dst, in order. That is to say:
//
//   - routes that are present in src but not dst are returned as ADD
//     operations, one per path.
//   - routes that are present in both src and dst and whose contents differ
//     are returned as a CHANGE operation if both have a single path, or
//     otherwise as a DELETE followed by ADD operations.
//   - routes that are not present in src but are present in dst are returned
//     as DELETE operations.
//
// The table that owns the next-hops is not compared, such that routes copied
// between tables are equal.
func Diff(src, dst *rib.Table) ([]*Op, error) {
	if src == nil || dst == nil {
		return nil, fmt.Errorf("invalid nil table")
	}
	if src.Family() != dst.Family() {
		return nil, fmt.Errorf("cannot compare table %s to table %s, address families differ", src, dst)
	}

	var ops []*Op
	for _, sr := range src.Routes() {
		dr, ok := dst.Get(sr.Prefix())
		switch {
		case !ok:
			ops = append(ops, addOps(sr)...)
		case equal(sr, dr):
		case changeable(sr, dr):
			op := addOps(sr)[0]
			op.Op = constants.CHANGE
			ops = append(ops, op)
		default:
			ops = append(ops, deleteOp(dr))
			ops = append(ops, addOps(sr)...)
		}
	}
	for _, dr := range dst.Routes() {
		if _, ok := src.Get(dr.Prefix()); !ok {
			ops = append(ops, deleteOp(dr))
		}
	}
	return ops, nil
}
