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

package notify

import (
	"fmt"
	"sync"

	log "github.com/golang/glog"
	"go.uber.org/atomic"

	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/nexthop"
	"github.com/openconfig/fibgo/rib"

	aftpb "github.com/openconfig/gribi/v1/proto/gribi_aft"
	spb "github.com/openconfig/gribi/v1/proto/service"
	wpb "github.com/openconfig/ygot/proto/ywrapper"
)

// nhEntry returns the gRIBI next-hop entry for n, a next-hop of a table of
// family fam.
func nhEntry(fam constants.Family, n *nexthop.Nexthop) *aftpb.Afts_NextHopKey {
	nh := &aftpb.Afts_NextHop{
		InterfaceRef: &aftpb.Afts_NextHop_InterfaceRef{
			Interface: &wpb.StringValue{Value: n.Interface().Name()},
		},
	}
	if gw := n.Gateway(); gw.IsValid() {
		nh.IpAddress = &wpb.StringValue{Value: gw.String()}
	}
	return &aftpb.Afts_NextHopKey{
		Index:   AFTID(fam, n.ID()),
		NextHop: nh,
	}
}

// nhgEntry returns the gRIBI next-hop-group entry with the specified id and
// members, for a table of family fam.
func nhgEntry(fam constants.Family, id uint32, ms []nexthop.Member) *aftpb.Afts_NextHopGroupKey {
	g := &aftpb.Afts_NextHopGroup{}
	for _, m := range ms {
		g.NextHop = append(g.NextHop, &aftpb.Afts_NextHopGroup_NextHopKey{
			Index: AFTID(fam, m.Nexthop.ID()),
			NextHop: &aftpb.Afts_NextHopGroup_NextHop{
				Weight: &wpb.UintValue{Value: uint64(m.Weight)},
			},
		})
	}
	return &aftpb.Afts_NextHopGroupKey{
		Id:           AFTID(fam, id),
		NextHopGroup: g,
	}
}

// prefixOp returns the gRIBI operation op in network instance ni for the route
// r of family fam, using next-hop-group nhg unless it is nil.
func prefixOp(ni string, op spb.AFTOperation_Operation, fam constants.Family, r *rib.Route, nhg *wpb.UintValue) (*spb.AFTOperation, error) {
	ret := &spb.AFTOperation{
		NetworkInstance: ni,
		Op:              op,
	}
	switch fam {
	case constants.IPv4:
		e := &aftpb.Afts_Ipv4EntryKey{Prefix: r.Prefix().String(), Ipv4Entry: &aftpb.Afts_Ipv4Entry{}}
		if nhg != nil {
			e.Ipv4Entry.NextHopGroup = nhg
		}
		ret.Entry = &spb.AFTOperation_Ipv4{Ipv4: e}
	case constants.IPv6:
		e := &aftpb.Afts_Ipv6EntryKey{Prefix: r.Prefix().String(), Ipv6Entry: &aftpb.Afts_Ipv6Entry{}}
		if nhg != nil {
			e.Ipv6Entry.NextHopGroup = nhg
		}
		ret.Entry = &spb.AFTOperation_Ipv6{Ipv6: e}
	default:
		return nil, fmt.Errorf("unsupported address family %s", fam)
	}
	return ret, nil
}

// AFTOperations returns the gRIBI AFT operations that apply the change rc to a
// gRIBI server. When the route uses next-hops after the change, operations that
// add its next-hops and next-hop-group precede the operation for the prefix.
// Operations that delete the next-hop objects no longer referenced after the
// change follow it. The Id of the returned operations is not set.
func AFTOperations(rc *rib.ChangeRecord) ([]*spb.AFTOperation, error) {
	if rc == nil || rc.Route == nil {
		return nil, fmt.Errorf("invalid nil change record")
	}
	ni := constants.NetworkInstanceName(rc.FIB)

	var ops []*spb.AFTOperation
	if rc.New == nil {
		op, err := prefixOp(ni, spb.AFTOperation_DELETE, rc.Family, rc.Route, nil)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	} else {
		ms := members(rc.Route, rc.New)
		for _, m := range ms {
			ops = append(ops, &spb.AFTOperation{
				NetworkInstance: ni,
				Op:              spb.AFTOperation_ADD,
				Entry:           &spb.AFTOperation_NextHop{NextHop: nhEntry(rc.Family, m.Nexthop)},
			})
		}
		ops = append(ops, &spb.AFTOperation{
			NetworkInstance: ni,
			Op:              spb.AFTOperation_ADD,
			Entry:           &spb.AFTOperation_NextHopGroup{NextHopGroup: nhgEntry(rc.Family, rc.New.ID(), ms)},
		})

		kind := spb.AFTOperation_REPLACE
		if rc.Op == constants.ADD && rc.Old == nil {
			kind = spb.AFTOperation_ADD
		}
		op, err := prefixOp(ni, kind, rc.Family, rc.Route, &wpb.UintValue{Value: AFTID(rc.Family, rc.New.ID())})
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	// A released next-hop was exported as a group of one, its group is
	// deleted before the next-hop itself.
	var nhs []*spb.AFTOperation
	for _, o := range released(rc) {
		id := AFTID(rc.Family, o.ID())
		ops = append(ops, &spb.AFTOperation{
			NetworkInstance: ni,
			Op:              spb.AFTOperation_DELETE,
			Entry:           &spb.AFTOperation_NextHopGroup{NextHopGroup: &aftpb.Afts_NextHopGroupKey{Id: id}},
		})
		if o.Kind() == nexthop.KindNexthop {
			nhs = append(nhs, &spb.AFTOperation{
				NetworkInstance: ni,
				Op:              spb.AFTOperation_DELETE,
				Entry:           &spb.AFTOperation_NextHop{NextHop: &aftpb.Afts_NextHopKey{Index: id}},
			})
		}
	}
	return append(ops, nhs...), nil
}

// Journal is a bounded, ordered log of the gRIBI AFT operations that describe
// the changes committed to a RIB. Each operation is assigned a unique,
// increasing Id.
type Journal struct {
	// lastID is the Id of the last operation appended to the journal.
	lastID atomic.Uint64

	// mu protects ops.
	mu  sync.RWMutex
	ops []*spb.AFTOperation
	max int
}

// NewJournal returns a journal retaining at most max operations, zero means
// that the journal is unbounded.
func NewJournal(max int) *Journal {
	return &Journal{max: max}
}

// Append records the operations for the change rc.
func (j *Journal) Append(rc *rib.ChangeRecord) error {
	ops, err := AFTOperations(rc)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, op := range ops {
		op.Id = j.lastID.Inc()
		j.ops = append(j.ops, op)
	}
	if j.max > 0 && len(j.ops) > j.max {
		j.ops = append([]*spb.AFTOperation(nil), j.ops[len(j.ops)-j.max:]...)
	}
	return nil
}

// Hook returns a function that appends the changes committed to a RIB to the
// journal.
func (j *Journal) Hook() rib.RIBHookFn {
	return func(_ constants.OpType, _ int64, rc *rib.ChangeRecord) {
		if err := j.Append(rc); err != nil {
			log.Errorf("cannot journal change %s, %v", rc, err)
		}
	}
}

// LastID returns the Id of the last operation appended to the journal.
func (j *Journal) LastID() uint64 { return j.lastID.Load() }

// Since returns the retained operations with an Id greater than id, in order.
func (j *Journal) Since(id uint64) []*spb.AFTOperation {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var ret []*spb.AFTOperation
	for _, op := range j.ops {
		if op.GetId() > id {
			ret = append(ret, op)
		}
	}
	return ret
}

// Len returns the number of retained operations.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.ops)
}

// GetResponse returns the contents of the table t as a gRIBI GetResponse, in
// the form returned by a gRIBI server for AFTType_ALL.
func GetResponse(t *rib.Table) (*spb.GetResponse, error) {
	ni := constants.NetworkInstanceName(t.FIB())
	resp := &spb.GetResponse{}
	t.Nexthops().Walk(func(o nexthop.Object) bool {
		switch v := o.(type) {
		case *nexthop.Nexthop:
			resp.Entry = append(resp.Entry, &spb.AFTEntry{
				NetworkInstance: ni,
				Entry:           &spb.AFTEntry_NextHop{NextHop: nhEntry(t.Family(), v)},
			})
		case *nexthop.Group:
			resp.Entry = append(resp.Entry, &spb.AFTEntry{
				NetworkInstance: ni,
				Entry:           &spb.AFTEntry_NextHopGroup{NextHopGroup: nhgEntry(t.Family(), v.ID(), v.Members())},
			})
		}
		return true
	})

	var err error
	singles := map[uint32]bool{}
	t.Walk(func(r *rib.Route) bool {
		o := r.Nexthop()
		if o.Kind() == nexthop.KindNexthop && !singles[o.ID()] {
			// A single next-hop is exported as a group of one, whose id is
			// that of the next-hop.
			singles[o.ID()] = true
			resp.Entry = append(resp.Entry, &spb.AFTEntry{
				NetworkInstance: ni,
				Entry:           &spb.AFTEntry_NextHopGroup{NextHopGroup: nhgEntry(t.Family(), o.ID(), members(r, o))},
			})
		}
		nhg := &wpb.UintValue{Value: AFTID(t.Family(), o.ID())}
		switch t.Family() {
		case constants.IPv4:
			resp.Entry = append(resp.Entry, &spb.AFTEntry{
				NetworkInstance: ni,
				Entry: &spb.AFTEntry_Ipv4{Ipv4: &aftpb.Afts_Ipv4EntryKey{
					Prefix:    r.Prefix().String(),
					Ipv4Entry: &aftpb.Afts_Ipv4Entry{NextHopGroup: nhg},
				}},
			})
		case constants.IPv6:
			resp.Entry = append(resp.Entry, &spb.AFTEntry{
				NetworkInstance: ni,
				Entry: &spb.AFTEntry_Ipv6{Ipv6: &aftpb.Afts_Ipv6EntryKey{
					Prefix:    r.Prefix().String(),
					Ipv6Entry: &aftpb.Afts_Ipv6Entry{NextHopGroup: nhg},
				}},
			})
		default:
			err = fmt.Errorf("unsupported address family %s", t.Family())
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
