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

// Package notify contains consumers of the changes committed to the tables of a
// RIB. It converts change records to gNMI notifications and gRIBI AFT
// operations, maintains metrics, and fans changes out to multiple subscribers.
package notify

import (
	"fmt"
	"net/netip"

	"github.com/openconfig/gnmi/value"
	"github.com/openconfig/ygot/ygot"

	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/nexthop"
	"github.com/openconfig/fibgo/rib"

	gpb "github.com/openconfig/gnmi/proto/gnmi"
)

// aftPrefix returns the path to the AFTs of the network instance ni.
func aftPrefix(target, ni string) *gpb.Path {
	return &gpb.Path{
		Target: target,
		Elem: []*gpb.PathElem{{
			Name: "network-instances",
		}, {
			Name: "network-instance",
			Key:  map[string]string{"name": ni},
		}, {
			Name: "afts",
		}},
	}
}

// entryPath returns the path, relative to the AFTs, of the entry for prefix p.
func entryPath(p netip.Prefix, leaf ...string) *gpb.Path {
	fam := constants.FamilyOf(p.Addr())
	elem := []*gpb.PathElem{{
		Name: fmt.Sprintf("%s-unicast", fam),
	}, {
		Name: fmt.Sprintf("%s-entry", fam),
		Key:  map[string]string{"prefix": p.String()},
	}}
	for _, l := range leaf {
		elem = append(elem, &gpb.PathElem{Name: l})
	}
	return &gpb.Path{Elem: elem}
}

// AFTID returns the id with which the next-hop object id of a table of family
// fam is exported. The tables of both families of a FIB share the AFTs of one
// network instance, so the ids of IPv6 objects have bit 32 set.
func AFTID(fam constants.Family, id uint32) uint64 {
	if fam == constants.IPv6 {
		return 1<<32 | uint64(id)
	}
	return uint64(id)
}

// groupPath returns the path, relative to the AFTs, of the next-hop-group with
// the specified id.
func groupPath(id uint64, leaf ...*gpb.PathElem) *gpb.Path {
	elem := []*gpb.PathElem{{
		Name: "next-hop-groups",
	}, {
		Name: "next-hop-group",
		Key:  map[string]string{"id": fmt.Sprintf("%d", id)},
	}}
	return &gpb.Path{Elem: append(elem, leaf...)}
}

// nexthopPath returns the path, relative to the AFTs, of the next-hop with the
// specified index.
func nexthopPath(index uint64, leaf ...string) *gpb.Path {
	elem := []*gpb.PathElem{{
		Name: "next-hops",
	}, {
		Name: "next-hop",
		Key:  map[string]string{"index": fmt.Sprintf("%d", index)},
	}}
	for _, l := range leaf {
		elem = append(elem, &gpb.PathElem{Name: l})
	}
	return &gpb.Path{Elem: elem}
}

func update(p *gpb.Path, v any) (*gpb.Update, error) {
	tv, err := value.FromScalar(v)
	if err != nil {
		return nil, fmt.Errorf("cannot encode value %v for %v, %v", v, p, err)
	}
	return &gpb.Update{Path: p, Val: tv}, nil
}

// GNMINotification returns the gNMI notification that describes the change rc
// in the OpenConfig AFT model, for the target name target. The next-hop object
// of the route is described as a next-hop-group whose id is that of the object,
// a single next-hop forms a group with one member. Next-hop objects that are no
// longer referenced after the change are deleted.
func GNMINotification(target string, rc *rib.ChangeRecord) (*gpb.Notification, error) {
	if rc == nil || rc.Route == nil {
		return nil, fmt.Errorf("invalid nil change record")
	}
	n := &gpb.Notification{
		Timestamp: rc.Timestamp,
		Prefix:    aftPrefix(target, constants.NetworkInstanceName(rc.FIB)),
	}
	p := rc.Prefix()

	if rc.New == nil {
		n.Delete = append(n.Delete, entryPath(p))
	}
	for _, o := range released(rc) {
		id := AFTID(rc.Family, o.ID())
		n.Delete = append(n.Delete, groupPath(id))
		if o.Kind() == nexthop.KindNexthop {
			n.Delete = append(n.Delete, nexthopPath(id))
		}
	}
	if rc.New == nil {
		return n, nil
	}

	o := rc.New
	gid := AFTID(rc.Family, o.ID())
	var us []*gpb.Update
	add := func(path *gpb.Path, v any) error {
		u, err := update(path, v)
		if err != nil {
			return err
		}
		us = append(us, u)
		return nil
	}

	if err := add(entryPath(p, "state", "prefix"), p.String()); err != nil {
		return nil, err
	}
	if err := add(entryPath(p, "state", "next-hop-group"), gid); err != nil {
		return nil, err
	}
	if err := add(groupPath(gid, &gpb.PathElem{Name: "state"}, &gpb.PathElem{Name: "id"}), gid); err != nil {
		return nil, err
	}
	for _, m := range members(rc.Route, o) {
		nh := m.Nexthop
		index := AFTID(rc.Family, nh.ID())
		w := groupPath(gid,
			&gpb.PathElem{Name: "next-hops"},
			&gpb.PathElem{Name: "next-hop", Key: map[string]string{"index": fmt.Sprintf("%d", index)}},
			&gpb.PathElem{Name: "state"},
			&gpb.PathElem{Name: "weight"},
		)
		if err := add(w, uint64(m.Weight)); err != nil {
			return nil, err
		}
		if err := add(nexthopPath(index, "state", "index"), index); err != nil {
			return nil, err
		}
		if gw := nh.Gateway(); gw.IsValid() {
			if err := add(nexthopPath(index, "state", "ip-address"), gw.String()); err != nil {
				return nil, err
			}
		}
		if err := add(nexthopPath(index, "interface-ref", "state", "interface"), nh.Interface().Name()); err != nil {
			return nil, err
		}
	}
	n.Update = us
	return n, nil
}

// released returns the next-hop objects used by the route before the change rc
// that are no longer referenced, a group precedes its members. Reference counts
// are read when the record is delivered.
func released(rc *rib.ChangeRecord) []nexthop.Object {
	o := rc.Old
	if o == nil || o == rc.New || o.Refs() > 0 {
		return nil
	}
	ret := []nexthop.Object{o}
	if o.Kind() == nexthop.KindGroup {
		for _, m := range o.Members() {
			if m.Nexthop.Refs() <= 0 {
				ret = append(ret, m.Nexthop)
			}
		}
	}
	return ret
}

// members returns the next-hops and weights of the object o used by route r.
func members(r *rib.Route, o nexthop.Object) []nexthop.Member {
	if n, ok := o.(*nexthop.Nexthop); ok {
		return []nexthop.Member{{Nexthop: n, Weight: r.Weight()}}
	}
	return o.Members()
}

// Paths returns the paths that are updated and deleted by the notification n in
// their string form, including the notification prefix. It is used for logging
// and for comparing notifications in tests.
func Paths(n *gpb.Notification) (updates, deletes []string, err error) {
	join := func(p *gpb.Path) (string, error) {
		full := &gpb.Path{Elem: append(append([]*gpb.PathElem{}, n.GetPrefix().GetElem()...), p.GetElem()...)}
		return ygot.PathToString(full)
	}
	for _, u := range n.GetUpdate() {
		s, err := join(u.GetPath())
		if err != nil {
			return nil, nil, err
		}
		updates = append(updates, s)
	}
	for _, d := range n.GetDelete() {
		s, err := join(d)
		if err != nil {
			return nil, nil, err
		}
		deletes = append(deletes, s)
	}
	return updates, deletes, nil
}
