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
	"github.com/openconfig/fibgo/iface"
	"github.com/openconfig/fibgo/nexthop"
)

// LoopbackFlags are the flags of the host routes that deliver traffic for local
// addresses.
const LoopbackFlags = nexthop.Host | nexthop.Static | nexthop.Pinned

// loopbackRequest returns the request for the host route of the local address
// a, which is delivered through the loopback interface of the system.
func (r *RIB) loopbackRequest(a *iface.Addr) (*Request, error) {
	if a == nil || a.Interface == nil || !a.Prefix.IsValid() {
		return nil, invalidf("invalid interface address %v", a)
	}
	lo := r.opts.ifaces.Loopback()
	if lo == nil {
		return nil, status.Errorf(codes.FailedPrecondition, "no loopback interface, cannot install route for %s", a.Address())
	}
	return &Request{
		Dst:       a.Address(),
		Interface: lo,
		LinkIndex: a.Interface.Index(),
		Source:    a.Address(),
		Flags:     LoopbackFlags,
	}, nil
}

// loopbackAction applies op to the host route of a in the table of the interface
// that owns a. The error code ignore is treated as success.
func (r *RIB) loopbackAction(op constants.OpType, a *iface.Addr, ignore codes.Code) error {
	req, err := r.loopbackRequest(a)
	if err == nil {
		_, err = r.Action(a.Interface.FIB(), op, req)
	}
	switch {
	case err == nil:
		return nil
	case status.Code(err) == ignore:
		log.V(2).Infof("%s of loopback route for %s ignored, %v", op, a.Address(), err)
		return nil
	}
	log.Errorf("cannot %s loopback route for %s on %s, %v", op, a.Address(), a.Interface, err)
	return err
}

// AddLoopbackRoute installs the host route that delivers traffic for the local
// address a through the loopback interface. It succeeds if the route is already
// present.
func (r *RIB) AddLoopbackRoute(a *iface.Addr) error {
	return r.loopbackAction(constants.ADD, a, codes.AlreadyExists)
}

// DelLoopbackRoute removes the host route for the local address a. It succeeds
// if the route is not present.
func (r *RIB) DelLoopbackRoute(a *iface.Addr) error {
	return r.loopbackAction(constants.DELETE, a, codes.NotFound)
}

// SwitchLoopbackRoute updates the host route for the local address a after the
// interface that owns a has changed.
func (r *RIB) SwitchLoopbackRoute(a *iface.Addr) error {
	return r.loopbackAction(constants.CHANGE, a, codes.OK)
}
