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

	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/iface"
)

// fakeRIB is a RIB for use in testing which exposes methods that can be used to more easily
// construct a RIB's contents.
type fakeRIB struct {
	r *RIB
}

// NewFake returns a new Fake RIB.
func NewFake(opt ...RIBOpt) *fakeRIB {
	return &fakeRIB{
		r: New(opt...),
	}
}

// RIB returns the constructed fake RIB to the caller.
func (f *fakeRIB) RIB() *RIB {
	return f.r
}

// InjectInterface adds an interface with the specified name and index to the
// interfaces of the RIB.
func (f *fakeRIB) InjectInterface(name string, index int, opts ...iface.Opt) (*iface.Interface, error) {
	i := iface.New(name, index, opts...)
	if err := f.r.opts.ifaces.Add(i); err != nil {
		return nil, fmt.Errorf("cannot add interface, err: %v", err)
	}
	return i, nil
}

// request builds a request for prefix pfx via gateway gw, which may be empty,
// out of the interface named intName.
func (f *fakeRIB) request(pfx, gw, intName string) (*Request, error) {
	p, err := netip.ParsePrefix(pfx)
	if err != nil {
		return nil, fmt.Errorf("invalid prefix %s, err: %v", pfx, err)
	}
	i, ok := f.r.opts.ifaces.ByName(intName)
	if !ok {
		return nil, fmt.Errorf("unknown interface, %s", intName)
	}
	req := &Request{
		Dst:       p.Addr(),
		Netmask:   Netmask(p),
		Interface: i,
	}
	if gw != "" {
		if req.Gateway, err = netip.ParseAddr(gw); err != nil {
			return nil, fmt.Errorf("invalid gateway %s, err: %v", gw, err)
		}
	}
	return req, nil
}

// InjectRoute adds a route to table fib, with the specified prefix (pfx), via the
// gateway gw out of the interface named intName. An empty gw adds a directly
// connected route. It returns an error if the route cannot be injected.
func (f *fakeRIB) InjectRoute(fib uint32, pfx, gw, intName string) error {
	req, err := f.request(pfx, gw, intName)
	if err != nil {
		return err
	}
	if _, err := f.r.Action(fib, constants.ADD, req); err != nil {
		return fmt.Errorf("cannot add route, err: %v", err)
	}
	return nil
}

// InjectMultipath adds a route to table fib with the specified prefix (pfx) and
// one path via each of the gateways gws out of the interface named intName. The
// RIB must have been created with multipath support.
func (f *fakeRIB) InjectMultipath(fib uint32, pfx string, gws []string, intName string) error {
	for _, gw := range gws {
		req, err := f.request(pfx, gw, intName)
		if err != nil {
			return err
		}
		req.Append = true
		if _, err := f.r.Action(fib, constants.ADD, req); err != nil {
			return fmt.Errorf("cannot add path via %s, err: %v", gw, err)
		}
	}
	return nil
}
