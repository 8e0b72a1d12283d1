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
	"testing"

	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/iface"
	"github.com/openconfig/fibgo/nexthop"
)

func TestFake(t *testing.T) {
	f := NewFake(WithMultipath(), WithFIBs(2))
	if _, err := f.InjectInterface("lo0", 1, iface.Loopback()); err != nil {
		t.Fatalf("cannot inject loopback, %v", err)
	}
	if _, err := f.InjectInterface("eth0", 2); err != nil {
		t.Fatalf("cannot inject interface, %v", err)
	}
	if _, err := f.InjectInterface("eth0", 3); err == nil {
		t.Errorf("InjectInterface(): duplicate interface name did not return an error")
	}

	if err := f.InjectRoute(1, "10.0.0.0/8", "192.0.2.1", "eth0"); err != nil {
		t.Fatalf("InjectRoute(): got unexpected error, %v", err)
	}
	if err := f.InjectRoute(1, "10.0.0.0/8", "192.0.2.1", "eth0"); err == nil {
		t.Errorf("InjectRoute(): duplicate route did not return an error")
	}
	if err := f.InjectRoute(0, "10.0.0.0/8", "", "eth42"); err == nil {
		t.Errorf("InjectRoute(): unknown interface did not return an error")
	}
	if err := f.InjectMultipath(0, "2001:db8::/32", []string{"fe80::1", "fe80::2", "fe80::3"}, "eth0"); err != nil {
		t.Fatalf("InjectMultipath(): got unexpected error, %v", err)
	}

	r := f.RIB()
	v4, _ := r.Table(constants.IPv4, 1)
	if _, nh, ok := v4.Lookup(netip.MustParseAddr("10.1.1.1")); !ok || nh.Gateway() != netip.MustParseAddr("192.0.2.1") {
		t.Errorf("Lookup(10.1.1.1): got: %v, %v, want route via 192.0.2.1", nh, ok)
	}
	v6, _ := r.Table(constants.IPv6, 0)
	rt, ok := v6.Get(netip.MustParsePrefix("2001:db8::/32"))
	if !ok {
		t.Fatalf("multipath route not injected")
	}
	if rt.Nexthop().Kind() != nexthop.KindGroup || len(rt.Nexthop().Members()) != 3 {
		t.Errorf("multipath route: got next-hop %v, want a group of 3", rt.Nexthop())
	}
}
