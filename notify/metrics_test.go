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
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/rib"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics(): got unexpected error, %v", err)
	}
	if _, err := NewMetrics(reg); err == nil {
		t.Errorf("NewMetrics(): did not get expected error registering duplicate metrics")
	}

	r, _ := newFakeRIB(t)
	r.SetHook(m.Hook())
	for _, a := range []struct {
		op  constants.OpType
		pfx string
		gw  string
	}{
		{constants.ADD, "192.0.2.0/24", "192.168.0.1"},
		{constants.ADD, "198.51.100.0/24", "192.168.0.1"},
		{constants.CHANGE, "198.51.100.0/24", "192.168.0.2"},
		{constants.DELETE, "192.0.2.0/24", ""},
	} {
		if _, err := r.Action(0, a.op, routeReq(t, r, a.pfx, a.gw)); err != nil {
			t.Fatalf("cannot apply %s %s, %v", a.op, a.pfx, err)
		}
	}

	tests := []struct {
		desc string
		in   prometheus.Collector
		want float64
	}{{
		desc: "added",
		in:   m.changes.WithLabelValues("ipv4", "0", "ADD"),
		want: 2,
	}, {
		desc: "changed",
		in:   m.changes.WithLabelValues("ipv4", "0", "CHANGE"),
		want: 1,
	}, {
		desc: "deleted",
		in:   m.changes.WithLabelValues("ipv4", "0", "DELETE"),
		want: 1,
	}, {
		desc: "routes",
		in:   m.routes.WithLabelValues("ipv4", "0"),
		want: 1,
	}, {
		desc: "generation",
		in:   m.generation.WithLabelValues("ipv4", "0"),
		want: 4,
	}}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.in); got != tt.want {
				t.Fatalf("did not get expected value, got: %v, want: %v", got, tt.want)
			}
		})
	}
}

func TestMetricsRoutes(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetrics(): got unexpected error, %v", err)
	}
	r, _ := newFakeRIB(t, rib.WithFIBs(2))
	r.SetHook(m.Hook())
	for _, a := range []struct {
		fib     uint32
		pfx, gw string
	}{
		{0, "192.0.2.0/24", "192.168.0.1"},
		{0, "198.51.100.0/24", "192.168.0.1"},
		{1, "203.0.113.0/24", "192.168.0.1"},
		{0, "2001:db8::/32", "fe80::1"},
	} {
		if _, err := r.Action(a.fib, constants.ADD, routeReq(t, r, a.pfx, a.gw)); err != nil {
			t.Fatalf("cannot add route %s, %v", a.pfx, err)
		}
	}

	tests := []struct {
		desc  string
		inFam constants.Family
		inFIB uint32
		want  float64
	}{{
		desc:  "ipv4 default table",
		inFam: constants.IPv4,
		want:  2,
	}, {
		desc:  "ipv4 table 1",
		inFam: constants.IPv4,
		inFIB: 1,
		want:  1,
	}, {
		desc:  "ipv6 default table",
		inFam: constants.IPv6,
		want:  1,
	}, {
		desc:  "empty table",
		inFam: constants.IPv6,
		inFIB: 1,
		want:  0,
	}}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			if got := m.Routes(tt.inFam, tt.inFIB); got != tt.want {
				t.Fatalf("Routes(%s, %d): did not get expected count, got: %v, want: %v", tt.inFam, tt.inFIB, got, tt.want)
			}
		})
	}
}
