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

package constants

import (
	"net/netip"
	"testing"

	spb "github.com/openconfig/gribi/v1/proto/service"
)

func TestOpMapping(t *testing.T) {
	for _, o := range []OpType{ADD, DELETE, CHANGE} {
		if got := OpFromAFTOp(AFTOpFromOp(o)); got != o {
			t.Errorf("OpFromAFTOp(AFTOpFromOp(%s)): did not get expected op, got: %s, want: %s", o, got, o)
		}
	}
	if got, want := AFTOpFromOp(OpType(42)), spb.AFTOperation_INVALID; got != want {
		t.Errorf("AFTOpFromOp(42): got: %s, want: %s", got, want)
	}
}

func TestFamilyOf(t *testing.T) {
	tests := []struct {
		desc string
		in   netip.Addr
		want Family
	}{{
		desc: "ipv4",
		in:   netip.MustParseAddr("192.0.2.1"),
		want: IPv4,
	}, {
		desc: "ipv6",
		in:   netip.MustParseAddr("2001:db8::1"),
		want: IPv6,
	}, {
		desc: "invalid",
		in:   netip.Addr{},
	}}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			if got := FamilyOf(tt.in); got != tt.want {
				t.Fatalf("FamilyOf(%v): got: %v, want: %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNetworkInstanceName(t *testing.T) {
	if got := NetworkInstanceName(0); got != DefaultNetworkInstance {
		t.Errorf("NetworkInstanceName(0): got: %s, want: %s", got, DefaultNetworkInstance)
	}
	if got, want := NetworkInstanceName(3), "FIB-3"; got != want {
		t.Errorf("NetworkInstanceName(3): got: %s, want: %s", got, want)
	}
}

func TestFIBFromNetworkInstance(t *testing.T) {
	tests := []struct {
		desc    string
		in      string
		want    uint32
		wantErr bool
	}{{
		desc: "default",
		in:   DefaultNetworkInstance,
		want: 0,
	}, {
		desc: "numbered table",
		in:   "FIB-12",
		want: 12,
	}, {
		desc:    "zero is the default instance",
		in:      "FIB-0",
		wantErr: true,
	}, {
		desc:    "leading zero",
		in:      "FIB-01",
		wantErr: true,
	}, {
		desc:    "trailing characters",
		in:      "FIB-1x",
		wantErr: true,
	}, {
		desc:    "unknown",
		in:      "VRF-A",
		wantErr: true,
	}}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			got, err := FIBFromNetworkInstance(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FIBFromNetworkInstance(%s): did not get expected error, got: %v, wantErr? %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("FIBFromNetworkInstance(%s): got: %d, want: %d", tt.in, got, tt.want)
			}
		})
	}
}
